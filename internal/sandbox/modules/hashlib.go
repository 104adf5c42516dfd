package modules

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
)

var hashConstructors = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
	"blake2b": func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
	"blake2s": func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	},
}

func loadHashlib(_ *Env) (*starlarkstruct.Module, error) {
	names := make([]string, 0, len(hashConstructors))
	members := starlark.StringDict{}
	for name, ctor := range hashConstructors {
		names = append(names, name)
		members[name] = fn("hashlib."+name, hashFunc(name, ctor))
	}
	sort.Strings(names)
	members["algorithms_available"] = stringList(names)
	members["algorithms_guaranteed"] = stringList(names)
	members["new"] = fn("hashlib.new", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("%s: missing argument for name", b.Name())
		}
		name, ok := starlark.AsString(args[0])
		if !ok {
			return nil, fmt.Errorf("%s: name must be str, not %s", b.Name(), args[0].Type())
		}
		ctor, ok := hashConstructors[name]
		if !ok {
			return nil, fmt.Errorf("%s: unsupported hash type %s", b.Name(), name)
		}
		return hashFunc(name, ctor)(thread, b, args[1:], kwargs)
	})
	return newModule("hashlib", members), nil
}

func hashFunc(name string, ctor func() hash.Hash) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Value = starlark.Bytes("")
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data?", &data); err != nil {
			return nil, err
		}
		h := ctor()
		if err := hashWrite(b.Name(), h, data); err != nil {
			return nil, err
		}
		return newHashObject(name, h), nil
	}
}

func hashWrite(fnName string, h hash.Hash, v starlark.Value) error {
	if _, ok := v.(starlark.String); ok {
		return fmt.Errorf("%s: Strings must be encoded before hashing", fnName)
	}
	data, err := bytesOf(fnName, v)
	if err != nil {
		return err
	}
	h.Write(data)
	return nil
}

func newHashObject(name string, h hash.Hash) *Object {
	return NewObject("HASH", fmt.Sprintf("<%s HASH object>", name), starlark.StringDict{
		"name":        starlark.String(name),
		"digest_size": starlark.MakeInt(h.Size()),
		"block_size":  starlark.MakeInt(h.BlockSize()),
		"update": fn(name+".update", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var data starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
				return nil, err
			}
			return starlark.None, hashWrite(b.Name(), h, data)
		}),
		"digest": fn(name+".digest", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.Bytes(h.Sum(nil)), nil
		}),
		"hexdigest": fn(name+".hexdigest", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.String(hex.EncodeToString(h.Sum(nil))), nil
		}),
	})
}
