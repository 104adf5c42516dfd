package modules

import (
	"fmt"
	"hash/fnv"
	"math/big"

	"github.com/google/uuid"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// uuidValue is a UUID as seen by snippets. str() gives the canonical form.
type uuidValue struct {
	id uuid.UUID
}

var (
	_ starlark.HasAttrs   = uuidValue{}
	_ starlark.Comparable = uuidValue{}
)

func (u uuidValue) String() string       { return u.id.String() }
func (u uuidValue) Type() string         { return "UUID" }
func (u uuidValue) Freeze()              {}
func (u uuidValue) Truth() starlark.Bool { return starlark.True }
func (u uuidValue) Hash() (uint32, error) {
	h := fnv.New32a()
	h.Write(u.id[:])
	return h.Sum32(), nil
}

func (u uuidValue) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	other := y.(uuidValue)
	return starlark.Compare(op, starlark.String(u.id.String()), starlark.String(other.id.String()))
}

func (u uuidValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "hex":
		return starlark.String(fmt.Sprintf("%x", u.id[:])), nil
	case "urn":
		return starlark.String(u.id.URN()), nil
	case "version":
		return starlark.MakeInt(int(u.id.Version())), nil
	case "bytes":
		return starlark.Bytes(u.id[:]), nil
	case "int":
		return starlark.MakeBigInt(new(big.Int).SetBytes(u.id[:])), nil
	}
	return nil, nil
}

func (u uuidValue) AttrNames() []string {
	return []string{"bytes", "hex", "int", "urn", "version"}
}

func loadUUID(_ *Env) (*starlarkstruct.Module, error) {
	return newModule("uuid", starlark.StringDict{
		"NAMESPACE_DNS":  uuidValue{uuid.NameSpaceDNS},
		"NAMESPACE_URL":  uuidValue{uuid.NameSpaceURL},
		"NAMESPACE_OID":  uuidValue{uuid.NameSpaceOID},
		"NAMESPACE_X500": uuidValue{uuid.NameSpaceX500},
		"UUID": fn("uuid.UUID", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "hex", &s); err != nil {
				return nil, err
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("%s: badly formed hexadecimal UUID string", b.Name())
			}
			return uuidValue{id}, nil
		}),
		"uuid1": fn("uuid.uuid1", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			id, err := uuid.NewUUID()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return uuidValue{id}, nil
		}),
		"uuid4": fn("uuid.uuid4", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return uuidValue{uuid.New()}, nil
		}),
		"uuid3": fn("uuid.uuid3", namedUUID(uuid.NewMD5)),
		"uuid5": fn("uuid.uuid5", namedUUID(uuid.NewSHA1)),
	}), nil
}

func namedUUID(gen func(uuid.UUID, []byte) uuid.UUID) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var ns starlark.Value
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &ns, &name); err != nil {
			return nil, err
		}
		space, ok := ns.(uuidValue)
		if !ok {
			return nil, fmt.Errorf("%s: namespace must be a UUID, not %s", b.Name(), ns.Type())
		}
		return uuidValue{gen(space.id, []byte(name))}, nil
	}
}
