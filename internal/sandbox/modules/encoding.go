package modules

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

type codec struct {
	encode func([]byte) string
	decode func(string) ([]byte, error)
}

func loadBase64(_ *Env) (*starlarkstruct.Module, error) {
	codecs := map[string]codec{
		"b64":         {base64.StdEncoding.EncodeToString, lenientBase64(base64.StdEncoding)},
		"urlsafe_b64": {base64.URLEncoding.EncodeToString, lenientBase64(base64.URLEncoding)},
		"b32":         {base32.StdEncoding.EncodeToString, base32.StdEncoding.DecodeString},
		"b16": {
			func(b []byte) string { return strings.ToUpper(hex.EncodeToString(b)) },
			hex.DecodeString,
		},
	}
	members := make(starlark.StringDict, len(codecs)*2)
	for prefix, c := range codecs {
		members[prefix+"encode"] = fn("base64."+prefix+"encode", encodeFunc(c))
		members[prefix+"decode"] = fn("base64."+prefix+"decode", decodeFunc(c))
	}
	return newModule("base64", members), nil
}

// lenientBase64 accepts input with or without padding, like binascii.
func lenientBase64(enc *base64.Encoding) func(string) ([]byte, error) {
	return func(s string) ([]byte, error) {
		s = strings.TrimRight(strings.TrimSpace(s), "=")
		return enc.WithPadding(base64.NoPadding).DecodeString(s)
	}
}

func encodeFunc(c codec) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
			return nil, err
		}
		data, err := bytesOf(b.Name(), v)
		if err != nil {
			return nil, err
		}
		return starlark.Bytes(c.encode(data)), nil
	}
}

func decodeFunc(c codec) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
			return nil, err
		}
		data, err := bytesOf(b.Name(), v)
		if err != nil {
			return nil, err
		}
		out, err := c.decode(string(data))
		if err != nil {
			return nil, fmt.Errorf("%s: Incorrect padding or invalid input: %v", b.Name(), err)
		}
		return starlark.Bytes(out), nil
	}
}
