package modules

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func loadMath(_ *Env) (*starlarkstruct.Module, error) {
	members := make(starlark.StringDict, len(math.Module.Members))
	for k, v := range math.Module.Members {
		members[k] = v
	}
	return newModule("math", members), nil
}

func loadJSON(_ *Env) (*starlarkstruct.Module, error) {
	encode := json.Module.Members["encode"]
	decode := json.Module.Members["decode"]
	indent := json.Module.Members["indent"]

	dumps := fn("json.dumps", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var obj starlark.Value
		var ind starlark.Value = starlark.None
		var sortKeys bool
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "obj", &obj, "indent?", &ind, "sort_keys?", &sortKeys); err != nil {
			return nil, err
		}
		var sb strings.Builder
		if err := encodeOrdered(thread, encode, &sb, obj, sortKeys, 0); err != nil {
			return nil, err
		}
		out := starlark.String(sb.String())
		if ind == starlark.None {
			return starlark.String(pythonSeparators(string(out))), nil
		}
		var prefix string
		switch v := ind.(type) {
		case starlark.Int:
			n, err := starlark.AsInt32(v)
			if err != nil {
				return nil, err
			}
			prefix = strings.Repeat(" ", n)
		case starlark.String:
			prefix = string(v)
		default:
			return nil, fmt.Errorf("%s: indent must be int, str or None, not %s", b.Name(), ind.Type())
		}
		return starlark.Call(thread, indent, starlark.Tuple{out}, []starlark.Tuple{
			{starlark.String("indent"), starlark.String(prefix)},
		})
	})

	loads := fn("json.loads", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		data, err := bytesOf(b.Name(), s)
		if err != nil {
			return nil, err
		}
		return starlark.Call(thread, decode, starlark.Tuple{starlark.String(data)}, nil)
	})

	return newModule("json", starlark.StringDict{
		"encode": encode,
		"decode": decode,
		"indent": indent,
		"dumps":  dumps,
		"loads":  loads,
	}), nil
}

// maxJSONDepth bounds container nesting, which also stops self-referencing
// lists and dicts.
const maxJSONDepth = 1000

// encodeOrdered writes v as compact JSON. Dict keys keep insertion order
// unless sortKeys is set. Scalars go through the json.encode builtin.
func encodeOrdered(thread *starlark.Thread, encode starlark.Value, sb *strings.Builder, v starlark.Value, sortKeys bool, depth int) error {
	if depth > maxJSONDepth {
		return fmt.Errorf("json.dumps: nesting exceeds %d levels (cycle?)", maxJSONDepth)
	}
	switch v := v.(type) {
	case *starlark.Dict:
		type entry struct {
			key string
			val starlark.Value
		}
		items := v.Items()
		entries := make([]entry, 0, len(items))
		for _, kv := range items {
			key, err := jsonKey(kv[0])
			if err != nil {
				return err
			}
			entries = append(entries, entry{key, kv[1]})
		}
		if sortKeys {
			sort.SliceStable(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
		}
		sb.WriteByte('{')
		for i, e := range entries {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := encodeOrdered(thread, encode, sb, starlark.String(e.key), sortKeys, depth+1); err != nil {
				return err
			}
			sb.WriteByte(':')
			if err := encodeOrdered(thread, encode, sb, e.val, sortKeys, depth+1); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	case *starlark.List, starlark.Tuple:
		seq := v.(starlark.Indexable)
		sb.WriteByte('[')
		for i := 0; i < seq.Len(); i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := encodeOrdered(thread, encode, sb, seq.Index(i), sortKeys, depth+1); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	}
	out, err := starlark.Call(thread, encode, starlark.Tuple{v}, nil)
	if err != nil {
		return err
	}
	sb.WriteString(string(out.(starlark.String)))
	return nil
}

// jsonKey converts a dict key the way Python's json module does.
func jsonKey(k starlark.Value) (string, error) {
	switch k := k.(type) {
	case starlark.String:
		return string(k), nil
	case starlark.Int:
		return k.String(), nil
	case starlark.Bool:
		if k {
			return "true", nil
		}
		return "false", nil
	case starlark.NoneType:
		return "null", nil
	}
	return "", fmt.Errorf("json.dumps: keys must be str, int, bool or None, not %s", k.Type())
}

// pythonSeparators rewrites compact JSON to use ", " and ": " between
// tokens, leaving string contents alone.
func pythonSeparators(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + len(s)/4)
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		sb.WriteByte(c)
		switch {
		case inString && escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && (c == ',' || c == ':'):
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}
