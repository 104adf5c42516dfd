package modules

import (
	"fmt"
	"io"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Object is a host-implemented value with a fixed attribute table. Methods
// are stored as bound builtins.
type Object struct {
	typeName string
	repr     string
	members  starlark.StringDict
}

var _ starlark.HasAttrs = (*Object)(nil)

// NewObject creates an Object. An empty repr prints as <typeName object>.
func NewObject(typeName, repr string, members starlark.StringDict) *Object {
	return &Object{typeName: typeName, repr: repr, members: members}
}

func (o *Object) String() string {
	if o.repr != "" {
		return o.repr
	}
	return "<" + o.typeName + " object>"
}

func (o *Object) Type() string          { return o.typeName }
func (o *Object) Freeze()               { o.members.Freeze() }
func (o *Object) Truth() starlark.Bool  { return starlark.True }
func (o *Object) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", o.typeName) }

func (o *Object) Attr(name string) (starlark.Value, error) {
	return o.members[name], nil
}

func (o *Object) AttrNames() []string { return o.members.Keys() }

func newModule(name string, members starlark.StringDict) *starlarkstruct.Module {
	return &starlarkstruct.Module{Name: name, Members: members}
}

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func fn(name string, f builtinFunc) *starlark.Builtin {
	return starlark.NewBuiltin(name, f)
}

// bytesOf accepts str or bytes.
func bytesOf(fnName string, v starlark.Value) ([]byte, error) {
	switch x := v.(type) {
	case starlark.String:
		return []byte(string(x)), nil
	case starlark.Bytes:
		return []byte(string(x)), nil
	default:
		return nil, fmt.Errorf("%s: a bytes-like object is required, not '%s'", fnName, v.Type())
	}
}

func stringList(values []string) *starlark.List {
	elems := make([]starlark.Value, len(values))
	for i, s := range values {
		elems[i] = starlark.String(s)
	}
	return starlark.NewList(elems)
}

// iterateFloats collects numeric values from an iterable.
func iterateFloats(fnName string, v starlark.Value) ([]float64, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: '%s' object is not iterable", fnName, v.Type())
	}
	it := iterable.Iterate()
	defer it.Done()
	var out []float64
	var x starlark.Value
	for it.Next(&x) {
		f, ok := starlark.AsFloat(x)
		if !ok {
			return nil, fmt.Errorf("%s: can't convert type '%s' to numerator/denominator", fnName, x.Type())
		}
		out = append(out, f)
	}
	return out, nil
}

// --- Streams ---

// newWriterStream builds a file-like object whose writes go to the writer
// selected from the calling thread.
func newWriterStream(name string, target func(*starlark.Thread) io.Writer) *Object {
	write := fn(name+".write", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		if _, err := io.WriteString(target(thread), s); err != nil {
			return nil, err
		}
		return starlark.MakeInt(len([]rune(s))), nil
	})
	writelines := fn(name+".writelines", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var lines starlark.Iterable
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &lines); err != nil {
			return nil, err
		}
		it := lines.Iterate()
		defer it.Done()
		var x starlark.Value
		w := target(thread)
		for it.Next(&x) {
			s, ok := starlark.AsString(x)
			if !ok {
				return nil, fmt.Errorf("%s: write() argument must be str, not %s", b.Name(), x.Type())
			}
			if _, err := io.WriteString(w, s); err != nil {
				return nil, err
			}
		}
		return starlark.None, nil
	})
	return NewObject("TextIOWrapper", fmt.Sprintf("<_io.TextIOWrapper name='<%s>' mode='w' encoding='utf-8'>", name), starlark.StringDict{
		"name":       starlark.String("<" + name + ">"),
		"write":      write,
		"writelines": writelines,
		"flush":      fn(name+".flush", noneFunc),
		"isatty":     fn(name+".isatty", falseFunc),
	})
}

// InertStdin is a standard-input stand-in that never blocks and is always
// at EOF.
func InertStdin() *Object {
	empty := func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		return starlark.String(""), nil
	}
	return NewObject("TextIOWrapper", "<_io.TextIOWrapper name='<stdin>' mode='r' encoding='utf-8'>", starlark.StringDict{
		"name":     starlark.String("<stdin>"),
		"read":     fn("stdin.read", empty),
		"readline": fn("stdin.readline", empty),
		"readlines": fn("stdin.readlines", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.NewList(nil), nil
		}),
		"isatty": fn("stdin.isatty", falseFunc),
	})
}

// StdoutStream and StderrStream are file-like handles onto the execution's
// captured streams.
func StdoutStream() *Object { return newWriterStream("stdout", StdoutOf) }
func StderrStream() *Object { return newWriterStream("stderr", StderrOf) }

func noneFunc(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	return starlark.None, nil
}

func falseFunc(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	return starlark.False, nil
}
