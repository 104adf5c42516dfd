package sandbox

import (
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"

	"github.com/jkaninda/galaxy/internal/sandbox/modules"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// allowedUniverse lists the interpreter's own builtins that snippets may
// use. Every other universe name is shadowed by a denial stub.
var allowedUniverse = map[string]bool{
	"None": true, "True": true, "False": true,
	"abs": true, "all": true, "any": true, "bool": true, "bytes": true,
	"chr": true, "dict": true, "dir": true, "enumerate": true, "float": true,
	"getattr": true, "hasattr": true, "hash": true, "int": true, "len": true,
	"list": true, "max": true, "min": true, "ord": true, "range": true,
	"repr": true, "reversed": true, "set": true, "sorted": true, "str": true,
	"tuple": true, "type": true, "zip": true,
}

// Builtins returns the complete builtin mapping for one execution. It is
// total: every universe name is either allowed, replaced or stubbed.
func Builtins(importHook *starlark.Builtin, denials DenialHandler) starlark.StringDict {
	if denials == nil {
		denials = &NopDenialHandler{}
	}
	b := make(starlark.StringDict, len(starlark.Universe)+16)
	for name, v := range starlark.Universe {
		if allowedUniverse[name] {
			b[name] = v
		} else {
			b[name] = deniedBuiltin(name, denials)
		}
	}
	for name, f := range map[string]func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error){
		"print":      builtinPrint,
		"input":      builtinInput,
		"open":       builtinOpen,
		"sum":        builtinSum,
		"round":      builtinRound,
		"pow":        builtinPow,
		"divmod":     builtinDivmod,
		"hex":        radixFunc(16, "0x"),
		"oct":        radixFunc(8, "0o"),
		"bin":        radixFunc(2, "0b"),
		"callable":   builtinCallable,
		"filter":     builtinFilter,
		"map":        builtinMap,
		"isinstance": builtinIsinstance,
		"setattr":    builtinSetattr,
	} {
		b[name] = starlark.NewBuiltin(name, f)
	}
	b["__import__"] = importHook
	return b
}

func deniedBuiltin(name string, denials DenialHandler) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		msg := fmt.Sprintf("builtin '%s' is not available in the safe execution environment", name)
		denials.OnDenial(DenialBuiltin, name, msg)
		return nil, fmt.Errorf("%s", msg)
	})
}

// str renders v the way print does: strings unquoted, everything else by
// its String method.
func str(v starlark.Value) string {
	if s, ok := v.(starlark.String); ok {
		return string(s)
	}
	return v.String()
}

func builtinPrint(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep, end := " ", "\n"
	var file starlark.Value = starlark.None
	for _, kv := range kwargs {
		key, _ := starlark.AsString(kv[0])
		switch key {
		case "sep", "end":
			s := " "
			if key == "end" {
				s = "\n"
			}
			if kv[1] != starlark.None {
				v, ok := starlark.AsString(kv[1])
				if !ok {
					return nil, fmt.Errorf("%s: %s must be None or a string, not %s", b.Name(), key, kv[1].Type())
				}
				s = v
			}
			if key == "sep" {
				sep = s
			} else {
				end = s
			}
		case "file":
			file = kv[1]
		case "flush":
		default:
			return nil, fmt.Errorf("%s: unexpected keyword argument '%s'", b.Name(), key)
		}
	}
	var sb strings.Builder
	for i, a := range args {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(str(a))
	}
	sb.WriteString(end)

	if file == starlark.None {
		_, err := io.WriteString(modules.StdoutOf(thread), sb.String())
		return starlark.None, err
	}
	obj, ok := file.(starlark.HasAttrs)
	if !ok {
		return nil, fmt.Errorf("%s: file must have a write method", b.Name())
	}
	write, err := obj.Attr("write")
	if err != nil || write == nil {
		return nil, fmt.Errorf("%s: file must have a write method", b.Name())
	}
	if _, err := starlark.Call(thread, write, starlark.Tuple{starlark.String(sb.String())}, nil); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func builtinInput(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	return starlark.String(""), nil
}

func builtinOpen(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	return starlark.None, nil
}

func builtinSum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}
	if _, ok := start.(starlark.String); ok {
		return nil, fmt.Errorf("%s: can't sum strings [use ''.join(seq) instead]", b.Name())
	}
	it := iterable.Iterate()
	defer it.Done()
	acc := start
	var x starlark.Value
	for it.Next(&x) {
		v, err := starlark.Binary(syntax.PLUS, acc, x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		acc = v
	}
	return acc, nil
}

func builtinRound(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, ndigits starlark.Value = nil, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "number", &x, "ndigits?", &ndigits); err != nil {
		return nil, err
	}
	if i, ok := x.(starlark.Int); ok && ndigits == starlark.None {
		return i, nil
	}
	f, ok := starlark.AsFloat(x)
	if !ok {
		return nil, fmt.Errorf("%s: type %s doesn't define __round__ method", b.Name(), x.Type())
	}
	if ndigits == starlark.None {
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("%s: cannot convert float %s to integer", b.Name(), x)
		}
		return starlark.NumberToInt(starlark.Float(math.RoundToEven(f)))
	}
	n, err := starlark.AsInt32(ndigits)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if _, isInt := x.(starlark.Int); isInt && n >= 0 {
		return x, nil
	}
	scale := math.Pow(10, float64(n))
	return starlark.Float(math.RoundToEven(f*scale) / scale), nil
}

func builtinPow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var base, exp, mod starlark.Value = nil, nil, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "base", &base, "exp", &exp, "mod?", &mod); err != nil {
		return nil, err
	}
	bi, baseInt := base.(starlark.Int)
	ei, expInt := exp.(starlark.Int)
	if baseInt && expInt && ei.Sign() >= 0 {
		r := new(big.Int)
		if mod != starlark.None {
			mi, ok := mod.(starlark.Int)
			if !ok || mi.Sign() == 0 {
				return nil, fmt.Errorf("%s: pow() 3rd argument must be a nonzero int", b.Name())
			}
			r.Exp(bi.BigInt(), ei.BigInt(), mi.BigInt())
			if r.Sign() != 0 && mi.Sign() < 0 {
				r.Add(r, mi.BigInt())
			}
			return starlark.MakeBigInt(r), nil
		}
		if ei.BigInt().BitLen() > 20 {
			return nil, fmt.Errorf("%s: exponent too large", b.Name())
		}
		return starlark.MakeBigInt(r.Exp(bi.BigInt(), ei.BigInt(), nil)), nil
	}
	if mod != starlark.None {
		return nil, fmt.Errorf("%s: pow() 3rd argument not allowed unless all arguments are integers", b.Name())
	}
	x, ok1 := starlark.AsFloat(base)
	y, ok2 := starlark.AsFloat(exp)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: unsupported operand type(s): '%s' and '%s'", b.Name(), base.Type(), exp.Type())
	}
	if x == 0 && y < 0 {
		return nil, fmt.Errorf("%s: 0.0 cannot be raised to a negative power", b.Name())
	}
	return starlark.Float(math.Pow(x, y)), nil
}

func builtinDivmod(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y); err != nil {
		return nil, err
	}
	q, err := starlark.Binary(syntax.SLASHSLASH, x, y)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	r, err := starlark.Binary(syntax.PERCENT, x, y)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Tuple{q, r}, nil
}

func radixFunc(base int, prefix string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x starlark.Int
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
			return nil, err
		}
		n := x.BigInt()
		sign := ""
		if n.Sign() < 0 {
			sign = "-"
			n.Neg(n)
		}
		return starlark.String(sign + prefix + n.Text(base)), nil
	}
}

func builtinCallable(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	_, ok := x.(starlark.Callable)
	return starlark.Bool(ok), nil
}

func builtinFilter(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pred starlark.Value
	var iterable starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pred, &iterable); err != nil {
		return nil, err
	}
	it := iterable.Iterate()
	defer it.Done()
	var out []starlark.Value
	var x starlark.Value
	for it.Next(&x) {
		keep := x
		if pred != starlark.None {
			v, err := starlark.Call(thread, pred, starlark.Tuple{x}, nil)
			if err != nil {
				return nil, err
			}
			keep = v
		}
		if keep.Truth() {
			out = append(out, x)
		}
	}
	return starlark.NewList(out), nil
}

func builtinMap(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("%s: map() must have at least two arguments", b.Name())
	}
	iters := make([]starlark.Iterator, len(args)-1)
	for i, a := range args[1:] {
		iterable, ok := a.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("%s: '%s' object is not iterable", b.Name(), a.Type())
		}
		iters[i] = iterable.Iterate()
		defer iters[i].Done()
	}
	var out []starlark.Value
	for {
		call := make(starlark.Tuple, len(iters))
		for i, it := range iters {
			if !it.Next(&call[i]) {
				return starlark.NewList(out), nil
			}
		}
		v, err := starlark.Call(thread, args[0], call, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

// typeNames maps the type constructors that isinstance accepts to the
// type names values report.
var typeNames = map[string][]string{
	"int":   {"int", "bool"},
	"float": {"float"},
	"str":   {"string"},
	"bytes": {"bytes"},
	"bool":  {"bool"},
	"list":  {"list"},
	"dict":  {"dict"},
	"tuple": {"tuple"},
	"set":   {"set"},
}

func builtinIsinstance(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var obj, classinfo starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &obj, &classinfo); err != nil {
		return nil, err
	}
	classes := starlark.Tuple{classinfo}
	if t, ok := classinfo.(starlark.Tuple); ok {
		classes = t
	}
	for _, c := range classes {
		var names []string
		switch x := c.(type) {
		case *starlark.Builtin:
			names = typeNames[x.Name()]
		case starlark.String:
			names = []string{string(x)}
		}
		if names == nil {
			return nil, fmt.Errorf("%s: isinstance() arg 2 must be a type or tuple of types", b.Name())
		}
		for _, n := range names {
			if obj.Type() == n {
				return starlark.True, nil
			}
		}
	}
	return starlark.False, nil
}

func builtinSetattr(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var obj starlark.Value
	var name string
	var value starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &obj, &name, &value); err != nil {
		return nil, err
	}
	target, ok := obj.(starlark.HasSetField)
	if !ok {
		return nil, fmt.Errorf("%s: '%s' object has no attribute '%s'", b.Name(), obj.Type(), name)
	}
	if err := target.SetField(name, value); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}
