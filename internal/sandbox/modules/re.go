package modules

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Python flag values.
const (
	reIgnoreCase = 2
	reMultiline  = 8
	reDotAll     = 16
	reVerbose    = 64
	reASCII      = 256
)

func loadRe(env *Env) (*starlarkstruct.Module, error) {
	rm := &reModule{timeout: env.regexTimeout(), cache: map[string]*rePattern{}}
	members := starlark.StringDict{
		"I": starlark.MakeInt(reIgnoreCase), "IGNORECASE": starlark.MakeInt(reIgnoreCase),
		"M": starlark.MakeInt(reMultiline), "MULTILINE": starlark.MakeInt(reMultiline),
		"S": starlark.MakeInt(reDotAll), "DOTALL": starlark.MakeInt(reDotAll),
		"X": starlark.MakeInt(reVerbose), "VERBOSE": starlark.MakeInt(reVerbose),
		"A": starlark.MakeInt(reASCII), "ASCII": starlark.MakeInt(reASCII),
		"compile": fn("re.compile", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern string
			var flags int
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "flags?", &flags); err != nil {
				return nil, err
			}
			p, err := rm.compile(pattern, flags)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return p.value(), nil
		}),
		"escape": fn("re.escape", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			return starlark.String(reEscape(s)), nil
		}),
	}
	for _, name := range []string{"match", "fullmatch", "search", "findall", "finditer", "sub", "subn", "split"} {
		members[name] = fn("re."+name, rm.moduleFunc(name))
	}
	return newModule("re", members), nil
}

type reModule struct {
	timeout time.Duration
	mu      sync.Mutex
	cache   map[string]*rePattern
}

// groupRef locates a Python-numbered group inside the compiled regexp,
// which numbers named groups after unnamed ones.
type groupRef struct {
	num  int
	name string
}

type rePattern struct {
	source string
	flags  int
	// search, match and full share group layout and differ in anchoring.
	search, match, full *regexp2.Regexp
	groups              []groupRef
	index               map[string]int
}

func (rm *reModule) compile(pattern string, flags int) (*rePattern, error) {
	key := strconv.Itoa(flags) + ":" + pattern
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if p, ok := rm.cache[key]; ok {
		return p, nil
	}
	translated, groups, err := translatePattern(pattern)
	if err != nil {
		return nil, err
	}
	opts := regexp2.None
	if flags&reIgnoreCase != 0 {
		opts |= regexp2.IgnoreCase
	}
	if flags&reMultiline != 0 {
		opts |= regexp2.Multiline
	}
	if flags&reDotAll != 0 {
		opts |= regexp2.Singleline
	}
	if flags&reVerbose != 0 {
		opts |= regexp2.IgnorePatternWhitespace
	}
	build := func(expr string) (*regexp2.Regexp, error) {
		re, err := regexp2.Compile(expr, opts)
		if err != nil {
			return nil, err
		}
		re.MatchTimeout = rm.timeout
		return re, nil
	}
	p := &rePattern{source: pattern, flags: flags, groups: groups, index: map[string]int{}}
	if p.search, err = build(translated); err != nil {
		return nil, err
	}
	if p.match, err = build(`\A(?:` + translated + `)`); err != nil {
		return nil, err
	}
	if p.full, err = build(`\A(?:` + translated + `)\z`); err != nil {
		return nil, err
	}
	for i, g := range groups {
		if g.name != "" {
			p.index[g.name] = i + 1
		}
	}
	rm.cache[key] = p
	return p, nil
}

// translatePattern rewrites Python-only syntax into the dialect regexp2
// accepts and records capture groups in Python order.
func translatePattern(pattern string) (string, []groupRef, error) {
	var sb strings.Builder
	var groups []groupRef
	unnamed := 0
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			next := pattern[i+1]
			if next == 'Z' && !inClass {
				sb.WriteString(`\z`)
			} else {
				sb.WriteByte(c)
				sb.WriteByte(next)
			}
			i++
		case inClass:
			if c == ']' {
				inClass = false
			}
			sb.WriteByte(c)
		case c == '[':
			inClass = true
			sb.WriteByte(c)
			// A leading ] (after optional ^) is literal.
			if i+1 < len(pattern) && pattern[i+1] == '^' {
				sb.WriteByte('^')
				i++
			}
			if i+1 < len(pattern) && pattern[i+1] == ']' {
				sb.WriteByte(']')
				i++
			}
		case c == '(':
			rest := pattern[i+1:]
			switch {
			case strings.HasPrefix(rest, "?P<"):
				end := strings.IndexByte(rest, '>')
				if end < 0 {
					return "", nil, fmt.Errorf("missing >, unterminated name at position %d", i)
				}
				name := rest[3:end]
				groups = append(groups, groupRef{name: name})
				sb.WriteString("(?<" + name + ">")
				i += end + 1
			case strings.HasPrefix(rest, "?P="):
				end := strings.IndexByte(rest, ')')
				if end < 0 {
					return "", nil, fmt.Errorf("missing ), unterminated name at position %d", i)
				}
				sb.WriteString(`\k<` + rest[3:end] + `>`)
				i += end + 1
			case strings.HasPrefix(rest, "?<") && !strings.HasPrefix(rest, "?<=") && !strings.HasPrefix(rest, "?<!"):
				end := strings.IndexByte(rest, '>')
				if end < 0 {
					return "", nil, fmt.Errorf("missing >, unterminated name at position %d", i)
				}
				groups = append(groups, groupRef{name: rest[2:end]})
				sb.WriteByte(c)
			case strings.HasPrefix(rest, "?"):
				sb.WriteByte(c)
			default:
				unnamed++
				groups = append(groups, groupRef{num: unnamed})
				sb.WriteByte(c)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), groups, nil
}

func reEscape(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r < utf8.RuneSelf && !(r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// moduleFunc adapts a Pattern method to its module-level form, which takes
// the pattern as the first argument.
func (rm *reModule) moduleFunc(method string) builtinFunc {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("%s: missing argument for pattern", b.Name())
		}
		flags := 0
		var rest []starlark.Tuple
		for _, kv := range kwargs {
			if k, _ := starlark.AsString(kv[0]); k == "flags" {
				n, err := starlark.AsInt32(kv[1])
				if err != nil {
					return nil, fmt.Errorf("%s: flags: %w", b.Name(), err)
				}
				flags = n
				continue
			}
			rest = append(rest, kv)
		}
		var p *rePattern
		switch x := args[0].(type) {
		case starlark.String:
			var err error
			if p, err = rm.compile(string(x), flags); err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
		case *Object:
			if x.typeName != "Pattern" {
				return nil, fmt.Errorf("%s: first argument must be string or compiled pattern", b.Name())
			}
			m, _ := x.Attr(method)
			return starlark.Call(thread, m, args[1:], rest)
		default:
			return nil, fmt.Errorf("%s: first argument must be string or compiled pattern", b.Name())
		}
		m, _ := p.value().Attr(method)
		return starlark.Call(thread, m, args[1:], rest)
	}
}

// --- Pattern ---

func (p *rePattern) value() *Object {
	groupindex := starlark.NewDict(len(p.index))
	for name, i := range p.index {
		groupindex.SetKey(starlark.String(name), starlark.MakeInt(i))
	}
	matcher := func(name string, re *regexp2.Regexp) *starlark.Builtin {
		return fn("Pattern."+name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "string", &s); err != nil {
				return nil, err
			}
			m, err := re.FindStringMatch(s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			if m == nil {
				return starlark.None, nil
			}
			return p.matchValue(s, newOffsets(s), m), nil
		})
	}
	return NewObject("Pattern", fmt.Sprintf("re.compile(%s)", starlark.String(p.source).String()), starlark.StringDict{
		"pattern":    starlark.String(p.source),
		"flags":      starlark.MakeInt(p.flags),
		"groups":     starlark.MakeInt(len(p.groups)),
		"groupindex": groupindex,
		"match":      matcher("match", p.match),
		"fullmatch":  matcher("fullmatch", p.full),
		"search":     matcher("search", p.search),
		"findall":    fn("Pattern.findall", p.findall),
		"finditer":   fn("Pattern.finditer", p.finditer),
		"sub":        fn("Pattern.sub", p.subFunc(false)),
		"subn":       fn("Pattern.subn", p.subFunc(true)),
		"split":      fn("Pattern.split", p.split),
	})
}

// each calls f for successive non-overlapping matches, up to limit when
// limit is positive.
func (p *rePattern) each(s string, limit int, f func(*regexp2.Match) error) error {
	m, err := p.search.FindStringMatch(s)
	for n := 0; m != nil && (limit <= 0 || n < limit); n++ {
		if err := f(m); err != nil {
			return err
		}
		m, err = p.search.FindNextMatch(m)
	}
	return err
}

// group returns the Python-numbered group i of m, or nil when it did not
// participate.
func (p *rePattern) group(m *regexp2.Match, i int) *regexp2.Group {
	var g *regexp2.Group
	switch {
	case i == 0:
		g = m.GroupByNumber(0)
	case i > 0 && i <= len(p.groups):
		ref := p.groups[i-1]
		if ref.name != "" {
			g = m.GroupByName(ref.name)
		} else {
			g = m.GroupByNumber(ref.num)
		}
	}
	if g == nil || len(g.Captures) == 0 {
		return nil
	}
	return g
}

func (p *rePattern) findall(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "string", &s); err != nil {
		return nil, err
	}
	var out []starlark.Value
	err := p.each(s, 0, func(m *regexp2.Match) error {
		switch len(p.groups) {
		case 0:
			out = append(out, starlark.String(m.String()))
		case 1:
			out = append(out, starlark.String(groupString(p.group(m, 1))))
		default:
			t := make(starlark.Tuple, len(p.groups))
			for i := range p.groups {
				t[i] = starlark.String(groupString(p.group(m, i+1)))
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.NewList(out), nil
}

func (p *rePattern) finditer(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "string", &s); err != nil {
		return nil, err
	}
	offsets := newOffsets(s)
	var out []starlark.Value
	if err := p.each(s, 0, func(m *regexp2.Match) error {
		out = append(out, p.matchValue(s, offsets, m))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.NewList(out), nil
}

func (p *rePattern) subFunc(withCount bool) builtinFunc {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var repl starlark.Value
		var s string
		var count int
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "repl", &repl, "string", &s, "count?", &count); err != nil {
			return nil, err
		}
		offsets := newOffsets(s)
		var sb strings.Builder
		last, n := 0, 0
		err := p.each(s, count, func(m *regexp2.Match) error {
			start := offsets.byteAt(m.Index)
			sb.WriteString(s[last:start])
			var rep string
			switch r := repl.(type) {
			case starlark.String:
				expanded, err := p.expand(string(r), m)
				if err != nil {
					return err
				}
				rep = expanded
			case starlark.Callable:
				v, err := starlark.Call(thread, r, starlark.Tuple{p.matchValue(s, offsets, m)}, nil)
				if err != nil {
					return err
				}
				str, ok := starlark.AsString(v)
				if !ok {
					return fmt.Errorf("expected str instance, %s found", v.Type())
				}
				rep = str
			default:
				return fmt.Errorf("repl must be str or callable, not %s", repl.Type())
			}
			sb.WriteString(rep)
			last = offsets.byteAt(m.Index + m.Length)
			n++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		sb.WriteString(s[last:])
		if withCount {
			return starlark.Tuple{starlark.String(sb.String()), starlark.MakeInt(n)}, nil
		}
		return starlark.String(sb.String()), nil
	}
}

// expand substitutes \1, \g<1> and \g<name> references in a replacement
// template.
func (p *rePattern) expand(tmpl string, m *regexp2.Match) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '\\' || i+1 == len(tmpl) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch d := tmpl[i]; {
		case d >= '0' && d <= '9':
			j := i + 1
			if j < len(tmpl) && tmpl[j] >= '0' && tmpl[j] <= '9' {
				j++
			}
			num, _ := strconv.Atoi(tmpl[i:j])
			if num > len(p.groups) {
				return "", fmt.Errorf("invalid group reference %d", num)
			}
			sb.WriteString(groupString(p.group(m, num)))
			i = j - 1
		case d == 'g':
			end := strings.IndexByte(tmpl[i:], '>')
			if i+1 >= len(tmpl) || tmpl[i+1] != '<' || end < 0 {
				return "", fmt.Errorf("missing group name")
			}
			ref := tmpl[i+2 : i+end]
			num, err := strconv.Atoi(ref)
			if err != nil {
				idx, ok := p.index[ref]
				if !ok {
					return "", fmt.Errorf("unknown group name '%s'", ref)
				}
				num = idx
			}
			if num > len(p.groups) {
				return "", fmt.Errorf("invalid group reference %d", num)
			}
			sb.WriteString(groupString(p.group(m, num)))
			i += end
		case d == 'n':
			sb.WriteByte('\n')
		case d == 't':
			sb.WriteByte('\t')
		case d == '\\':
			sb.WriteByte('\\')
		default:
			sb.WriteByte('\\')
			sb.WriteByte(d)
		}
	}
	return sb.String(), nil
}

func (p *rePattern) split(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	var maxsplit int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "string", &s, "maxsplit?", &maxsplit); err != nil {
		return nil, err
	}
	offsets := newOffsets(s)
	var out []starlark.Value
	last := 0
	err := p.each(s, maxsplit, func(m *regexp2.Match) error {
		out = append(out, starlark.String(s[last:offsets.byteAt(m.Index)]))
		for i := range p.groups {
			if g := p.group(m, i+1); g != nil {
				out = append(out, starlark.String(g.String()))
			} else {
				out = append(out, starlark.None)
			}
		}
		last = offsets.byteAt(m.Index + m.Length)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	out = append(out, starlark.String(s[last:]))
	return starlark.NewList(out), nil
}

func groupString(g *regexp2.Group) string {
	if g == nil {
		return ""
	}
	return g.String()
}

// --- Match ---

// offsets converts regexp2 rune positions into byte positions, which is
// how strings are indexed by snippets.
type offsets []int

func newOffsets(s string) offsets {
	o := make(offsets, 0, len(s)+1)
	for i := range s {
		o = append(o, i)
	}
	return append(o, len(s))
}

func (o offsets) byteAt(runeIndex int) int {
	if runeIndex >= len(o) {
		return o[len(o)-1]
	}
	return o[runeIndex]
}

func (p *rePattern) matchValue(s string, o offsets, m *regexp2.Match) *Object {
	groupArg := func(v starlark.Value) (int, error) {
		if name, ok := starlark.AsString(v); ok {
			i, found := p.index[name]
			if !found {
				return 0, fmt.Errorf("no such group")
			}
			return i, nil
		}
		i, err := starlark.AsInt32(v)
		if err != nil || i < 0 || i > len(p.groups) {
			return 0, fmt.Errorf("no such group")
		}
		return i, nil
	}
	groupValue := func(i int, def starlark.Value) starlark.Value {
		if g := p.group(m, i); g != nil {
			return starlark.String(g.String())
		}
		return def
	}
	span := func(i int) (int, int) {
		g := p.group(m, i)
		if g == nil {
			return -1, -1
		}
		return o.byteAt(g.Index), o.byteAt(g.Index + g.Length)
	}
	spanFunc := func(name string, pick func(start, end int) starlark.Value) *starlark.Builtin {
		return fn("Match."+name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var gv starlark.Value = starlark.MakeInt(0)
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &gv); err != nil {
				return nil, err
			}
			i, err := groupArg(gv)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return pick(span(i)), nil
		})
	}
	start, end := span(0)
	repr := fmt.Sprintf("<re.Match object; span=(%d, %d), match=%s>", start, end, starlark.String(m.String()).String())

	var lastindex starlark.Value = starlark.None
	for i := len(p.groups); i >= 1; i-- {
		if p.group(m, i) != nil {
			lastindex = starlark.MakeInt(i)
			break
		}
	}

	return NewObject("Match", repr, starlark.StringDict{
		"string":    starlark.String(s),
		"pos":       starlark.MakeInt(0),
		"lastindex": lastindex,
		"group": fn("Match.group", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(kwargs) > 0 {
				return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
			}
			if len(args) == 0 {
				return groupValue(0, starlark.None), nil
			}
			vals := make(starlark.Tuple, len(args))
			for k, a := range args {
				i, err := groupArg(a)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", b.Name(), err)
				}
				vals[k] = groupValue(i, starlark.None)
			}
			if len(vals) == 1 {
				return vals[0], nil
			}
			return vals, nil
		}),
		"groups": fn("Match.groups", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var def starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "default?", &def); err != nil {
				return nil, err
			}
			t := make(starlark.Tuple, len(p.groups))
			for i := range p.groups {
				t[i] = groupValue(i+1, def)
			}
			return t, nil
		}),
		"groupdict": fn("Match.groupdict", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var def starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "default?", &def); err != nil {
				return nil, err
			}
			d := starlark.NewDict(len(p.index))
			for i, ref := range p.groups {
				if ref.name != "" {
					if err := d.SetKey(starlark.String(ref.name), groupValue(i+1, def)); err != nil {
						return nil, err
					}
				}
			}
			return d, nil
		}),
		"start": spanFunc("start", func(s, _ int) starlark.Value { return starlark.MakeInt(s) }),
		"end":   spanFunc("end", func(_, e int) starlark.Value { return starlark.MakeInt(e) }),
		"span": spanFunc("span", func(s, e int) starlark.Value {
			return starlark.Tuple{starlark.MakeInt(s), starlark.MakeInt(e)}
		}),
	})
}
