package modules

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func loadURLLib(env *Env) (*starlarkstruct.Module, error) {
	parse, err := loadURLParse(env)
	if err != nil {
		return nil, err
	}
	return newModule("urllib", starlark.StringDict{"parse": parse}), nil
}

func loadURLParse(_ *Env) (*starlarkstruct.Module, error) {
	return newModule("urllib.parse", starlark.StringDict{
		"quote":        fn("urllib.parse.quote", quoteFunc(false, "/")),
		"quote_plus":   fn("urllib.parse.quote_plus", quoteFunc(true, "")),
		"unquote":      fn("urllib.parse.unquote", unquoteFunc(url.PathUnescape)),
		"unquote_plus": fn("urllib.parse.unquote_plus", unquoteFunc(url.QueryUnescape)),
		"urlencode":    fn("urllib.parse.urlencode", urlencode),
		"urlparse":     fn("urllib.parse.urlparse", urlparse),
		"urlsplit":     fn("urllib.parse.urlsplit", urlparse),
		"urljoin":      fn("urllib.parse.urljoin", urljoin),
		"parse_qs":     fn("urllib.parse.parse_qs", parseQS),
		"parse_qsl":    fn("urllib.parse.parse_qsl", parseQSL),
	}), nil
}

const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_.-~"

// quote percent-encodes every byte outside the unreserved set and safe.
// net/url's escapers use fixed per-component sets and cannot take a
// caller-supplied safe list.
func quote(s, safe string, plus bool) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case strings.IndexByte(unreserved, c) >= 0 || strings.IndexByte(safe, c) >= 0:
			sb.WriteByte(c)
		case plus && c == ' ':
			sb.WriteByte('+')
		default:
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

func quoteFunc(plus bool, defaultSafe string) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		safe := defaultSafe
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "string", &v, "safe?", &safe); err != nil {
			return nil, err
		}
		data, err := bytesOf(b.Name(), v)
		if err != nil {
			return nil, err
		}
		return starlark.String(quote(string(data), safe, plus)), nil
	}
}

func unquoteFunc(unescape func(string) (string, error)) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		out, err := unescape(s)
		if err != nil {
			// Malformed escapes are left as written.
			return starlark.String(s), nil
		}
		return starlark.String(out), nil
	}
}

func urlencode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var query starlark.Value
	var doseq bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "query", &query, "doseq?", &doseq); err != nil {
		return nil, err
	}
	var pairs []starlark.Tuple
	switch q := query.(type) {
	case starlark.IterableMapping:
		pairs = q.Items()
	case starlark.Iterable:
		it := q.Iterate()
		defer it.Done()
		var x starlark.Value
		for it.Next(&x) {
			t, ok := x.(starlark.Tuple)
			if !ok || len(t) != 2 {
				return nil, fmt.Errorf("%s: not a valid non-string sequence or mapping object", b.Name())
			}
			pairs = append(pairs, t)
		}
	default:
		return nil, fmt.Errorf("%s: not a valid non-string sequence or mapping object", b.Name())
	}
	parts := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		k := quote(plainString(kv[0]), "", true)
		if seq, ok := kv[1].(starlark.Iterable); ok && doseq {
			if _, isStr := kv[1].(starlark.String); !isStr {
				it := seq.Iterate()
				var x starlark.Value
				for it.Next(&x) {
					parts = append(parts, k+"="+quote(plainString(x), "", true))
				}
				it.Done()
				continue
			}
		}
		parts = append(parts, k+"="+quote(plainString(kv[1]), "", true))
	}
	return starlark.String(strings.Join(parts, "&")), nil
}

// plainString is str(v) without quotes for strings.
func plainString(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}

func urlparse(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var raw string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &raw); err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	path, params, _ := strings.Cut(u.EscapedPath(), ";")
	if u.Opaque != "" {
		path = u.Opaque
	}
	fields := starlark.StringDict{
		"scheme":   starlark.String(u.Scheme),
		"netloc":   starlark.String(u.Host),
		"path":     starlark.String(path),
		"params":   starlark.String(params),
		"query":    starlark.String(u.RawQuery),
		"fragment": starlark.String(u.Fragment),
		"hostname": starlark.String(strings.ToLower(u.Hostname())),
		"geturl": fn("ParseResult.geturl", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.String(u.String()), nil
		}),
	}
	if u.User != nil {
		fields["netloc"] = starlark.String(u.User.String() + "@" + u.Host)
		fields["username"] = starlark.String(u.User.Username())
	}
	if p := u.Port(); p != "" {
		port, _ := strconv.Atoi(p)
		fields["port"] = starlark.MakeInt(port)
	} else {
		fields["port"] = starlark.None
	}
	return starlarkstruct.FromStringDict(starlark.String("ParseResult"), fields), nil
}

func urljoin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var base, ref string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &base, &ref); err != nil {
		return nil, err
	}
	bu, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	ru, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(bu.ResolveReference(ru).String()), nil
}

func parseQuery(fnName string, args starlark.Tuple, kwargs []starlark.Tuple) ([][2]string, error) {
	var qs string
	var keepBlank bool
	if err := starlark.UnpackArgs(fnName, args, kwargs, "qs", &qs, "keep_blank_values?", &keepBlank); err != nil {
		return nil, err
	}
	var out [][2]string
	for _, part := range strings.FieldsFunc(qs, func(r rune) bool { return r == '&' || r == ';' }) {
		k, v, _ := strings.Cut(part, "=")
		if v == "" && !keepBlank {
			continue
		}
		k, _ = url.QueryUnescape(k)
		v, _ = url.QueryUnescape(v)
		out = append(out, [2]string{k, v})
	}
	return out, nil
}

func parseQS(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	pairs, err := parseQuery(b.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	d := starlark.NewDict(len(pairs))
	for _, kv := range pairs {
		existing, found, _ := d.Get(starlark.String(kv[0]))
		if found {
			if err := existing.(*starlark.List).Append(starlark.String(kv[1])); err != nil {
				return nil, err
			}
			continue
		}
		if err := d.SetKey(starlark.String(kv[0]), starlark.NewList([]starlark.Value{starlark.String(kv[1])})); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func parseQSL(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	pairs, err := parseQuery(b.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	out := make([]starlark.Value, len(pairs))
	for i, kv := range pairs {
		out[i] = starlark.Tuple{starlark.String(kv[0]), starlark.String(kv[1])}
	}
	return starlark.NewList(out), nil
}
