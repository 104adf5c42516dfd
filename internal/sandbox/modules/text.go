package modules

import (
	"fmt"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/unicode/runenames"
)

var normForms = map[string]norm.Form{
	"NFC":  norm.NFC,
	"NFD":  norm.NFD,
	"NFKC": norm.NFKC,
	"NFKD": norm.NFKD,
}

// Two-letter categories in the order they are tried.
var categoryOrder = []string{
	"Lu", "Ll", "Lt", "Lm", "Lo",
	"Mn", "Mc", "Me",
	"Nd", "Nl", "No",
	"Pc", "Pd", "Ps", "Pe", "Pi", "Pf", "Po",
	"Sm", "Sc", "Sk", "So",
	"Zs", "Zl", "Zp",
	"Cc", "Cf", "Co", "Cs",
}

func loadUnicodedata(_ *Env) (*starlarkstruct.Module, error) {
	return newModule("unicodedata", starlark.StringDict{
		"unidata_version": starlark.String(norm.Version),
		"normalize": fn("unicodedata.normalize", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var form, s string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &form, &s); err != nil {
				return nil, err
			}
			f, ok := normForms[form]
			if !ok {
				return nil, fmt.Errorf("%s: invalid normalization form", b.Name())
			}
			return starlark.String(f.String(s)), nil
		}),
		"is_normalized": fn("unicodedata.is_normalized", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var form, s string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &form, &s); err != nil {
				return nil, err
			}
			f, ok := normForms[form]
			if !ok {
				return nil, fmt.Errorf("%s: invalid normalization form", b.Name())
			}
			return starlark.Bool(f.IsNormalString(s)), nil
		}),
		"name": fn("unicodedata.name", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var chr string
			var def starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &chr, &def); err != nil {
				return nil, err
			}
			r, err := singleRune(b.Name(), chr)
			if err != nil {
				return nil, err
			}
			if n := runenames.Name(r); n != "" && !strings.HasPrefix(n, "<") {
				return starlark.String(n), nil
			}
			if def != nil {
				return def, nil
			}
			return nil, fmt.Errorf("%s: no such name", b.Name())
		}),
		"category": fn("unicodedata.category", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var chr string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &chr); err != nil {
				return nil, err
			}
			r, err := singleRune(b.Name(), chr)
			if err != nil {
				return nil, err
			}
			return starlark.String(category(r)), nil
		}),
	}), nil
}

func singleRune(fnName, s string) (rune, error) {
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("%s: argument must be a unicode character, not str", fnName)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

func category(r rune) string {
	for _, c := range categoryOrder {
		if t, ok := unicode.Categories[c]; ok && unicode.Is(t, r) {
			return c
		}
	}
	return "Cn"
}

// --- html ---

var (
	htmlEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#x27;",
	)
	htmlEscaperNoQuote = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	)
)

func loadHTML(_ *Env) (*starlarkstruct.Module, error) {
	return newModule("html", starlark.StringDict{
		"escape": fn("html.escape", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			quote := true
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s, "quote?", &quote); err != nil {
				return nil, err
			}
			if quote {
				return starlark.String(htmlEscaper.Replace(s)), nil
			}
			return starlark.String(htmlEscaperNoQuote.Replace(s)), nil
		}),
		"unescape": fn("html.unescape", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			return starlark.String(html.UnescapeString(s)), nil
		}),
	}), nil
}
