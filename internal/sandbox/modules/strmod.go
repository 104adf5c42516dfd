package modules

import (
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const (
	asciiLowercase = "abcdefghijklmnopqrstuvwxyz"
	asciiUppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits         = "0123456789"
	punctuation    = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
	whitespace     = " \t\n\r\x0b\x0c"
)

func loadString(_ *Env) (*starlarkstruct.Module, error) {
	return newModule("string", starlark.StringDict{
		"ascii_letters":   starlark.String(asciiLowercase + asciiUppercase),
		"ascii_lowercase": starlark.String(asciiLowercase),
		"ascii_uppercase": starlark.String(asciiUppercase),
		"digits":          starlark.String(digits),
		"hexdigits":       starlark.String(digits + "abcdefABCDEF"),
		"octdigits":       starlark.String("01234567"),
		"punctuation":     starlark.String(punctuation),
		"whitespace":      starlark.String(whitespace),
		"printable":       starlark.String(digits + asciiLowercase + asciiUppercase + punctuation + whitespace),
		"capwords": fn("string.capwords", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			var sep starlark.Value = starlark.None
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s, &sep); err != nil {
				return nil, err
			}
			var words []string
			joiner := " "
			if sepStr, ok := sep.(starlark.String); ok {
				joiner = string(sepStr)
				words = strings.Split(s, joiner)
			} else {
				words = strings.Fields(s)
			}
			for i, w := range words {
				words[i] = capitalize(w)
			}
			return starlark.String(strings.Join(words, joiner)), nil
		}),
	}), nil
}

func capitalize(w string) string {
	if w == "" {
		return w
	}
	r := []rune(strings.ToLower(w))
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}
