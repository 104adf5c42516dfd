package modules

import (
	"io"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// loadGetpass builds a getpass module that never touches a terminal. The
// prompt goes to the snippet's stderr and fixed stand-in values come back.
func loadGetpass(_ *Env) (*starlarkstruct.Module, error) {
	return newModule("getpass", starlark.StringDict{
		"getpass": fn("getpass.getpass", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			prompt := "Password: "
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "prompt?", &prompt, "stream?", new(starlark.Value)); err != nil {
				return nil, err
			}
			_, _ = io.WriteString(StderrOf(thread), prompt+"\n")
			return starlark.String("********"), nil
		}),
		"getuser": fn("getpass.getuser", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.String("user"), nil
		}),
	}), nil
}
