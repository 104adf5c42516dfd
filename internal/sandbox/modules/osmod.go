package modules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var errOutsideWorkDir = errors.New("path is outside the working directory")

// resolve maps a snippet path onto the host, confined to the work dir.
func (e *Env) resolve(p string) (string, error) {
	root, err := filepath.Abs(e.workDir())
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", errOutsideWorkDir
	}
	return p, nil
}

// loadOS builds the os module. It carries os.path and the separator
// constants only, so even a policy that granted os itself would expose no
// process or filesystem mutation.
func loadOS(env *Env) (*starlarkstruct.Module, error) {
	path, err := loadOSPath(env)
	if err != nil {
		return nil, err
	}
	return newModule("os", starlark.StringDict{
		"path": path,
		"sep":  starlark.String(string(filepath.Separator)),
		"name": starlark.String("posix"),
	}), nil
}

func loadOSPath(env *Env) (*starlarkstruct.Module, error) {
	str1 := func(name string, f func(string) starlark.Value) *starlark.Builtin {
		return fn("os.path."+name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var p string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &p); err != nil {
				return nil, err
			}
			return f(p), nil
		})
	}
	return newModule("os.path", starlark.StringDict{
		"sep": starlark.String(string(filepath.Separator)),
		"join": fn("os.path.join", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(kwargs) > 0 {
				return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
			}
			if len(args) == 0 {
				return nil, fmt.Errorf("%s: missing required argument", b.Name())
			}
			var out string
			for _, a := range args {
				s, ok := starlark.AsString(a)
				if !ok {
					return nil, fmt.Errorf("%s: expected str, got %s", b.Name(), a.Type())
				}
				switch {
				case strings.HasPrefix(s, "/") || out == "":
					out = s
				case strings.HasSuffix(out, "/"):
					out += s
				default:
					out += "/" + s
				}
			}
			return starlark.String(out), nil
		}),
		"split": str1("split", func(p string) starlark.Value {
			head, tail := splitPath(p)
			return starlark.Tuple{starlark.String(head), starlark.String(tail)}
		}),
		"splitext": str1("splitext", func(p string) starlark.Value {
			_, tail := splitPath(p)
			ext := filepath.Ext(tail)
			if ext == tail {
				ext = ""
			}
			return starlark.Tuple{starlark.String(strings.TrimSuffix(p, ext)), starlark.String(ext)}
		}),
		"basename": str1("basename", func(p string) starlark.Value {
			_, tail := splitPath(p)
			return starlark.String(tail)
		}),
		"dirname": str1("dirname", func(p string) starlark.Value {
			head, _ := splitPath(p)
			return starlark.String(head)
		}),
		"isabs": str1("isabs", func(p string) starlark.Value {
			return starlark.Bool(strings.HasPrefix(p, "/"))
		}),
		"normpath": str1("normpath", func(p string) starlark.Value {
			return starlark.String(filepath.Clean(p))
		}),
		"exists": str1("exists", func(p string) starlark.Value {
			resolved, err := env.resolve(p)
			if err != nil {
				return starlark.False
			}
			_, err = os.Stat(resolved)
			return starlark.Bool(err == nil)
		}),
	}), nil
}

// splitPath follows posixpath.split: the head keeps no trailing slash
// unless it is the root.
func splitPath(p string) (string, string) {
	i := strings.LastIndex(p, "/") + 1
	head, tail := p[:i], p[i:]
	if trimmed := strings.TrimRight(head, "/"); trimmed != "" {
		head = trimmed
	}
	return head, tail
}
