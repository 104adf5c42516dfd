package sandbox

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jkaninda/galaxy/internal/sandbox/modules"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// FacadeSpec narrows a raw module to an explicit attribute whitelist.
// Expose copies members from the raw module unchanged. Replace builds
// substitute members; the builder may close over the raw module, but the
// raw module itself is never a member of the facade.
type FacadeSpec struct {
	Expose  []string
	Replace map[string]func(raw *starlarkstruct.Module) starlark.Value
}

// Wrap builds the facade view of raw. Replacement values are built fresh on
// every call.
func (f *FacadeSpec) Wrap(raw *starlarkstruct.Module) *starlarkstruct.Module {
	members := make(starlark.StringDict, len(f.Expose)+len(f.Replace))
	for _, name := range f.Expose {
		if v, ok := raw.Members[name]; ok {
			members[name] = v
		}
	}
	for name, build := range f.Replace {
		members[name] = build(raw)
	}
	return &starlarkstruct.Module{Name: raw.Name, Members: members}
}

// ErrReadOnlyArchive is raised when an archive is opened for writing.
var ErrReadOnlyArchive = errors.New("Only read mode is allowed")

func constant(v func() starlark.Value) func(*starlarkstruct.Module) starlark.Value {
	return func(*starlarkstruct.Module) starlark.Value { return v() }
}

func constantFunc(name string, result starlark.Value) func(*starlarkstruct.Module) starlark.Value {
	return func(*starlarkstruct.Module) starlark.Value {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return result, nil
		})
	}
}

// readOnly wraps the raw constructor member so that it only accepts the
// given modes. The mode is taken from the mode keyword or the second
// positional argument and defaults to "r".
func readOnly(member string, modes ...string) func(*starlarkstruct.Module) starlark.Value {
	return func(raw *starlarkstruct.Module) starlark.Value {
		inner := raw.Members[member]
		return starlark.NewBuiltin(raw.Name+"."+member, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var mode starlark.Value = starlark.String("r")
			if len(args) > 1 {
				mode = args[1]
			}
			for _, kv := range kwargs {
				if k, _ := starlark.AsString(kv[0]); k == "mode" {
					mode = kv[1]
				}
			}
			m, ok := starlark.AsString(mode)
			if !ok || !slices.Contains(modes, m) {
				return nil, ErrReadOnlyArchive
			}
			return starlark.Call(thread, inner, args, kwargs)
		})
	}
}

var sysFacade = &FacadeSpec{
	Expose: []string{"version", "version_info", "platform", "maxsize", "byteorder", "stdout", "stderr"},
	Replace: map[string]func(*starlarkstruct.Module) starlark.Value{
		"stdin":   constant(func() starlark.Value { return modules.InertStdin() }),
		"exit":    constantFunc("sys.exit", starlark.None),
		"modules": constant(func() starlark.Value { return starlark.NewDict(0) }),
		"path":    constant(func() starlark.Value { return starlark.NewList(nil) }),
		"argv":    constant(func() starlark.Value { return starlark.NewList([]starlark.Value{starlark.String("")}) }),
	},
}

var zipfileFacade = &FacadeSpec{
	Expose: []string{"ZIP_STORED", "ZIP_DEFLATED", "is_zipfile"},
	Replace: map[string]func(*starlarkstruct.Module) starlark.Value{
		"ZipFile": readOnly("ZipFile", "r", "rb"),
	},
}

var tarfileFacade = &FacadeSpec{
	Expose: []string{"is_tarfile"},
	Replace: map[string]func(*starlarkstruct.Module) starlark.Value{
		"open": readOnly("open", "r", "r:"),
	},
}

var getpassFacade = &FacadeSpec{
	Replace: map[string]func(*starlarkstruct.Module) starlark.Value{
		"getpass": constantFunc("getpass.getpass", starlark.String("********")),
		"getuser": constantFunc("getpass.getuser", starlark.String("user")),
	},
}

var loggingFacade = &FacadeSpec{
	Expose: []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL", "getLogger", "Logger"},
	Replace: map[string]func(*starlarkstruct.Module) starlark.Value{
		"basicConfig": func(raw *starlarkstruct.Module) starlark.Value {
			inner := raw.Members["basicConfig"]
			return starlark.NewBuiltin("logging.basicConfig", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				for _, kv := range kwargs {
					switch k, _ := starlark.AsString(kv[0]); k {
					case "filename", "filemode", "handlers":
						return nil, fmt.Errorf("%s: %s is not allowed in the safe execution environment", b.Name(), k)
					}
				}
				return starlark.Call(thread, inner, args, kwargs)
			})
		},
	},
}
