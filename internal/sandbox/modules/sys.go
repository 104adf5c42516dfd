package modules

import (
	"fmt"
	"math"
	"runtime"
	"slices"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Version reported to snippets through sys.version.
const (
	versionMajor = 3
	versionMinor = 12
	versionMicro = 0
)

var bigEndianArchs = []string{"mips", "mips64", "ppc64", "s390x", "sparc64"}

func byteOrder() string {
	if slices.Contains(bigEndianArchs, runtime.GOARCH) {
		return "big"
	}
	return "little"
}

// loadSys builds the sys module. Process details are stand-ins: argv holds
// one empty string, stdin is inert and exit does nothing.
func loadSys(_ *Env) (*starlarkstruct.Module, error) {
	return newModule("sys", starlark.StringDict{
		"version": starlark.String(fmt.Sprintf("%d.%d.%d (galaxy, %s)", versionMajor, versionMinor, versionMicro, runtime.Version())),
		"version_info": starlark.Tuple{
			starlark.MakeInt(versionMajor), starlark.MakeInt(versionMinor), starlark.MakeInt(versionMicro),
			starlark.String("final"), starlark.MakeInt(0),
		},
		"platform":  starlark.String(runtime.GOOS),
		"maxsize":   starlark.MakeInt64(math.MaxInt64),
		"byteorder": starlark.String(byteOrder()),
		"argv":      stringList([]string{""}),
		"path":      stringList(nil),
		"modules":   starlark.NewDict(0),
		"stdout":    StdoutStream(),
		"stderr":    StderrStream(),
		"stdin":     InertStdin(),
		"exit": fn("sys.exit", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var code starlark.Value = starlark.None
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &code); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}),
	}), nil
}
