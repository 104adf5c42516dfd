package sandbox

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/jkaninda/galaxy/internal/sandbox/modules"
	"go.starlark.net/starlark"
)

type bufStreams struct{ out, err bytes.Buffer }

func (s *bufStreams) Stdout() io.Writer { return &s.out }
func (s *bufStreams) Stderr() io.Writer { return &s.err }

func runBuiltins(t *testing.T, denials DenialHandler, src string) (string, error) {
	t.Helper()
	hook := starlark.NewBuiltin("__import__", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return starlark.None, nil
	})
	streams := &bufStreams{}
	thread := &starlark.Thread{Name: "test"}
	modules.BindStreams(thread, streams)
	_, err := starlark.ExecFileOptions(fileOptions, thread, "test.py", src, Builtins(hook, denials))
	return streams.out.String(), err
}

func TestBuiltinsTotal(t *testing.T) {
	b := Builtins(starlark.NewBuiltin("__import__", nil), nil)
	for name := range starlark.Universe {
		if _, ok := b[name]; !ok {
			t.Errorf("universe name %q missing from builtins", name)
		}
	}
	if b["__import__"] == nil {
		t.Error("__import__ hook missing")
	}
}

func TestBuiltinExtras(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{`print(sum([1, 2, 3]), sum([0.5], 1))`, "6 1.5\n"},
		{`print(round(2.5), round(3.5), round(3.14159, 2), round(7, 1))`, "2 4 3.14 7\n"},
		{`print(pow(2, 10), pow(2, 10, 1000), pow(2.0, -1))`, "1024 24 0.5\n"},
		{`print(divmod(7, 2))`, "(3, 1)\n"},
		{`print(hex(255), oct(8), bin(5), hex(-1))`, "0xff 0o10 0b101 -0x1\n"},
		{`print(callable(len), callable(1))`, "True False\n"},
		{`print(filter(None, [0, 1, 2]), filter(lambda x: x > 1, [1, 2, 3]))`, "[1, 2] [2, 3]\n"},
		{`print(map(lambda a, b: a + b, [1, 2], [10, 20, 30]))`, "[11, 22]\n"},
		{`print(isinstance(1, int), isinstance(True, int), isinstance("s", (int, str)), isinstance(1.0, int))`, "True True True False\n"},
		{`print(input(), open("x"))`, " None\n"},
		{`print("a", "b", sep="-", end="!\n")`, "a-b!\n"},
	}
	for _, tt := range tests {
		got, err := runBuiltins(t, nil, tt.src)
		if err != nil {
			t.Errorf("%s: error: %v", tt.src, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s = %q, want %q", tt.src, got, tt.want)
		}
	}
}

func TestBuiltinErrors(t *testing.T) {
	tests := []struct {
		src     string
		wantErr string
	}{
		{`sum(["a"], "")`, "can't sum strings"},
		{`pow(2, 3, 0)`, "3rd argument must be a nonzero int"},
		{`pow(0.0, -1)`, "cannot be raised to a negative power"},
		{`isinstance(1, 2)`, "arg 2 must be a type"},
		{`setattr(1, "x", 2)`, "has no attribute 'x'"},
	}
	for _, tt := range tests {
		_, err := runBuiltins(t, nil, tt.src)
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%s: error = %v, want it to contain %q", tt.src, err, tt.wantErr)
		}
	}
}

func TestDeniedBuiltin(t *testing.T) {
	denials := &recordingDenials{}
	_, err := runBuiltins(t, denials, `fail("nope")`)
	if err == nil {
		t.Fatal("expected error")
	}
	want := "builtin 'fail' is not available in the safe execution environment"
	if !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
	if len(denials.kinds) != 1 || denials.kinds[0] != DenialBuiltin || denials.request[0] != "fail" {
		t.Errorf("denials = %v %v", denials.kinds, denials.request)
	}
}
