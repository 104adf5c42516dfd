package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/galaxy/internal/sandbox/modules"
)

func newTestEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	if cfg.Env == nil {
		cfg.Env = &modules.Env{WorkDir: t.TempDir()}
	}
	if cfg.Denials == nil {
		cfg.Denials = &NopDenialHandler{}
	}
	return NewEngine(cfg, nil)
}

func run(t *testing.T, e *Engine, code string) *ExecutionResult {
	t.Helper()
	return e.Execute(context.Background(), ExecutionRequest{Code: code, Language: LanguagePython})
}

func assertSuccess(t *testing.T, res *ExecutionResult, wantOutput string) {
	t.Helper()
	if !res.Success {
		t.Fatalf("execution failed: %s\n%s", res.ErrorMessage(), res.Output)
	}
	if res.Output != wantOutput {
		t.Errorf("Output = %q, want %q", res.Output, wantOutput)
	}
	if res.Error != nil || res.Traceback != nil {
		t.Errorf("Error/Traceback should be nil on success")
	}
}

// --- Scenarios ---

func TestExecutePrint(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	res := run(t, e, `print("hi")`)
	assertSuccess(t, res, "hi\n")
	if res.Kind != FaultNone {
		t.Errorf("Kind = %q, want none", res.Kind)
	}
	if res.ExecutionID == "" {
		t.Error("ExecutionID should be set")
	}
}

func TestExecuteRejectsUnknownModule(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	res := run(t, e, "print(\"before\")\nimport socket\nprint(\"after\")")
	if res.Success {
		t.Fatal("expected failure")
	}
	want := "Module 'socket' is not allowed in the safe execution environment"
	if res.ErrorMessage() != want {
		t.Errorf("Error = %q, want %q", res.ErrorMessage(), want)
	}
	if res.Output != "before\n" {
		t.Errorf("Output = %q, want partial output %q", res.Output, "before\n")
	}
	if res.Traceback != nil {
		t.Error("capability rejections carry no traceback")
	}
	if res.Kind != FaultCapabilityRejected {
		t.Errorf("Kind = %q, want %q", res.Kind, FaultCapabilityRejected)
	}
}

func TestExecuteDivisionByZero(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	res := run(t, e, "x = 1\ny = x / 0")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorMessage() != "division by zero" {
		t.Errorf("Error = %q, want %q", res.ErrorMessage(), "division by zero")
	}
	if res.Traceback == nil || !strings.Contains(*res.Traceback, "Traceback") {
		t.Errorf("Traceback = %v, want interpreter backtrace", res.Traceback)
	}
	if res.Traceback != nil && !strings.HasSuffix(*res.Traceback, "division by zero") {
		t.Errorf("Traceback = %q, want it to end with the error", *res.Traceback)
	}
	if res.Kind != FaultRuntime {
		t.Errorf("Kind = %q, want %q", res.Kind, FaultRuntime)
	}
}

func TestExecuteZeroDivisionMessages(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	tests := []struct {
		code string
		want string
	}{
		{"1/0", "division by zero"},
		{"1.5/0", "division by zero"},
		{"print(7//0)", "integer division or modulo by zero"},
		{"print(7%0)", "integer division or modulo by zero"},
		{"print(7.0%0)", "float modulo"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			res := run(t, e, tt.code)
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.ErrorMessage() != tt.want {
				t.Errorf("Error = %q, want %q", res.ErrorMessage(), tt.want)
			}
		})
	}
}

func TestExecuteZipfileWriteRejected(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	res := run(t, e, "import zipfile\nzipfile.ZipFile(\"out.zip\", \"w\")")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorMessage() != "Only read mode is allowed" {
		t.Errorf("Error = %q, want %q", res.ErrorMessage(), "Only read mode is allowed")
	}
}

func TestExecuteMainGuard(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	res := run(t, e, `
def main():
    print("main ran")

if __name__ == "__main__":
    main()
`)
	assertSuccess(t, res, "main ran\n")
}

// --- Contract ---

func TestExecuteUnsupportedLanguage(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	res := e.Execute(context.Background(), ExecutionRequest{Code: "console.log(1)", Language: "javascript"})
	if res.Success || res.ErrorMessage() != "Language javascript not supported yet" {
		t.Errorf("Error = %q", res.ErrorMessage())
	}
	if res.Output != "" || res.Traceback != nil {
		t.Errorf("Output = %q, Traceback = %v", res.Output, res.Traceback)
	}
	if res.Kind != FaultUnsupportedLanguage {
		t.Errorf("Kind = %q", res.Kind)
	}
}

func TestExecuteStderrAppended(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	res := run(t, e, "import sys\nprint(\"a\")\nprint(\"b\", file=sys.stderr)\nsys.stdout.write(\"c\\n\")")
	assertSuccess(t, res, "a\nc\n\nErrors:\nb\n")
}

func TestExecuteOutputOrderingAcrossModules(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	res := run(t, e, `
import json, sys
print("1")
sys.stdout.write("2\n")
print(json.dumps({"b": 1, "a": [1, 2]}))
`)
	assertSuccess(t, res, "1\n2\n{\"b\": 1, \"a\": [1, 2]}\n")
}

func TestExecuteResultWireShape(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	data, err := json.Marshal(run(t, e, "x = 0\n1 / x"))
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if len(fields) != 4 {
		t.Errorf("wire fields = %v, want exactly success/output/error/traceback", fields)
	}
	for _, k := range []string{"success", "output", "error", "traceback"} {
		if _, ok := fields[k]; !ok {
			t.Errorf("missing wire field %q", k)
		}
	}

	data, _ = json.Marshal(run(t, e, "x = 1"))
	if !bytes.Contains(data, []byte(`"error":null`)) || !bytes.Contains(data, []byte(`"traceback":null`)) {
		t.Errorf("success wire = %s, want null error and traceback", data)
	}
}

func TestExecuteSyntaxError(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	res := run(t, e, "print(\"a\"\n")
	if res.Success || res.Kind != FaultRuntime {
		t.Fatalf("Success = %v, Kind = %q", res.Success, res.Kind)
	}
	if !strings.Contains(res.ErrorMessage(), "<string>:") {
		t.Errorf("Error = %q, want a source position", res.ErrorMessage())
	}
	if res.Traceback == nil {
		t.Error("syntax errors should carry a traceback")
	}

	res = run(t, e, "from math import *")
	if !strings.Contains(res.ErrorMessage(), "wildcard imports are not supported") {
		t.Errorf("Error = %q", res.ErrorMessage())
	}
}

func TestExecuteUnsupportedConstructs(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	tests := []struct {
		code string
		want string
	}{
		{"class A:\n    pass", "class definition"},
		{"try:\n    x = 1\nexcept ValueError:\n    pass", "try statement"},
		{"import zipfile\nwith zipfile.ZipFile(\"a.zip\") as z:\n    pass", "with statement"},
		{"raise ValueError(\"x\")", "raise statement"},
		{"x = None\nprint(x is None)", "'is' operator"},
		{"assert 1 == 1", "assert statement"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			res := run(t, e, tt.code)
			if res.Success || res.Kind != FaultRuntime {
				t.Fatalf("Success = %v, Kind = %q", res.Success, res.Kind)
			}
			want := tt.want + " is not supported in the safe execution environment"
			if res.ErrorMessage() != want {
				t.Errorf("Error = %q, want %q", res.ErrorMessage(), want)
			}
			if res.Traceback == nil || !strings.HasPrefix(*res.Traceback, "<string>:") {
				t.Errorf("Traceback = %v, want a source position", res.Traceback)
			}
		})
	}
}

// --- Capabilities ---

func TestExecuteCompoundLineImport(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})

	res := run(t, e, "if True: import socket")
	if res.Kind != FaultCapabilityRejected {
		t.Fatalf("Kind = %q, want %q (error=%q)", res.Kind, FaultCapabilityRejected, res.ErrorMessage())
	}
	if res.ErrorMessage() != "Module 'socket' is not allowed in the safe execution environment" {
		t.Errorf("Error = %q", res.ErrorMessage())
	}

	res = run(t, e, "if False: import socket\nprint(\"skipped\")")
	assertSuccess(t, res, "skipped\n")

	res = run(t, e, "if True: import json; print(json.dumps([1]))")
	assertSuccess(t, res, "[1]\n")
}

func TestExecuteSubmodules(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	tests := []struct {
		code string
		want string
	}{
		{"import os.path\nprint(os.path.basename(\"/x/y.txt\"))", "y.txt\n"},
		{"from os import path\nprint(path.join(\"a\", \"b\"))", "a/b\n"},
		{"import os.path as p\nprint(p.splitext(\"f.tar.gz\"))", "(\"f.tar\", \".gz\")\n"},
		{"from urllib.parse import quote\nprint(quote(\"a b\"))", "a%20b\n"},
		{"import urllib.parse\nprint(urllib.parse.unquote(\"a%20b\"))", "a b\n"},
	}
	for _, tt := range tests {
		assertSuccess(t, run(t, e, tt.code), tt.want)
	}
}

func TestExecuteRejectsSubmodules(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	tests := []struct {
		code   string
		module string
	}{
		{"import os", "os"},
		{"import os.system", "os.system"},
		{"from os import getenv", "os.getenv"},
		{"import urllib.request", "urllib.request"},
		{"import urllib", "urllib"},
		{"import collections", "collections"},
	}
	for _, tt := range tests {
		res := run(t, e, tt.code)
		want := fmt.Sprintf("Module '%s' is not allowed in the safe execution environment", tt.module)
		if res.ErrorMessage() != want {
			t.Errorf("%q: Error = %q, want %q", tt.code, res.ErrorMessage(), want)
		}
	}
}

func TestExecuteFacades(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	assertSuccess(t, run(t, e, "import sys\nsys.exit(3)\nprint(sys.argv, sys.path, sys.modules, sys.stdin.read())"), "[\"\"] [] {} \n")
	assertSuccess(t, run(t, e, "import getpass\nprint(getpass.getpass(\"pw: \"), getpass.getuser())"), "******** user\n")

	res := run(t, e, "import logging\nlogging.basicConfig(filename=\"app.log\")")
	if !strings.Contains(res.ErrorMessage(), "filename is not allowed") {
		t.Errorf("Error = %q", res.ErrorMessage())
	}
	if res := run(t, e, "import logging\nlogging.FileHandler(\"x.log\")"); res.Success {
		t.Error("logging.FileHandler should not be reachable")
	}
	if res := run(t, e, "import sys\nprint(sys.executable)"); res.Success {
		t.Error("sys.executable should not be reachable")
	}
	if res := run(t, e, "import tarfile\ntarfile.open(\"a.tar\", \"w\")"); res.ErrorMessage() != "Only read mode is allowed" {
		t.Errorf("tarfile write Error = %q", res.ErrorMessage())
	}
}

func TestExecuteLoggingToCapturedStderr(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	res := run(t, e, "import logging\nlog = logging.getLogger(\"app\")\nprint(\"out\")\nlog.info(\"hidden\")\nlog.warning(\"careful %d\", 2)")
	assertSuccess(t, res, "out\n\nErrors:\ncareful 2\n")

	res = run(t, e, "import logging\nlogging.basicConfig(level=logging.INFO, format=\"%(levelname)s %(message)s\")\nlogging.getLogger(\"app\").info(\"ready\")")
	assertSuccess(t, res, "\nErrors:\nINFO ready\n")
}

func TestExecuteDeniedModulesFromConfig(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Policy: DefaultPolicy().Without("json")})
	res := run(t, e, "import json")
	if res.ErrorMessage() != "Module 'json' is not allowed in the safe execution environment" {
		t.Errorf("Error = %q", res.ErrorMessage())
	}
	res = run(t, e, "print(json)")
	if res.Success {
		t.Error("revoked modules must not be preloaded")
	}
}

// --- Isolation ---

func TestExecuteLeavesProcessStreamsUntouched(t *testing.T) {
	stdout, stderr := os.Stdout, os.Stderr
	e := newTestEngine(t, EngineConfig{})
	run(t, e, "import sys\nprint(\"x\")\nprint(\"y\", file=sys.stderr)")
	run(t, e, "import socket")
	if os.Stdout != stdout || os.Stderr != stderr {
		t.Error("process streams were replaced")
	}
}

func TestExecuteEmptyCode(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	assertSuccess(t, run(t, e, ""), "")
}

func TestExecuteIsIdempotent(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	code := `
import random, logging
random.seed(7)
seen = []
seen.append(random.randint(1, 1000))
log = logging.getLogger("app")
print(seen, len(log.handlers), log.getEffectiveLevel())
log.setLevel(logging.DEBUG)
`
	first := run(t, e, code)
	second := run(t, e, code)
	if !first.Success {
		t.Fatalf("execution failed: %s", first.ErrorMessage())
	}
	if first.Output != second.Output {
		t.Errorf("outputs differ: %q vs %q", first.Output, second.Output)
	}
}

func TestExecuteConcurrent(t *testing.T) {
	e := newTestEngine(t, EngineConfig{MaxConcurrent: 4})
	const n = 16
	var wg sync.WaitGroup
	results := make([]*ExecutionResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = run(t, e, fmt.Sprintf("for j in range(50):\n    print(%d)", i))
		}(i)
	}
	wg.Wait()
	for i, res := range results {
		want := strings.Repeat(fmt.Sprintf("%d\n", i), 50)
		if res.Output != want {
			t.Errorf("execution %d output mixed with others: %q", i, res.Output)
		}
	}
}

func TestExecuteOutputLimit(t *testing.T) {
	e := newTestEngine(t, EngineConfig{MaxOutputBytes: 10})
	res := run(t, e, `print("x" * 100)`)
	assertSuccess(t, res, strings.Repeat("x", 10))
}

// --- Cancellation ---

func TestExecuteContextCancel(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := e.Execute(ctx, ExecutionRequest{Code: "while True:\n    pass", Language: LanguagePython})
	if res.Kind != FaultCancelled {
		t.Fatalf("Kind = %q, want %q (%s)", res.Kind, FaultCancelled, res.ErrorMessage())
	}
	if !strings.HasPrefix(res.ErrorMessage(), "execution cancelled: ") {
		t.Errorf("Error = %q", res.ErrorMessage())
	}
}

func TestExecuteTimeout(t *testing.T) {
	e := newTestEngine(t, EngineConfig{MaxExecution: 50 * time.Millisecond})
	for _, code := range []string{"while True:\n    pass", "import time\ntime.sleep(30)"} {
		start := time.Now()
		res := run(t, e, code)
		if res.ErrorMessage() != "execution cancelled: timed out after 50ms" {
			t.Errorf("%q: Error = %q", code, res.ErrorMessage())
		}
		if time.Since(start) > 5*time.Second {
			t.Errorf("%q: took %s to cancel", code, time.Since(start))
		}
	}
}

func TestExecuteStepLimit(t *testing.T) {
	e := newTestEngine(t, EngineConfig{MaxSteps: 1000})
	res := run(t, e, "while True:\n    pass")
	if res.ErrorMessage() != "execution cancelled: step limit of 1000 exceeded" {
		t.Errorf("Error = %q", res.ErrorMessage())
	}
	assertSuccess(t, run(t, e, `print("short")`), "short\n")
}

func TestExecuteWaitsForSlot(t *testing.T) {
	e := newTestEngine(t, EngineConfig{MaxConcurrent: 1})
	e.slots <- struct{}{}
	defer func() { <-e.slots }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := e.Execute(ctx, ExecutionRequest{Code: `print("x")`, Language: LanguagePython})
	if res.Kind != FaultCancelled || res.Output != "" {
		t.Errorf("Kind = %q, Output = %q", res.Kind, res.Output)
	}
}

// --- Worker ---

func TestRunWorker(t *testing.T) {
	e := newTestEngine(t, EngineConfig{})
	var out bytes.Buffer
	in := strings.NewReader(`{"code":"import socket","language":"python"}`)
	if err := RunWorker(context.Background(), e, in, &out); err != nil {
		t.Fatalf("RunWorker error: %v", err)
	}
	res, err := decodeWorkerReply(out.Bytes())
	if err != nil {
		t.Fatalf("decodeWorkerReply error: %v", err)
	}
	if res.Kind != FaultCapabilityRejected || res.Success {
		t.Errorf("reply = %+v", res)
	}

	if _, err := decodeWorkerReply(nil); err == nil {
		t.Error("empty reply should fail to decode")
	}
}

func TestProcessSandbox(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	sb, err := NewProcessSandbox(ProcessConfig{
		Executable: "/bin/sh",
		WorkerArgs: []string{"-c", `cat >/dev/null; printf '{"success":true,"output":"ok","error":null,"traceback":null}'`},
		Timeout:    10 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("NewProcessSandbox error: %v", err)
	}
	res := sb.Execute(context.Background(), ExecutionRequest{Code: "print(1)", Language: LanguagePython})
	if !res.Success || res.Output != "ok" {
		t.Errorf("result = %+v (%s)", res, res.ErrorMessage())
	}

	res = sb.Execute(context.Background(), ExecutionRequest{Code: "x", Language: "ruby"})
	if res.Kind != FaultUnsupportedLanguage {
		t.Errorf("Kind = %q, want %q", res.Kind, FaultUnsupportedLanguage)
	}

	failing, _ := NewProcessSandbox(ProcessConfig{Executable: "/bin/sh", WorkerArgs: []string{"-c", "exit 3"}}, nil)
	res = failing.Execute(context.Background(), ExecutionRequest{Code: "x", Language: LanguagePython})
	if res.Kind != FaultInternal || !strings.HasPrefix(res.ErrorMessage(), "worker failed") {
		t.Errorf("crashed worker result = %q %q", res.Kind, res.ErrorMessage())
	}
}

func TestProcessSandboxLimits(t *testing.T) {
	bounded, err := NewProcessSandbox(ProcessConfig{Executable: "/bin/true"}, nil)
	if err != nil {
		t.Fatalf("NewProcessSandbox error: %v", err)
	}
	if bounded.cfg.Timeout != defaultWorkerTimeout || bounded.cfg.MaxCPUSeconds != defaultCPUSeconds {
		t.Errorf("defaults = %v / %d", bounded.cfg.Timeout, bounded.cfg.MaxCPUSeconds)
	}
	if script := bounded.workerScript(); !strings.Contains(script, "ulimit -t 60") {
		t.Errorf("script = %q, want a CPU limit", script)
	}

	unbounded, err := NewProcessSandbox(ProcessConfig{Executable: "/bin/true", Timeout: NoWorkerTimeout}, nil)
	if err != nil {
		t.Fatalf("NewProcessSandbox error: %v", err)
	}
	if unbounded.cfg.Timeout != NoWorkerTimeout || unbounded.cfg.MaxCPUSeconds != 0 {
		t.Errorf("unbounded = %v / %d", unbounded.cfg.Timeout, unbounded.cfg.MaxCPUSeconds)
	}
	if script := unbounded.workerScript(); strings.Contains(script, "ulimit -t") {
		t.Errorf("script = %q, want no CPU limit", script)
	}

	explicit, _ := NewProcessSandbox(ProcessConfig{Executable: "/bin/true", Timeout: NoWorkerTimeout, MaxCPUSeconds: 5}, nil)
	if script := explicit.workerScript(); !strings.Contains(script, "ulimit -t 5") {
		t.Errorf("script = %q, want the configured CPU limit", script)
	}
}

func TestProcessSandboxWithoutDeadline(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	sb, err := NewProcessSandbox(ProcessConfig{
		Executable: "/bin/sh",
		WorkerArgs: []string{"-c", `cat >/dev/null; printf '{"success":true,"output":"ok","error":null,"traceback":null}'`},
		Timeout:    NoWorkerTimeout,
	}, nil)
	if err != nil {
		t.Fatalf("NewProcessSandbox error: %v", err)
	}
	res := sb.Execute(context.Background(), ExecutionRequest{Code: "print(1)", Language: LanguagePython})
	if !res.Success || res.Output != "ok" {
		t.Errorf("result = %+v (%s)", res, res.ErrorMessage())
	}
}
