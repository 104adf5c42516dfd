package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/galaxy/internal/sandbox"
	"github.com/jkaninda/galaxy/internal/storage"
)

func newEngine() sandbox.Sandbox {
	return sandbox.NewEngine(sandbox.EngineConfig{
		Denials:      &sandbox.NopDenialHandler{},
		MaxExecution: 10 * time.Second,
	}, nil)
}

func runREPL(t *testing.T, sb sandbox.Sandbox, input string, prompts bool) (string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	g := NewGateway(sb, nil).
		WithIO(strings.NewReader(input), &out, &errOut).
		WithPrompts(prompts)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	return out.String(), errOut.String()
}

// --- Evaluation ---

func TestSingleLines(t *testing.T) {
	out, errOut := runREPL(t, newEngine(), "print(1)\n\nprint('two')\n", false)
	if out != "1\ntwo\n" {
		t.Errorf("stdout = %q, want %q", out, "1\ntwo\n")
	}
	if errOut != "" {
		t.Errorf("stderr = %q, want empty", errOut)
	}
}

func TestBlocks(t *testing.T) {
	input := "def square(x):\n    return x * x\n\n" +
		"for i in range(3):\n    print(i)\n\n"
	out, errOut := runREPL(t, newEngine(), input, false)
	if out != "0\n1\n2\n" {
		t.Errorf("stdout = %q, want 0..2", out)
	}
	if errOut != "" {
		t.Errorf("stderr = %q, want empty", errOut)
	}
}

func TestUnterminatedBlockRunsAtEOF(t *testing.T) {
	out, _ := runREPL(t, newEngine(), "if True:\n    print('tail')", false)
	if out != "tail\n" {
		t.Errorf("stdout = %q, want tail", out)
	}
}

func TestFailuresGoToStderr(t *testing.T) {
	out, errOut := runREPL(t, newEngine(), "print('before')\nimport socket\n1/0\n", false)
	if out != "before\n" {
		t.Errorf("stdout = %q, want before", out)
	}
	if !strings.Contains(errOut, "Module 'socket' is not allowed in the safe execution environment") {
		t.Errorf("stderr = %q, want socket rejection", errOut)
	}
	if !strings.Contains(errOut, "division by zero") {
		t.Errorf("stderr = %q, want division by zero", errOut)
	}
}

func TestEntriesDoNotShareState(t *testing.T) {
	_, errOut := runREPL(t, newEngine(), "x = 1\nprint(x)\n", false)
	if errOut == "" {
		t.Error("second entry saw a binding from the first")
	}
}

// --- Control ---

func TestExitStopsReading(t *testing.T) {
	out, _ := runREPL(t, newEngine(), "print(1)\nexit\nprint(2)\n", false)
	if out != "1\n" {
		t.Errorf("stdout = %q, want only 1", out)
	}
}

func TestPrompts(t *testing.T) {
	out, _ := runREPL(t, newEngine(), "if True:\n    print(1)\n\n", true)
	if !strings.Contains(out, primaryPrompt) || !strings.Contains(out, continuationPrompt) {
		t.Errorf("stdout = %q, want both prompts", out)
	}
}

func TestStopBeforeStart(t *testing.T) {
	var out bytes.Buffer
	g := NewGateway(newEngine(), nil).WithIO(strings.NewReader("print(1)\n"), &out, &out).WithPrompts(false)
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("output = %q, want nothing after Stop", out.String())
	}
}

type sourceSandbox struct {
	mu      sync.Mutex
	sources []storage.Source
}

func (s *sourceSandbox) Execute(ctx context.Context, _ sandbox.ExecutionRequest) *sandbox.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, storage.SourceFrom(ctx))
	return sandbox.Completed("")
}

func TestTagsCLISource(t *testing.T) {
	sb := &sourceSandbox{}
	runREPL(t, sb, "x = 1\n", false)
	if len(sb.sources) != 1 || sb.sources[0] != storage.SourceCLI {
		t.Errorf("sources = %v, want [cli]", sb.sources)
	}
}
