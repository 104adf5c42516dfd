package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/galaxy/internal/sandbox/modules"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const snippetFilename = "<string>"

// fileOptions enables the Python-like statements snippets rely on.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// EngineConfig configures an Engine. Zero limits mean unbounded.
type EngineConfig struct {
	Policy   *Policy
	Registry *modules.Registry
	Env      *modules.Env
	Denials  DenialHandler

	MaxExecution   time.Duration
	MaxSteps       uint64
	MaxOutputBytes int
	MaxConcurrent  int

	// OnFatal is called when an execution leaves the engine in a state it
	// cannot recover from. The default logs the error.
	OnFatal func(error)
}

// Engine runs snippets in process. Each execution gets its own thread,
// capture, namespace and broker, so Execute is safe for concurrent use.
type Engine struct {
	cfg        EngineConfig
	namespaces *NamespaceBuilder
	slots      chan struct{}
	logger     *slog.Logger
}

var _ Sandbox = (*Engine)(nil)

// NewEngine creates an engine. A nil policy or registry selects the
// defaults.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Registry == nil {
		cfg.Registry = modules.Default()
	}
	if cfg.Denials == nil {
		cfg.Denials = &LogDenialHandler{Logger: logger}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = runtime.NumCPU()
	}
	e := &Engine{
		cfg: cfg,
		namespaces: &NamespaceBuilder{
			Policy:   cfg.Policy,
			Registry: cfg.Registry,
			Env:      cfg.Env,
			Denials:  cfg.Denials,
		},
		slots:  make(chan struct{}, cfg.MaxConcurrent),
		logger: logger,
	}
	if e.cfg.OnFatal == nil {
		e.cfg.OnFatal = func(err error) {
			logger.Error("sandbox engine fatal error", slog.String("error", err.Error()))
		}
	}
	return e
}

// Policy returns the capability policy the engine enforces.
func (e *Engine) Policy() *Policy { return e.cfg.Policy }

// Execute runs req and always returns a result.
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	start := time.Now()
	result := e.execute(ctx, req)
	result.Duration = time.Since(start)
	result.ExecutionID = uuid.NewString()
	return result
}

func (e *Engine) execute(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	if req.Language != LanguagePython {
		return Faulted(FaultUnsupportedLanguage, "", fmt.Sprintf("Language %s not supported yet", req.Language), "")
	}

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return Faulted(FaultCancelled, "", "execution cancelled: "+cancelReason(ctx, 0), "")
	}

	if e.cfg.MaxExecution > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.MaxExecution)
		defer cancel()
	}

	capture := Acquire(e.cfg.MaxOutputBytes)
	kind, msg, traceback := e.run(ctx, capture, req.Code)

	if err := capture.Release(); err != nil {
		e.logger.Error("releasing output capture",
			slog.String("error", err.Error()),
		)
		e.cfg.OnFatal(err)
		return Faulted(FaultInternal, capture.Output(), err.Error(), "")
	}

	if kind == FaultNone {
		return Completed(capture.Output())
	}
	return Faulted(kind, capture.Output(), msg, traceback)
}

// run interprets code with capture bound to the thread and classifies the
// way it ended.
func (e *Engine) run(ctx context.Context, capture *Capture, code string) (kind FaultKind, msg, traceback string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sandbox execution panicked", slog.Any("panic", r))
			kind, msg, traceback = FaultRuntime, fmt.Sprintf("internal error: %v", r), ""
		}
	}()

	ns, err := e.namespaces.Build()
	if err != nil {
		return FaultInternal, fmt.Sprintf("building namespace: %v", err), ""
	}

	src, err := Translate(snippetFilename, code)
	if err != nil {
		return FaultRuntime, err.Error(), err.Error()
	}

	stepsExceeded := false
	thread := &starlark.Thread{
		Name: "sandbox",
		Print: func(_ *starlark.Thread, msg string) {
			_, _ = io.WriteString(capture.Stdout(), msg+"\n")
		},
		OnMaxSteps: func(t *starlark.Thread) {
			stepsExceeded = true
			t.Cancel("step limit exceeded")
		},
	}
	modules.BindStreams(thread, capture)
	modules.BindContext(thread, ctx)
	if e.cfg.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(e.cfg.MaxSteps)
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(cancelReason(ctx, e.cfg.MaxExecution))
	})
	defer stop()

	_, err = starlark.ExecFileOptions(fileOptions, thread, snippetFilename, src, ns.Predeclared)
	if err == nil {
		return FaultNone, "", ""
	}
	return classify(ctx, err, src, stepsExceeded, e.cfg)
}

func classify(ctx context.Context, err error, src string, stepsExceeded bool, cfg EngineConfig) (FaultKind, string, string) {
	if stepsExceeded {
		return FaultCancelled, fmt.Sprintf("execution cancelled: step limit of %d exceeded", cfg.MaxSteps), ""
	}
	if ctx.Err() != nil {
		return FaultCancelled, "execution cancelled: " + cancelReason(ctx, cfg.MaxExecution), ""
	}

	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return FaultCapabilityRejected, capErr.Error(), ""
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return FaultRuntime, pythonMessages.Replace(evalErr.Msg), pythonMessages.Replace(evalErr.Backtrace())
	}

	var parseErr syntax.Error
	if errors.As(err, &parseErr) {
		if construct, ok := unsupportedConstruct(src, parseErr); ok {
			msg := construct + " is not supported in the safe execution environment"
			return FaultRuntime, msg, parseErr.Pos.String() + ": " + msg
		}
	}

	// Parse and resolve errors carry their position in the message.
	return FaultRuntime, err.Error(), err.Error()
}

// pythonMessages rewrites interpreter arithmetic errors into the wording
// Python uses for ZeroDivisionError.
var pythonMessages = strings.NewReplacer(
	"floating-point division by zero", "division by zero",
	"floored division by zero", "integer division or modulo by zero",
	"integer modulo by zero", "integer division or modulo by zero",
	"floating-point modulo by zero", "float modulo",
)

func cancelReason(ctx context.Context, timeout time.Duration) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && timeout > 0 {
		return fmt.Sprintf("timed out after %s", timeout)
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return "cancelled"
}
