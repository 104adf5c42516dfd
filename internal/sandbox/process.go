package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	defaultWorkerTimeout = 60 * time.Second
	defaultCPUSeconds    = 60
	defaultMemoryMB      = 1024

	// maxWorkerReply caps what is read back from a worker.
	maxWorkerReply = 4 << 20
)

// NoWorkerTimeout disables the worker deadline. Without an explicit
// MaxCPUSeconds it also lifts the CPU limit.
const NoWorkerTimeout time.Duration = -1

// ProcessConfig configures the process-isolated sandbox.
type ProcessConfig struct {
	// Executable is the binary re-executed as a worker. Defaults to the
	// running executable.
	Executable string

	// WorkerArgs are passed to the executable, typically "worker" followed
	// by the engine limits.
	WorkerArgs []string

	// Timeout bounds the whole worker lifetime. Zero means the default,
	// NoWorkerTimeout means none.
	Timeout       time.Duration
	MaxCPUSeconds int
	MaxMemoryMB   int
}

// ProcessSandbox runs each execution in a fresh worker process.
//
// Security guarantees:
//   - Each execution gets its own temp directory (removed after)
//   - Worker runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from parent, only a minimal safe set
//   - Resource limits enforced via ulimit
//   - Worker reply capped to prevent OOM
//
// The worker still applies the in-process capability policy.
type ProcessSandbox struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

var _ Sandbox = (*ProcessSandbox)(nil)

// NewProcessSandbox creates a process-isolated sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) (*ProcessSandbox, error) {
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving worker executable: %w", err)
		}
		cfg.Executable = exe
	}
	if len(cfg.WorkerArgs) == 0 {
		cfg.WorkerArgs = []string{"worker"}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultWorkerTimeout
	}
	if cfg.MaxCPUSeconds == 0 && cfg.Timeout > 0 {
		cfg.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = defaultMemoryMB
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessSandbox{cfg: cfg, logger: logger}, nil
}

// Execute sends req to a new worker and returns its result.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	start := time.Now()
	result := s.execute(ctx, req)
	result.Duration = time.Since(start)
	return result
}

func (s *ProcessSandbox) execute(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	if req.Language != LanguagePython {
		return Faulted(FaultUnsupportedLanguage, "", fmt.Sprintf("Language %s not supported yet", req.Language), "")
	}

	var cancel context.CancelFunc
	if s.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "galaxy-worker-*")
	if err != nil {
		return Faulted(FaultInternal, "", fmt.Sprintf("creating worker dir: %v", err), "")
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			s.logger.Warn("failed to remove worker temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return Faulted(FaultInternal, "", fmt.Sprintf("encoding worker request: %v", err), "")
	}

	// The executable path is passed positionally, never interpolated.
	args := make([]string, 0, 4+len(s.cfg.WorkerArgs))
	args = append(args, "-c", s.workerScript(), "_", s.cfg.Executable)
	args = append(args, s.cfg.WorkerArgs...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = tmpDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = buildWorkerEnv(tmpDir)
	cmd.Stdin = bytes.NewReader(payload)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxWorkerReply}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: DefaultMaxOutputBytes}

	s.logger.Debug("starting sandbox worker",
		slog.String("dir", tmpDir),
		slog.Int("memory_limit_mb", s.cfg.MaxMemoryMB),
		slog.Int("cpu_limit_sec", s.cfg.MaxCPUSeconds),
		slog.Duration("timeout", s.cfg.Timeout),
	)

	runErr := cmd.Run()
	if ctx.Err() != nil {
		reason := cancelReason(ctx, s.cfg.Timeout)
		s.logger.Warn("sandbox worker cancelled", slog.String("reason", reason))
		return Faulted(FaultCancelled, "", "execution cancelled: "+reason, "")
	}

	reply, decodeErr := decodeWorkerReply(stdoutBuf.Bytes())
	if decodeErr != nil {
		msg := decodeErr.Error()
		if runErr != nil {
			msg = runErr.Error()
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				msg = fmt.Sprintf("exit status %d", exitErr.ExitCode())
			}
		}
		s.logger.Error("sandbox worker failed",
			slog.String("error", msg),
			slog.String("stderr", strings.TrimSpace(stderrBuf.String())),
		)
		return Faulted(FaultInternal, "", "worker failed: "+msg, "")
	}
	return reply
}

// workerScript returns sh -c 'ulimit ...; exec "$@"' for the configured
// limits. A zero CPU limit adds no ulimit -t.
func (s *ProcessSandbox) workerScript() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ulimit -v %d 2>/dev/null; ", s.cfg.MaxMemoryMB*1024)
	if s.cfg.MaxCPUSeconds > 0 {
		fmt.Fprintf(&sb, "ulimit -t %d 2>/dev/null; ", s.cfg.MaxCPUSeconds)
	}
	sb.WriteString(`exec "$@"`)
	return sb.String()
}

// buildWorkerEnv constructs a minimal, safe environment.
// The parent process's environment is never inherited, so API keys and
// database credentials stay out of the worker.
func buildWorkerEnv(tmpDir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
}

// workerReply is the result as it crosses the process boundary. Unlike the
// public wire shape it carries the fault kind.
type workerReply struct {
	Success   bool      `json:"success"`
	Output    string    `json:"output"`
	Error     *string   `json:"error"`
	Traceback *string   `json:"traceback"`
	Kind      FaultKind `json:"kind,omitempty"`
}

func decodeWorkerReply(data []byte) (*ExecutionResult, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("worker produced no reply")
	}
	var r workerReply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding worker reply: %w", err)
	}
	return &ExecutionResult{
		Success:   r.Success,
		Output:    r.Output,
		Error:     r.Error,
		Traceback: r.Traceback,
		Kind:      r.Kind,
	}, nil
}

// RunWorker is the worker side of ProcessSandbox: it reads one request
// from r, executes it with sb and writes the reply to w.
func RunWorker(ctx context.Context, sb Sandbox, r io.Reader, w io.Writer) error {
	var req ExecutionRequest
	if err := json.NewDecoder(io.LimitReader(r, maxWorkerReply)).Decode(&req); err != nil {
		return fmt.Errorf("decoding worker request: %w", err)
	}
	res := sb.Execute(ctx, req)
	reply := workerReply{
		Success:   res.Success,
		Output:    res.Output,
		Error:     res.Error,
		Traceback: res.Traceback,
		Kind:      res.Kind,
	}
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		return fmt.Errorf("encoding worker reply: %w", err)
	}
	return nil
}
