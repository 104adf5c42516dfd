package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/galaxy/internal/config"
	"github.com/jkaninda/galaxy/internal/sandbox"
)

var (
	workerLimits    config.SandboxConfig
	workerDenialLog string
)

// workerCmd is the child side of process isolation. It reads one request
// on stdin, runs it in a single-slot engine and writes the reply on stdout.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one execution from stdin (process isolation worker)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.IntVar(&workerLimits.MaxExecutionSeconds, "max-execution-seconds", 0, "wall-clock bound (0 = unbounded)")
	f.Uint64Var(&workerLimits.MaxSteps, "max-steps", 0, "interpreter step budget (0 = unbounded)")
	f.IntVar(&workerLimits.MaxOutputBytes, "max-output-bytes", 0, "per-stream output cap")
	f.IntVar(&workerLimits.RegexTimeoutMS, "regex-timeout-ms", 0, "per-match regex timeout")
	f.StringVar(&workerLimits.WorkDir, "work-dir", "", "root for path lookups")
	f.StringSliceVar(&workerLimits.DeniedModules, "deny", nil, "module removed from the allowlist (repeatable)")
	f.StringVar(&workerDenialLog, "denial-log", "", "append-only denial audit log")
}

func runWorker(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	denials, closeDenials, err := initDenials(workerDenialLog, nil, logger)
	if err != nil {
		return err
	}
	defer closeDenials()

	workerLimits.MaxConcurrent = 1
	engine := newEngine(&workerLimits, denials, nil, logger)
	return sandbox.RunWorker(ctx, engine, os.Stdin, os.Stdout)
}
