package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jkaninda/galaxy/internal/config"
	"github.com/jkaninda/galaxy/internal/gateway/cli"
)

var replConfigPath string

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive prompt backed by a local sandbox",
	RunE:  runREPL,
}

func init() {
	replCmd.Flags().StringVar(&replConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runREPL(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := loadConfig(replConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	repl := cli.NewGateway(sc.Sandbox, logger).
		WithPrompts(term.IsTerminal(int(os.Stdin.Fd())))
	return repl.Start(ctx)
}
