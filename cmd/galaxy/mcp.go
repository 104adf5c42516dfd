package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/galaxy/internal/config"
	"github.com/jkaninda/galaxy/internal/gateway/mcpserver"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the run_python tool over MCP stdio",
	Long: `Serve the sandbox as a Model Context Protocol server on stdin/stdout.
Register it with an MCP client as a command, e.g. "galaxy mcp --config ~/.galaxy/config.json".
Logs go to stderr; stdout carries only protocol messages.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	onFatal := func(err error) {
		logger.Error("sandbox engine failed, shutting down", slog.String("error", err.Error()))
		cancel()
	}

	sc, err := initShared(cfg, logger, onFatal)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if err := sc.startRetention(); err != nil {
		return err
	}

	logger.Info("mcp stdio server starting", slog.String("version", version))
	srv := mcpserver.New(sc.Sandbox, version, logger)
	if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
