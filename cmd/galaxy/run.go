package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/galaxy/internal/config"
	"github.com/jkaninda/galaxy/internal/gateway/ws"
	"github.com/jkaninda/galaxy/internal/sandbox"
	"github.com/jkaninda/galaxy/internal/storage"
)

// Exit codes for the run command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitRejected    = 2
	ExitUnavailable = 3
)

var (
	runConfigPath string
	runJSON       bool
	runServer     string
	runToken      string
	runWSPath     string
	runTimeout    int
)

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Execute a snippet locally or on a remote server",
	Long: `Execute a Python snippet and print what it wrote.
The snippet is read from the named file, or from stdin when the argument is
"-" or omitted. Without --server the snippet runs in a local sandbox built
from the config file; with --server it is sent over the WebSocket gateway.

Examples:
  galaxy run script.py
  echo 'print(1 + 2)' | galaxy run
  galaxy run --server http://localhost:8080 --token secret script.py
  galaxy run --json script.py

Exit codes:
  0  success
  1  the snippet failed
  2  the server rejected the request
  3  the server is unreachable`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file (local mode)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
	runCmd.Flags().StringVar(&runServer, "server", "", "gateway base URL, e.g. http://localhost:8080 (or GALAXY_SERVER env)")
	runCmd.Flags().StringVar(&runToken, "token", "", "API key for the gateway (or GALAXY_API_KEY env)")
	runCmd.Flags().StringVar(&runWSPath, "ws-path", "/ws/execute", "WebSocket path on the gateway")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "client-side timeout in seconds (0 = none)")
}

func runRun(_ *cobra.Command, args []string) error {
	code, err := readSnippet(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(runTimeout)*time.Second)
		defer cancel()
	}

	req := sandbox.ExecutionRequest{Code: code, Language: sandbox.LanguagePython}

	var result *sandbox.ExecutionResult
	if server := goutils.Env("GALAXY_SERVER", runServer); server != "" {
		result = runRemote(ctx, server, req)
	} else {
		result, err = runLocal(ctx, req)
		if err != nil {
			return err
		}
	}

	printResult(result)
	if !result.Success {
		os.Exit(ExitFailure)
	}
	return nil
}

// readSnippet reads the named file, or stdin for "-" or no argument.
func readSnippet(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading snippet: %w", err)
		}
		return string(data), nil
	}
	if len(args) == 0 && term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no snippet given: pass a file or pipe code on stdin")
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

// runLocal executes req on a sandbox built from the local config.
func runLocal(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return nil, err
	}

	sc, err := initShared(cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	defer sc.Cleanup()

	return sc.Sandbox.Execute(storage.WithSource(ctx, storage.SourceCLI), req), nil
}

// runRemote executes req on a gateway over WebSocket. Transport failures
// exit directly with a distinct code.
func runRemote(ctx context.Context, server string, req sandbox.ExecutionRequest) *sandbox.ExecutionResult {
	token := goutils.Env("GALAXY_API_KEY", runToken)
	url := ws.HTTPToWS(server, runWSPath)

	client, err := ws.Dial(ctx, url, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", server, err)
		os.Exit(ExitUnavailable)
	}
	defer client.Close()

	result, err := client.Execute(ctx, req)
	if err != nil {
		var remote *ws.RemoteError
		if errors.As(err, &remote) {
			fmt.Fprintf(os.Stderr, "Error: %s: %s\n", remote.Code, remote.Message)
			os.Exit(ExitRejected)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitUnavailable)
	}
	return result
}

// printResult writes output to stdout and the failure to stderr, or the
// whole result as JSON.
func printResult(result *sandbox.ExecutionResult) {
	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	fmt.Print(result.Output)
	if result.Success {
		return
	}
	if result.Output != "" && !strings.HasSuffix(result.Output, "\n") {
		fmt.Println()
	}
	fmt.Fprintln(os.Stderr, result.FailureReport())
}
