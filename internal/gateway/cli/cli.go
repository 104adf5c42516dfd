// Package cli implements an interactive read-eval-print gateway on a
// terminal. Every entry runs as its own execution in a fresh namespace.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jkaninda/galaxy/internal/sandbox"
	"github.com/jkaninda/galaxy/internal/storage"
)

const (
	primaryPrompt      = ">>> "
	continuationPrompt = "... "
)

// Gateway is the interactive command-line interface.
type Gateway struct {
	sandbox sandbox.Sandbox
	logger  *slog.Logger
	in      io.Reader
	out     io.Writer
	errOut  io.Writer
	prompts bool
	done    chan struct{} // closed by Stop to signal shutdown
}

// NewGateway creates a REPL on stdin/stdout executing entries on sb.
func NewGateway(sb sandbox.Sandbox, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		sandbox: sb,
		logger:  logger,
		in:      os.Stdin,
		out:     os.Stdout,
		errOut:  os.Stderr,
		prompts: true,
		done:    make(chan struct{}),
	}
}

// WithIO replaces the terminal streams.
func (g *Gateway) WithIO(in io.Reader, out, errOut io.Writer) *Gateway {
	g.in, g.out, g.errOut = in, out, errOut
	return g
}

// WithPrompts toggles the banner and prompts, e.g. off when stdin is piped.
func (g *Gateway) WithPrompts(on bool) *Gateway {
	g.prompts = on
	return g
}

// Start runs the REPL. Blocks until ctx is cancelled, Stop is called, input
// ends, or the user types "exit".
//
// A single line runs immediately. A line ending in ":" or an indented line
// opens a block that runs at the next blank line.
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if g.prompts {
		fmt.Fprintln(g.out, "Galaxy restricted Python. Each entry runs in a fresh namespace.")
		fmt.Fprintln(g.out, `Type "exit" to quit.`)
	}

	var block []string
	for {
		if g.prompts {
			if len(block) == 0 {
				fmt.Fprint(g.out, primaryPrompt)
			} else {
				fmt.Fprint(g.out, continuationPrompt)
			}
		}

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			return nil
		case <-g.done:
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}
		line := scanner.Text()

		if len(block) == 0 {
			trimmed := strings.TrimSpace(line)
			switch {
			case trimmed == "":
				continue
			case trimmed == "exit" || trimmed == "quit":
				return nil
			case opensBlock(line):
				block = append(block, line)
				continue
			}
			g.eval(ctx, line)
			continue
		}

		if strings.TrimSpace(line) != "" {
			block = append(block, line)
			continue
		}
		g.eval(ctx, strings.Join(block, "\n"))
		block = block[:0]
	}

	if len(block) > 0 {
		g.eval(ctx, strings.Join(block, "\n"))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

func (g *Gateway) eval(ctx context.Context, code string) {
	ctx = storage.WithSource(ctx, storage.SourceCLI)
	result := g.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Code:     code,
		Language: sandbox.LanguagePython,
	})

	g.logger.DebugContext(ctx, "cli execute",
		slog.String("outcome", result.Kind.Outcome()),
		slog.String("execution_id", result.ExecutionID),
	)

	fmt.Fprint(g.out, result.Output)
	if result.Output != "" && !strings.HasSuffix(result.Output, "\n") {
		fmt.Fprintln(g.out)
	}
	if !result.Success {
		fmt.Fprintln(g.errOut, result.FailureReport())
	}
}

func opensBlock(line string) bool {
	return strings.HasSuffix(strings.TrimSpace(line), ":") ||
		strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}
