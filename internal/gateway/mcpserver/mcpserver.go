// Package mcpserver exposes the sandbox as a Model Context Protocol server
// with a single run_python tool. It serves stdio for local clients and a
// streamable-HTTP handler the HTTP gateway can mount.
package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/galaxy/internal/sandbox"
	"github.com/jkaninda/galaxy/internal/storage"
)

// ToolRunPython is the name of the execution tool.
const ToolRunPython = "run_python"

// Server wraps an MCP server bound to a sandbox.
type Server struct {
	mcp     *server.MCPServer
	sandbox sandbox.Sandbox
	logger  *slog.Logger
}

// New creates an MCP server that executes tool calls on sb.
func New(sb sandbox.Sandbox, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp: server.NewMCPServer("galaxy", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		sandbox: sb,
		logger:  logger,
	}

	s.mcp.AddTool(mcp.NewTool(ToolRunPython,
		mcp.WithDescription("Run a Python snippet in a restricted sandbox and return what it printed. "+
			"Only an allowlisted set of standard modules can be imported; "+
			"files, sockets and subprocesses are unavailable."),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Python source to execute"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	), s.handleRunPython)

	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves newline-delimited JSON-RPC on in/out until ctx is
// cancelled or in is exhausted.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

// HTTPHandler returns the streamable-HTTP transport. It is stateless so
// any replica can answer any request.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithStateLess(true))
}

func (s *Server) handleRunPython(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ctx = storage.WithSource(ctx, storage.SourceMCP)
	result := s.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Code:     code,
		Language: sandbox.LanguagePython,
	})

	s.logger.Info("mcp run_python",
		slog.String("outcome", result.Kind.Outcome()),
		slog.String("execution_id", result.ExecutionID),
	)

	if result.Success {
		return mcp.NewToolResultText(result.Output), nil
	}
	return mcp.NewToolResultError(formatFailure(result)), nil
}

// formatFailure renders any output followed by the failure report.
func formatFailure(result *sandbox.ExecutionResult) string {
	var sb strings.Builder
	if result.Output != "" {
		sb.WriteString(result.Output)
		if !strings.HasSuffix(result.Output, "\n") {
			sb.WriteString("\n")
		}
	}
	sb.WriteString(result.FailureReport())
	return sb.String()
}
