// Galaxy runs untrusted Python snippets in a capability-restricted sandbox.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "galaxy",
	Short: "Galaxy, a restricted Python execution service.",
	Long: `Galaxy executes short Python snippets inside a capability-restricted
interpreter. Only an allowlisted set of standard modules can be imported;
files, sockets and subprocesses are unavailable. Snippets arrive over HTTP,
WebSocket, MCP or the command line.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, replCmd, mcpCmd, historyCmd, workerCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
