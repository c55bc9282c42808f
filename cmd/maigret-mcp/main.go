// maigret-mcp serves the maigret username OSINT tool over the Model Context Protocol.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "maigret-mcp",
	Short: "MCP server exposing maigret username search over stdio.",
	Long: `maigret-mcp is a Model Context Protocol server that lets MCP clients search
usernames across social networks and parse profile URLs with maigret.

maigret runs either inside a Docker container (default) or in a managed
Python virtual environment (MAIGRET_MODE=venv). Reports are saved to disk
and the tool response tells the client where.`,
	RunE:          runServe, // Default to serving over stdio.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, setupCmd, queryCmd, reportsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
