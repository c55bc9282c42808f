package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/maigret-mcp/internal/mcpclient"
)

// Exit codes for the query command.
const (
	ExitSuccess           = 0
	ExitToolError         = 1
	ExitRejected          = 2
	ExitServerUnavailable = 3
)

var (
	queryServerCmd  string
	queryServerArgs []string
	queryServerEnv  []string
	queryTool       string
	queryArgs       []string
	queryList       bool
	queryJSON       bool
	queryTimeout    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Call a tool on an MCP server over stdio",
	Long: `Spawn an MCP server (this binary in serve mode by default), perform the
initialization handshake and either list its tools or call one.

Examples:
  maigret-mcp query --list
  maigret-mcp query --tool search_username --arg username=alice --arg format=txt
  maigret-mcp query --tool search_username --arg username=alice --arg 'tags=["photo","dating"]'
  maigret-mcp query --tool parse_url --arg url=https://github.com/alice
  maigret-mcp query --server-env MAIGRET_MODE=venv --server-env 'MAIGRET_VENV_DIR=$HOME/.maigret-venv' --list

Argument values are parsed as JSON when valid and passed as strings otherwise.

Exit codes:
  0  success
  1  the tool reported an error
  2  the server rejected the call (unknown tool or invalid arguments)
  3  the server could not be started or initialized`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryServerCmd, "server-cmd", "", "server executable (default: this binary, or MAIGRET_MCP_SERVER_CMD)")
	queryCmd.Flags().StringArrayVar(&queryServerArgs, "server-arg", []string{"serve"}, "server argument (repeatable)")
	queryCmd.Flags().StringArrayVar(&queryServerEnv, "server-env", nil, "extra server environment variable as KEY=VALUE, $VARS expanded (repeatable)")
	queryCmd.Flags().StringVarP(&queryTool, "tool", "t", "", "tool to call")
	queryCmd.Flags().StringArrayVarP(&queryArgs, "arg", "a", nil, "tool argument as key=value (repeatable)")
	queryCmd.Flags().BoolVar(&queryList, "list", false, "list the server's tools and exit")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print results as JSON")
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 0, "timeout in seconds (0 = none)")
}

func runQuery(cmd *cobra.Command, _ []string) error {
	if !queryList && queryTool == "" {
		return fmt.Errorf("either --tool or --list is required")
	}
	args, err := parseToolArgs(queryArgs)
	if err != nil {
		return err
	}
	env, err := parseServerEnv(queryServerEnv)
	if err != nil {
		return err
	}

	serverCmd, err := resolveServerCmd(queryServerCmd)
	if err != nil {
		return err
	}

	logger := newQueryLogger()

	ctx := context.Background()
	if queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(queryTimeout)*time.Second)
		defer cancel()
	}

	session, err := mcpclient.Dial(ctx, mcpclient.ServerConfig{
		Command: serverCmd,
		Args:    queryServerArgs,
		Env:     env,
	}, version, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitServerUnavailable)
	}

	code := doQuery(ctx, cmd.OutOrStdout(), session, args)
	_ = session.Close()
	os.Exit(code)
	return nil
}

// doQuery runs the list or call against an initialized session and returns
// the exit code.
func doQuery(ctx context.Context, out io.Writer, session *mcpclient.Session, args map[string]any) int {
	if queryList {
		list, err := session.ListTools(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitServerUnavailable
		}
		if queryJSON {
			return printJSON(out, list)
		}
		for _, t := range list {
			fmt.Fprintf(out, "%s\n  %s\n", t.Name, firstLine(t.Description))
		}
		return ExitSuccess
	}

	res, err := session.CallTool(ctx, queryTool, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitRejected
	}
	if queryJSON {
		if code := printJSON(out, res); code != ExitSuccess {
			return code
		}
	} else {
		fmt.Fprintln(out, res.Text)
	}
	if res.IsError {
		return ExitToolError
	}
	return ExitSuccess
}

// parseToolArgs turns key=value pairs into a tool argument object.
func parseToolArgs(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		args[key] = v
	}
	return args, nil
}

// parseServerEnv turns KEY=VALUE pairs into the spawned server's extra
// environment. Later pairs override earlier ones.
func parseServerEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("invalid --server-env %q: expected KEY=VALUE", p)
		}
		env[key] = value
	}
	return env, nil
}

func resolveServerCmd(flag string) (string, error) {
	if cmd := goutils.Env("MAIGRET_MCP_SERVER_CMD", flag); cmd != "" {
		return cmd, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating maigret-mcp binary: %w", err)
	}
	return exe, nil
}

// newQueryLogger keeps the client quiet unless MAIGRET_LOG_LEVEL asks otherwise.
func newQueryLogger() *slog.Logger {
	level := parseLevel(goutils.Env("MAIGRET_LOG_LEVEL", "warn"))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printJSON(out io.Writer, v any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitToolError
	}
	return ExitSuccess
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
