package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/maigret-mcp/internal/environment"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Provision the maigret environment and exit",
	Long: `Run the readiness check once: verify the runtime, pull the image or
create the virtual environment, install or upgrade maigret, and verify it.
Useful before registering the server with an MCP client.`,
	RunE: runSetup,
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := sc.Env.EnsureReady(ctx)
	if err != nil {
		return err
	}

	printReadiness(cmd.OutOrStdout(), r, sc.Env.Location(), sc.Reports.Path())
	return nil
}

func printReadiness(out io.Writer, r environment.Readiness, location, reportsPath string) {
	fmt.Fprintf(out, "environment: %s\n", r.Variant)
	fmt.Fprintf(out, "location:    %s\n", location)
	fmt.Fprintf(out, "state:       %s\n", r.State)
	fmt.Fprintf(out, "provisioned: %t\n", r.Provisioned)
	fmt.Fprintf(out, "upgraded:    %t\n", r.Upgraded)
	fmt.Fprintf(out, "reports:     %s\n", reportsPath)
	fmt.Fprintf(out, "took:        %s\n", r.Duration.Round(time.Millisecond))
}
