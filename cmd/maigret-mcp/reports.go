package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/maigret-mcp/internal/reports"
)

var (
	reportsPrune     bool
	reportsRetention string
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List saved reports",
	Long: `List the report files in the reports directory of the configured mode,
newest first. With --prune, reports older than the retention period
(reports.retention, or --retention) are removed first.`,
	RunE: runReports,
}

func init() {
	reportsCmd.Flags().BoolVar(&reportsPrune, "prune", false, "remove reports older than the retention period before listing")
	reportsCmd.Flags().StringVar(&reportsRetention, "retention", "", "retention override, e.g. 720h")
}

func runReports(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	path, err := cfg.ReportsDir()
	if err != nil {
		return fmt.Errorf("resolving reports directory: %w", err)
	}
	dir, err := reports.New(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if reportsPrune {
		retention := cfg.Reports.RetentionPeriod()
		if reportsRetention != "" {
			if retention, err = time.ParseDuration(reportsRetention); err != nil {
				return fmt.Errorf("invalid --retention: %w", err)
			}
		}
		pruner, err := reports.NewPruner(dir, retention, cfg.Reports.PruneSchedule, nil, logger)
		if err != nil {
			return err
		}
		n, err := pruner.RunOnce()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "pruned %d report(s) older than %s\n", n, retention)
	}

	list, err := dir.List()
	if err != nil {
		return err
	}
	return printReports(out, dir.Path(), list)
}

func printReports(out io.Writer, path string, list []reports.Report) error {
	if len(list) == 0 {
		fmt.Fprintf(out, "no reports in %s\n", path)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Name, r.Size, r.ModTime.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
