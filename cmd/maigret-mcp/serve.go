package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/maigret-mcp/internal/config"
	"github.com/jkaninda/maigret-mcp/internal/mcpserver"
	"github.com/jkaninda/maigret-mcp/internal/opsapi"
	"github.com/jkaninda/maigret-mcp/internal/reports"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP over stdio (default)",
	RunE:  runServe,
}

// runServe speaks MCP on stdin/stdout until the client disconnects or a
// signal arrives.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("starting maigret-mcp",
		slog.String("version", version),
		slog.String("mode", cfg.Mode),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Docker pulls the image before serving; an unusable runtime is fatal.
	if cfg.Mode == config.ModeDocker {
		r, err := sc.Env.EnsureReady(ctx)
		if err != nil {
			logger.Error("environment not ready", slog.String("error", err.Error()))
			return fmt.Errorf("preparing docker environment: %w", err)
		}
		logger.Info("environment ready",
			slog.String("variant", string(r.Variant)),
			slog.Bool("provisioned", r.Provisioned),
			slog.Duration("duration", r.Duration),
		)
	}

	if retention := cfg.Reports.RetentionPeriod(); retention > 0 {
		pruner, err := reports.NewPruner(sc.Reports, retention, cfg.Reports.PruneSchedule,
			reports.NewMetrics(sc.Obs.MetricsOrNil().RegistryOrNil()), logger)
		if err != nil {
			return err
		}
		cancelPruner := pruner.Start(ctx)
		defer cancelPruner()
	}

	if cfg.Ops != nil && cfg.Ops.ListenAddr != "" {
		ops := startOps(ctx, sc)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ops.Stop(shutdownCtx); err != nil {
				logger.Warn("ops endpoint shutdown", slog.String("error", err.Error()))
			}
		}()
	}

	srv := mcpserver.New(sc.Dispatcher, version, logger)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("serving mcp: %w", err)
	}
	logger.Info("maigret-mcp stopped")
	return nil
}

// startOps launches the ops endpoint in the background. A listen failure
// is logged; MCP serving continues without it.
func startOps(ctx context.Context, sc *SharedComponents) *opsapi.Server {
	health := sc.Obs.Health
	health.AddCheck("environment", sc.Env.Probe)
	if sc.History != nil {
		health.AddCheck("history", sc.History.Ping)
	}

	opsCfg := opsapi.Config{
		ListenAddr:      sc.Config.Ops.ListenAddr,
		HealthChecker:   health,
		Metrics:         sc.Obs.MetricsOrNil(),
		MetricsRegistry: sc.Obs.MetricsOrNil().RegistryOrNil(),
		MetricsPath:     metricsPath(sc.Config),
		Reports:         sc.Reports,
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		opsCfg.Tracer = ts.Tracer()
	}
	if sc.History != nil {
		opsCfg.History = sc.History
	}

	ops := opsapi.New(opsCfg, sc.Logger)
	go func() {
		if err := ops.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sc.Logger.Error("ops endpoint failed", slog.String("error", err.Error()))
		}
	}()
	return ops
}

func metricsPath(cfg *config.Config) string {
	if cfg.Observability == nil {
		return ""
	}
	return cfg.Observability.Metrics.MetricsPath()
}
