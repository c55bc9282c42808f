package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/maigret-mcp/internal/config"
	"github.com/jkaninda/maigret-mcp/internal/dispatch"
	"github.com/jkaninda/maigret-mcp/internal/environment"
	"github.com/jkaninda/maigret-mcp/internal/observability"
	"github.com/jkaninda/maigret-mcp/internal/ratelimit"
	"github.com/jkaninda/maigret-mcp/internal/reports"
	"github.com/jkaninda/maigret-mcp/internal/runner"
	"github.com/jkaninda/maigret-mcp/internal/storage"
	pgstore "github.com/jkaninda/maigret-mcp/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/maigret-mcp/internal/storage/sqlite"
	"github.com/jkaninda/maigret-mcp/internal/tools"
	"github.com/jkaninda/maigret-mcp/internal/tools/maigret"
	"github.com/jkaninda/maigret-mcp/internal/workspace"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.maigret-mcp/config.yaml if present)")
}

// loadConfig resolves the config path (MAIGRET_MCP_CONFIG wins over --config)
// and builds the stderr logger from it.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(goutils.Env("MAIGRET_MCP_CONFIG", configPath))
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newLogger writes to stderr only; stdout carries the MCP stream.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SharedComponents holds the subsystems every command builds from config.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config     *config.Config
	Logger     *slog.Logger
	Workspace  *workspace.Workspace
	Obs        *observability.Observability
	Runner     runner.Runner
	Env        environment.Environment
	Reports    *reports.Dir
	ToolReg    *tools.Registry
	History    storage.Store // nil = history disabled.
	Dispatcher *dispatch.Dispatcher

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared wires runner, environment, reports, tools, history and
// dispatcher. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}
	ok := false
	defer func() {
		if !ok {
			sc.Cleanup()
		}
	}()

	ws, err := workspace.New(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(ctx)
	})

	sc.Runner = observability.NewInstrumentedRunner(
		runner.New(runner.Config{
			MaxOutputBytes: cfg.Runner.OutputLimit(),
			Timeout:        cfg.Runner.CommandTimeout(),
		}, logger),
		obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil(),
	)

	reportsPath, err := cfg.ReportsDir()
	if err != nil {
		return nil, fmt.Errorf("resolving reports directory: %w", err)
	}
	dir, err := reports.New(reportsPath)
	if err != nil {
		return nil, fmt.Errorf("initializing reports directory: %w", err)
	}
	sc.Reports = dir

	env, err := initEnvironment(cfg, dir, sc.Runner, logger)
	if err != nil {
		return nil, err
	}
	sc.Env = observability.NewInstrumentedEnvironment(env, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())

	sc.ToolReg = initTools(sc)

	var opts []dispatch.Option
	if cfg.RateLimit.Enabled() {
		opts = append(opts, dispatch.WithRateLimit(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.Burst,
		})))
	}
	if cfg.History.IsEnabled() {
		store, err := initStore(cfg, ws, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing history store: %w", err)
		}
		sc.History = store
		sc.addCleanup(func() { _ = store.Close() })
		opts = append(opts, dispatch.WithHistory(store))
	}
	sc.Dispatcher = dispatch.New(sc.ToolReg, sc.Env, logger, opts...)

	ok = true
	return sc, nil
}

// initEnvironment builds the Docker or Venv environment selected by config.
func initEnvironment(cfg *config.Config, dir *reports.Dir, r runner.Runner, logger *slog.Logger) (environment.Environment, error) {
	switch cfg.Mode {
	case config.ModeDocker:
		return environment.NewDocker(environment.DockerConfig{
			Binary:     cfg.Docker.Binary,
			Image:      cfg.Docker.Image,
			ReportsDir: dir.Path(),
		}, r, logger), nil
	case config.ModeVenv:
		policy, err := environment.ParseUpgradePolicy(cfg.Venv.UpgradePolicy)
		if err != nil {
			return nil, err
		}
		return environment.NewVenv(environment.VenvConfig{
			Dir:           cfg.Venv.Dir,
			Python:        cfg.Venv.Python,
			Package:       cfg.Venv.Package,
			BootstrapURL:  cfg.Venv.BootstrapURL,
			UpgradePolicy: policy,
		}, r, logger), nil
	default:
		return nil, fmt.Errorf("unknown mode: %q", cfg.Mode)
	}
}

// initTools registers the maigret tools, instrumented when observability is on.
func initTools(sc *SharedComponents) *tools.Registry {
	staging := tools.NewRegistry()
	maigret.Register(staging, maigret.Deps{
		Env:     sc.Env,
		Runner:  sc.Runner,
		Reports: sc.Reports,
		Config:  maigret.DefaultConfig(sc.Env.Variant()),
		Logger:  sc.Logger,
	})

	reg := tools.NewRegistry()
	for _, t := range staging.All() {
		reg.Register(observability.NewInstrumentedTool(t, sc.Obs.MetricsOrNil(), sc.Obs.TracerOrNil(), sc.Obs.AnomalyOrNil()))
	}
	return reg
}

// initStore creates the history backend from config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.History.StorageDriver(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.HistoryDBPath()
	if cfg.History.Path != "" {
		dbPath = cfg.HistoryPath()
	}
	store, err := sqlitestore.Open(sqlitestore.Config{Path: dbPath}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	return store, nil
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.History.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set history.dsn or MAIGRET_HISTORY_DSN)")
	}
	db, err := pgstore.Open(pgstore.Config{DSN: cfg.History.DSN}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return db, nil
}
