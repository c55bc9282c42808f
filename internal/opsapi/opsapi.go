// Package opsapi serves the optional operations endpoint: liveness,
// readiness, Prometheus metrics, saved reports and recent call history.
// It never exposes tool execution; tools are reachable over MCP only.
package opsapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/maigret-mcp/internal/observability"
	"github.com/jkaninda/maigret-mcp/internal/reports"
	"github.com/jkaninda/maigret-mcp/internal/storage"
)

// HistoryReader lists recent tool calls. storage.Store satisfies it.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]storage.CallRecord, error)
}

// Config configures the ops server.
type Config struct {
	ListenAddr      string
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector // For HTTP request metrics.
	MetricsRegistry *prometheus.Registry            // Exposed on MetricsPath when non-nil.
	MetricsPath     string                          // Default: "/metrics".
	Tracer          trace.Tracer
	Reports         *reports.Dir
	History         HistoryReader // Nil disables /v1/history.
}

// Server is the ops HTTP server.
type Server struct {
	config Config
	logger *slog.Logger
	okapi  *okapi.Okapi
	server *http.Server
}

// New creates an ops server. Routes are mounted on Start.
func New(cfg Config, logger *slog.Logger) *Server {
	return &Server{
		config: cfg,
		logger: logger,
		okapi:  okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.routes()

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("ops endpoint starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// routes mounts middleware and handlers on the okapi router.
func (s *Server) routes() {
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	if s.config.Reports != nil {
		s.okapi.Get("/v1/reports", s.handleReports)
	}
	if s.config.History != nil {
		s.okapi.Get("/v1/history", s.handleHistory)
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("ops endpoint stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Handlers ---

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
}

// ReportResponse describes one saved report.
type ReportResponse struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

func (s *Server) handleLiveness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	h := s.config.HealthChecker.CheckHealth()
	return c.OK(&HealthResponse{Status: h.Status, Uptime: h.Uptime})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (s *Server) handleReports(c *okapi.Context) error {
	list, err := s.listReports()
	if err != nil {
		s.logger.Error("listing reports", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to list reports")
	}
	return c.OK(list)
}

func (s *Server) listReports() ([]ReportResponse, error) {
	list, err := s.config.Reports.List()
	if err != nil {
		return nil, err
	}
	out := make([]ReportResponse, 0, len(list))
	for _, r := range list {
		out = append(out, ReportResponse{
			Name:       r.Name,
			Path:       r.Path,
			Size:       r.Size,
			ModifiedAt: r.ModTime.UTC(),
		})
	}
	return out, nil
}

// handleHistory serves GET /v1/history?limit=N.
func (s *Server) handleHistory(c *okapi.Context) error {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}

	recs, err := s.config.History.Recent(c.Context(), storage.NormalizeLimit(limit))
	if err != nil {
		s.logger.Error("listing history", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to list history")
	}
	if recs == nil {
		recs = []storage.CallRecord{}
	}
	return c.OK(recs)
}
