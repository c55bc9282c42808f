package reports

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

// DefaultPruneSchedule runs retention once per hour.
const DefaultPruneSchedule = "@hourly"

// Metrics holds Prometheus metrics for report retention.
type Metrics struct {
	Pruned     prometheus.Counter
	PruneFails prometheus.Counter
}

// NewMetrics creates and registers retention metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "maigret_mcp",
			Subsystem: "reports",
			Name:      "pruned_total",
			Help:      "Total report files removed by retention.",
		}),
		PruneFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "maigret_mcp",
			Subsystem: "reports",
			Name:      "prune_failures_total",
			Help:      "Total retention runs that failed.",
		}),
	}
	reg.MustRegister(m.Pruned, m.PruneFails)
	return m
}

// Pruner removes reports older than a retention window on a cron schedule.
type Pruner struct {
	dir       *Dir
	retention time.Duration
	schedule  cron.Schedule
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// ParseSchedule parses a standard 5-field cron expression or a descriptor
// such as "@hourly" or "@every 30m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing prune schedule %q: %w", expr, err)
	}
	return sched, nil
}

// NewPruner creates a Pruner. An empty expr uses DefaultPruneSchedule.
func NewPruner(dir *Dir, retention time.Duration, expr string, metrics *Metrics, logger *slog.Logger) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("report retention must be positive, got %s", retention)
	}
	if expr == "" {
		expr = DefaultPruneSchedule
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	return &Pruner{
		dir:       dir,
		retention: retention,
		schedule:  sched,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// RunOnce prunes immediately and returns the number of removed reports.
func (p *Pruner) RunOnce() (int, error) {
	removed, err := p.dir.Prune(p.retention, p.now())
	if p.metrics != nil {
		p.metrics.Pruned.Add(float64(len(removed)))
		if err != nil {
			p.metrics.PruneFails.Inc()
		}
	}
	if err != nil {
		p.logger.Error("report retention failed",
			slog.String("dir", p.dir.Path()),
			slog.String("error", err.Error()),
		)
		return len(removed), err
	}
	if len(removed) > 0 {
		p.logger.Info("pruned old reports",
			slog.Int("count", len(removed)),
			slog.Duration("retention", p.retention),
		)
	}
	return len(removed), nil
}

// Start runs the pruner in a background goroutine until ctx is cancelled.
// Returns a cancel function.
func (p *Pruner) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		p.logger.Info("report retention started",
			slog.String("dir", p.dir.Path()),
			slog.Duration("retention", p.retention),
		)

		for {
			next := p.schedule.Next(p.now())
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				p.logger.Info("report retention stopped")
				return
			case <-timer.C:
				_, _ = p.RunOnce()
			}
		}
	}()

	return cancel
}
