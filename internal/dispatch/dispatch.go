// Package dispatch routes tool calls to registered tools.
//
// Flow: lookup → validate → ensure environment ready → execute → record.
// Unknown tools and malformed arguments are rejected before the environment
// is touched, so neither can provision anything or spawn a process.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/maigret-mcp/internal/environment"
	"github.com/jkaninda/maigret-mcp/internal/ratelimit"
	"github.com/jkaninda/maigret-mcp/internal/storage"
	"github.com/jkaninda/maigret-mcp/internal/tools"
)

// ErrMethodNotFound is returned by Call when no tool has the requested name.
var ErrMethodNotFound = errors.New("method not found")

// MetaCallID is the result metadata key carrying the call's ID.
const MetaCallID = "call_id"

// maxErrorMessage caps failure text returned to the client. Provisioning
// errors can carry a full pip or docker transcript.
const maxErrorMessage = 4 << 10

// Recorder persists finished calls. storage.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, rec *storage.CallRecord) error
}

// Dispatcher executes tool calls against one environment.
type Dispatcher struct {
	registry *tools.Registry
	env      environment.Environment
	history  Recorder
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHistory records every call that reaches the environment.
func WithHistory(r Recorder) Option {
	return func(d *Dispatcher) { d.history = r }
}

// WithRateLimit caps how often each tool may run. Limited calls are
// reported as tool errors and never reach the environment.
func WithRateLimit(l *ratelimit.Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// New creates a Dispatcher.
func New(registry *tools.Registry, env environment.Environment, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		env:      env,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// List returns the tool catalog sorted by name.
func (d *Dispatcher) List() []tools.Tool {
	return d.registry.All()
}

// Lookup returns the named tool or ErrMethodNotFound.
func (d *Dispatcher) Lookup(name string) (tools.Tool, error) {
	tool := d.registry.Get(name)
	if tool == nil {
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrMethodNotFound, name, strings.Join(d.registry.List(), ", "))
	}
	return tool, nil
}

// Call runs the named tool. Protocol-level failures (unknown tool, invalid
// arguments) are returned as errors; everything that happens after
// validation is reported through the Result.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	tool, err := d.Lookup(name)
	if err != nil {
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := tool.Validate(args); err != nil {
		if !errors.Is(err, tools.ErrInvalidArguments) {
			err = fmt.Errorf("%w: %w", tools.ErrInvalidArguments, err)
		}
		return nil, fmt.Errorf("tool %s validation: %w", name, err)
	}

	callID := uuid.New()
	started := d.now()
	logger := d.logger.With(
		slog.String("tool", name),
		slog.String("call_id", callID.String()),
	)
	logger.InfoContext(ctx, "executing tool")

	rec := &storage.CallRecord{
		ID:        callID,
		Tool:      name,
		Subject:   subjectOf(args),
		StartedAt: started.UTC(),
	}

	result := d.execute(ctx, logger, tool, args, rec)
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	result.Metadata[MetaCallID] = callID.String()

	finished := d.now()
	rec.FinishedAt = finished.UTC()
	rec.DurationMs = finished.Sub(started).Milliseconds()
	d.record(ctx, logger, rec)

	logger.InfoContext(ctx, "tool finished",
		slog.String("status", rec.Status),
		slog.Duration("duration", finished.Sub(started)),
	)
	return result, nil
}

func (d *Dispatcher) execute(ctx context.Context, logger *slog.Logger, tool tools.Tool, args map[string]any, rec *storage.CallRecord) *tools.Result {
	if err := d.limiter.Allow(tool.Name()); err != nil {
		rec.Status = storage.StatusRateLimited
		rec.Error = err.Error()
		logger.WarnContext(ctx, "tool call rate limited")
		return tools.ErrorResult(fmt.Sprintf("Rate limit exceeded for %s; retry in %s.", tool.Name(), d.limiter.RetryAfter(tool.Name())), nil)
	}

	if _, err := d.env.EnsureReady(ctx); err != nil {
		rec.Status = storage.StatusProvisioningFailed
		rec.Error = err.Error()
		logger.ErrorContext(ctx, "environment not ready", slog.String("error", err.Error()))
		return tools.ErrorResult(tools.TruncateOutput(fmt.Sprintf("Environment not ready: %v", err), maxErrorMessage), nil)
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		rec.Status = storage.StatusFailed
		rec.Error = err.Error()
		logger.ErrorContext(ctx, "tool execution failed", slog.String("error", err.Error()))
		return tools.ErrorResult(tools.TruncateOutput(fmt.Sprintf("%s failed: %v", tool.Name(), err), maxErrorMessage), nil)
	}
	if result == nil {
		result = &tools.Result{}
	}

	applyMetadata(rec, result.Metadata)
	if result.IsError {
		rec.Status = storage.StatusToolError
		rec.Error = result.Output
	} else {
		rec.Status = storage.StatusSuccess
	}
	return result
}

func (d *Dispatcher) record(ctx context.Context, logger *slog.Logger, rec *storage.CallRecord) {
	if d.history == nil {
		return
	}
	// The call already finished; a client cancel must not drop its record.
	if err := d.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		logger.WarnContext(ctx, "failed to record call", slog.String("error", err.Error()))
	}
}

func applyMetadata(rec *storage.CallRecord, meta map[string]any) {
	if s, ok := meta[tools.MetaSubject].(string); ok {
		rec.Subject = s
	}
	if s, ok := meta[tools.MetaFormat].(string); ok {
		rec.Format = s
	}
	if s, ok := meta[tools.MetaReportPath].(string); ok {
		rec.ReportPath = s
	}
	if n, ok := meta[tools.MetaExitCode].(int); ok {
		rec.ExitCode = n
	}
}

func subjectOf(args map[string]any) string {
	for _, key := range []string{"username", "url"} {
		if s, ok := args[key].(string); ok {
			return s
		}
	}
	return ""
}
