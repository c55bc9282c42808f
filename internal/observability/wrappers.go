package observability

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/maigret-mcp/internal/environment"
	"github.com/jkaninda/maigret-mcp/internal/runner"
	"github.com/jkaninda/maigret-mcp/internal/tools"
)

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a runner.Runner with metrics, tracing, and anomaly detection.
type InstrumentedRunner struct {
	inner   runner.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a command runner with observability.
func NewInstrumentedRunner(inner runner.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	program := programName(cmd)

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "runner.run",
			trace.WithAttributes(
				attribute.String("runner.program", program),
				attribute.Int("runner.argc", len(cmd.Args)),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := r.inner.Run(ctx, cmd)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = runnerStatus(err)
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			var ee *runner.ExecError
			if errors.As(err, &ee) {
				span.SetAttributes(attribute.Int("runner.exit_code", ee.ExitCode))
			}
		}
	}

	if r.metrics != nil {
		r.metrics.RunnerExecutionsTotal.WithLabelValues(program, status).Inc()
		r.metrics.RunnerExecutionDuration.WithLabelValues(program).Observe(duration)
	}

	if r.anomaly != nil {
		if err != nil {
			r.anomaly.RecordError("runner_" + program)
		} else {
			r.anomaly.RecordSuccess("runner_" + program)
		}
	}

	return result, err
}

func runnerStatus(err error) string {
	switch {
	case errors.Is(err, runner.ErrBufferOverflow):
		return "overflow"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func programName(cmd runner.Command) string {
	if len(cmd.Args) == 0 {
		return "unknown"
	}
	return filepath.Base(cmd.Args[0])
}

// --- InstrumentedEnvironment ---

// InstrumentedEnvironment wraps an environment.Environment so every
// readiness check is traced and counted by outcome.
type InstrumentedEnvironment struct {
	environment.Environment
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedEnvironment wraps an environment with observability.
func NewInstrumentedEnvironment(inner environment.Environment, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedEnvironment {
	return &InstrumentedEnvironment{
		Environment: inner,
		metrics:     metrics,
		tracer:      tracerOf(ts),
		anomaly:     anomaly,
	}
}

func (e *InstrumentedEnvironment) EnsureReady(ctx context.Context) (environment.Readiness, error) {
	variant := string(e.Environment.Variant())

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "environment.ensure_ready",
			trace.WithAttributes(attribute.String("environment.variant", variant)))
		defer span.End()
	}

	start := time.Now()
	readiness, err := e.Environment.EnsureReady(ctx)
	duration := time.Since(start).Seconds()

	result := "ready"
	if err != nil {
		result = "error"
		var pe *environment.ProvisioningError
		if errors.As(err, &pe) {
			result = string(pe.Stage)
		}
		if e.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if e.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Bool("environment.provisioned", readiness.Provisioned),
			attribute.Bool("environment.upgraded", readiness.Upgraded),
		)
	}

	if e.metrics != nil {
		e.metrics.ProvisioningTotal.WithLabelValues(variant, result).Inc()
		e.metrics.ProvisioningDuration.WithLabelValues(variant).Observe(duration)
	}

	if e.anomaly != nil {
		if err != nil {
			e.anomaly.RecordError("environment_" + variant)
		} else {
			e.anomaly.RecordSuccess("environment_" + variant)
		}
	}

	return readiness, err
}

// --- InstrumentedTool ---

// InstrumentedTool wraps a tools.Tool so every execution is traced and
// counted. Validation is passed through untouched.
type InstrumentedTool struct {
	tools.Tool
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedTool wraps a tool with observability.
func NewInstrumentedTool(inner tools.Tool, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedTool {
	return &InstrumentedTool{
		Tool:    inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
		anomaly: anomaly,
	}
}

func (t *InstrumentedTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	name := t.Tool.Name()

	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.Start(ctx, "tool.execute",
			trace.WithAttributes(attribute.String("tool.name", name)))
		defer span.End()
	}

	if t.metrics != nil {
		t.metrics.ActiveToolCalls.Inc()
		defer t.metrics.ActiveToolCalls.Dec()
	}

	start := time.Now()
	result, err := t.Tool.Execute(ctx, params)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if t.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil && result.IsError:
		status = "tool_error"
		if t.tracer != nil {
			trace.SpanFromContext(ctx).SetStatus(codes.Error, "tool reported an error")
		}
	}

	if t.metrics != nil {
		t.metrics.ToolCallsTotal.WithLabelValues(name, status).Inc()
		t.metrics.ToolCallDuration.WithLabelValues(name).Observe(duration)
	}

	if t.anomaly != nil {
		if status != "success" {
			t.anomaly.RecordError("tool_" + name)
		} else {
			t.anomaly.RecordSuccess("tool_" + name)
		}
	}

	return result, err
}

// --- Compile-time interface checks ---

var (
	_ runner.Runner           = (*InstrumentedRunner)(nil)
	_ environment.Environment = (*InstrumentedEnvironment)(nil)
	_ tools.Tool              = (*InstrumentedTool)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
