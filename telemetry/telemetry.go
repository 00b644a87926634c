// Package telemetry is the kernel's composition-root observability layer:
// a goa.design/clue/log-backed slog.Handler so every existing *slog.Logger
// consumer in the tree logs through clue without changing call sites, an
// OTEL tracer for the orchestrator's execution spans, and the Prometheus
// registry backing the admin server's /metrics endpoint.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/prometheus/client_golang/prometheus"
)

const tracerName = "github.com/eyeflow-dev/kernel"

// Setup configures the clue logging context for the process: JSON output
// normally, human-readable when attached to a terminal, matching the
// format selection the reference CLI performs at startup.
func Setup(ctx context.Context, debug bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

// NewLogger returns a *slog.Logger whose records are rendered by
// goa.design/clue/log using ctx's configured format. Passing this logger
// into the rest of the kernel's constructors (cancelbus.New, trigger.New,
// auditexport.WithLogger, ...) means every log line in the process, not
// just the composition root's own, goes through clue.
func NewLogger(ctx context.Context) *slog.Logger {
	return slog.New(&clueHandler{ctx: ctx})
}

// clueHandler adapts slog's Handler interface onto clue/log's package-level
// Debug/Info/Warn/Error functions (runtime/agent/telemetry/clue.go's
// ClueLogger does the same translation for the agent runtime's own Logger
// interface; this does it at the slog boundary instead so the rest of the
// kernel keeps using the stdlib logging API).
type clueHandler struct {
	ctx   context.Context
	attrs []slog.Attr
}

func (h *clueHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *clueHandler) Handle(ctx context.Context, r slog.Record) error {
	fielders := make([]log.Fielder, 0, len(h.attrs)+r.NumAttrs()+1)
	fielders = append(fielders, log.KV{K: "msg", V: r.Message})
	for _, a := range h.attrs {
		fielders = append(fielders, log.KV{K: a.Key, V: a.Value.Any()})
	}
	r.Attrs(func(a slog.Attr) bool {
		fielders = append(fielders, log.KV{K: a.Key, V: a.Value.Any()})
		return true
	})
	switch {
	case r.Level >= slog.LevelError:
		log.Error(h.ctx, nil, fielders...)
	case r.Level >= slog.LevelWarn:
		log.Warn(h.ctx, fielders...)
	case r.Level >= slog.LevelInfo:
		log.Info(h.ctx, fielders...)
	default:
		log.Debug(h.ctx, fielders...)
	}
	return nil
}

func (h *clueHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &clueHandler{ctx: h.ctx, attrs: make([]slog.Attr, 0, len(h.attrs)+len(attrs))}
	next.attrs = append(next.attrs, h.attrs...)
	next.attrs = append(next.attrs, attrs...)
	return next
}

func (h *clueHandler) WithGroup(string) slog.Handler { return h }

// Tracer starts OTEL spans around orchestrator executions.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer builds a Tracer against the global OTEL TracerProvider.
// Configure the provider via OTEL_EXPORTER_OTLP_ENDPOINT or
// otel.SetTracerProvider before constructing this; an unconfigured
// provider is a safe no-op exporter.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartExecutionSpan starts a span covering one orchestrator.Execute call.
// The caller must invoke the returned end func exactly once, passing the
// run's terminal error (nil on success).
func (t *Tracer) StartExecutionSpan(ctx context.Context, projectID, executionID string) (context.Context, func(error)) {
	ctx, span := t.tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.String("projectId", projectID),
		attribute.String("executionId", executionID),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// Metrics holds the kernel's Prometheus collectors, registered against a
// private registry so the admin server's /metrics endpoint reports only
// kernel-owned series.
type Metrics struct {
	Registry           *prometheus.Registry
	ActiveExecutions   prometheus.Gauge
	ExecutionDurations prometheus.Histogram
	ExecutionFailures  *prometheus.CounterVec
}

// NewMetrics constructs and registers the kernel's execution metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eyeflow",
			Subsystem: "orchestrator",
			Name:      "active_executions",
			Help:      "Number of workflow executions currently running.",
		}),
		ExecutionDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eyeflow",
			Subsystem: "orchestrator",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of completed workflow executions.",
			Buckets:   prometheus.DefBuckets,
		}),
		ExecutionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eyeflow",
			Subsystem: "orchestrator",
			Name:      "execution_failures_total",
			Help:      "Completed workflow executions by terminal status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.ActiveExecutions, m.ExecutionDurations, m.ExecutionFailures)
	return m
}

// IncActive marks one more execution as running.
func (m *Metrics) IncActive() { m.ActiveExecutions.Inc() }

// DecActive marks one execution as no longer running.
func (m *Metrics) DecActive() { m.ActiveExecutions.Dec() }

// ObserveDuration records one execution's wall-clock duration.
func (m *Metrics) ObserveDuration(seconds float64) { m.ExecutionDurations.Observe(seconds) }

// IncFailure counts one execution reaching a terminal status.
func (m *Metrics) IncFailure(status string) { m.ExecutionFailures.WithLabelValues(status).Inc() }
