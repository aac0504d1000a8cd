// Package telemetry defines the Logger/Metrics/Tracer interfaces shared by
// every component, following the Options-with-noop-fallback convention used
// throughout this codebase: any component that accepts a nil Logger,
// Metrics, or Tracer gets a noop substituted at construction time.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured key-value log lines.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts and retrieves spans.
	Tracer interface {
		Start(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is a started trace span.
	Span interface {
		End()
		AddEvent(name string, attrs ...any)
		RecordError(err error)
	}
)

type (
	// NoopLogger discards every log call.
	NoopLogger struct{}
	// NoopMetrics discards every metric.
	NoopMetrics struct{}
	// NoopTracer produces spans that do nothing.
	NoopTracer struct{}
	noopSpan   struct{}
)

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)   {}
func (NoopLogger) Error(context.Context, string, ...any)  {}

func (NoopMetrics) IncCounter(string, float64, ...string)           {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string)    {}
func (NoopMetrics) RecordGauge(string, float64, ...string)          {}

func (NoopTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) End()                    {}
func (noopSpan) AddEvent(string, ...any) {}
func (noopSpan) RecordError(error)       {}
