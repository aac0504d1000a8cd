package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const scopeName = "github.com/sprintctl/supervisor"

type (
	// ClueLogger delegates to goa.design/clue/log. Formatting and debug
	// settings come from the context (set via log.Context and
	// log.WithFormat/log.WithDebug in cmd/supervisor). Call sites across the
	// supervisor pass an "error" key carrying an error value; this logger
	// folds that value into clue's dedicated error slot so the rendered line
	// gets clue's err field instead of a stringified KV.
	ClueLogger struct{}

	// ClueMetrics records counters/timers/gauges through OTEL. Instruments
	// are created once per name and cached: the dispatch loop and backend
	// client hit the same handful of series (supervisor_intent_failed,
	// backend_request_duration, ...) on every run, so per-call instrument
	// construction would dominate the recording cost.
	ClueMetrics struct {
		meter      metric.Meter
		mu         sync.Mutex
		counters   map[string]metric.Float64Counter
		histograms map[string]metric.Float64Histogram
	}

	// ClueTracer starts OTEL spans for dispatch-scoped work.
	ClueTracer struct {
		tracer trace.Tracer
	}

	clueSpan struct {
		span trace.Span
	}
)

// NewClueLogger constructs a Logger backed by goa.design/clue/log.
func NewClueLogger() Logger { return ClueLogger{} }

// NewClueMetrics constructs a Metrics recorder backed by OTEL.
func NewClueMetrics() Metrics {
	return &ClueMetrics{
		meter:      otel.Meter(scopeName),
		counters:   map[string]metric.Float64Counter{},
		histograms: map[string]metric.Float64Histogram{},
	}
}

// NewClueTracer constructs a Tracer backed by OTEL.
func NewClueTracer() Tracer {
	return &ClueTracer{tracer: otel.Tracer(scopeName)}
}

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	fields, err := splitFields(msg, keyvals)
	if err != nil {
		fields = append(fields, log.KV{K: "err", V: err.Error()})
	}
	log.Debug(ctx, fields...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	fields, err := splitFields(msg, keyvals)
	if err != nil {
		fields = append(fields, log.KV{K: "err", V: err.Error()})
	}
	log.Print(ctx, fields...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fields, err := splitFields(msg, keyvals)
	if err != nil {
		fields = append(fields, log.KV{K: "err", V: err.Error()})
	}
	log.Print(ctx, append(fields, log.KV{K: "severity", V: "warning"})...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	fields, err := splitFields(msg, keyvals)
	log.Error(ctx, err, fields...)
}

// splitFields renders msg plus keyvals as clue fielders, pulling the first
// "error"-keyed error value out so Error can hand it to clue directly.
func splitFields(msg string, keyvals []any) ([]log.Fielder, error) {
	fields := []log.Fielder{log.KV{K: "msg", V: msg}}
	var firstErr error
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		if k == "error" && firstErr == nil {
			if e, ok := keyvals[i+1].(error); ok {
				firstErr = e
				continue
			}
		}
		fields = append(fields, log.KV{K: k, V: keyvals[i+1]})
	}
	return fields, firstErr
}

func (m *ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		var err error
		counter, err = m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *ClueMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	m.record(name, duration.Seconds(), tags)
}

func (m *ClueMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.record(name+"_gauge", value, tags)
}

func (m *ClueMetrics) record(name string, value float64, tags []string) {
	m.mu.Lock()
	histogram, ok := m.histograms[name]
	if !ok {
		var err error
		histogram, err = m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = histogram
	}
	m.mu.Unlock()
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (t *ClueTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name)
	return newCtx, &clueSpan{span: span}
}

func (s *clueSpan) End() { s.span.End() }

func (s *clueSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}

func (s *clueSpan) RecordError(err error) {
	s.span.RecordError(err)
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

func kvToAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		switch val := keyvals[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case error:
			attrs = append(attrs, attribute.String(k, val.Error()))
		}
	}
	return attrs
}
