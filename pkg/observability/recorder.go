package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records pipeline events. Implementations must tolerate being
// called with a zero value (nil instruments record nothing).
type Metrics interface {
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordStreamParse(ctx context.Context, duration time.Duration, recovered bool, err error)
	RecordChunkOverflow(ctx context.Context, streamID string)
	RecordTemplateSelection(ctx context.Context, template, band string, fallback bool)
	RecordValidation(ctx context.Context, errors, warnings int)
	RecordApprovalDecision(ctx context.Context, action string)
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration)
}

type PrometheusMetrics struct {
	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	parseDuration    metric.Float64Histogram
	parseRecovered   metric.Int64Counter
	parseErrorsTotal metric.Int64Counter
	chunksDropped    metric.Int64Counter

	templateSelections metric.Int64Counter
	validationFindings metric.Int64Counter
	approvalDecisions  metric.Int64Counter

	httpDuration      metric.Float64Histogram
	httpRequestsTotal metric.Int64Counter
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))

	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordStreamParse(ctx context.Context, duration time.Duration, recovered bool, err error) {
	if m == nil || m.parseDuration == nil {
		return
	}

	m.parseDuration.Record(ctx, duration.Seconds())

	if recovered && m.parseRecovered != nil {
		m.parseRecovered.Add(ctx, 1)
	}
	if err != nil && m.parseErrorsTotal != nil {
		m.parseErrorsTotal.Add(ctx, 1)
	}
}

// RecordChunkOverflow counts a dropped chunk. The stream ID is deliberately
// not a label: stream IDs are unbounded and would explode cardinality.
func (m *PrometheusMetrics) RecordChunkOverflow(ctx context.Context, streamID string) {
	if m == nil || m.chunksDropped == nil {
		return
	}
	m.chunksDropped.Add(ctx, 1)
}

func (m *PrometheusMetrics) RecordTemplateSelection(ctx context.Context, template, band string, fallback bool) {
	if m == nil || m.templateSelections == nil {
		return
	}

	m.templateSelections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("template", template),
		attribute.String("band", band),
		attribute.Bool("fallback", fallback),
	))
}

func (m *PrometheusMetrics) RecordValidation(ctx context.Context, errors, warnings int) {
	if m == nil || m.validationFindings == nil {
		return
	}

	if errors > 0 {
		m.validationFindings.Add(ctx, int64(errors), metric.WithAttributes(
			attribute.String("severity", "error"),
		))
	}
	if warnings > 0 {
		m.validationFindings.Add(ctx, int64(warnings), metric.WithAttributes(
			attribute.String("severity", "warning"),
		))
	}
}

func (m *PrometheusMetrics) RecordApprovalDecision(ctx context.Context, action string) {
	if m == nil || m.approvalDecisions == nil {
		return
	}
	m.approvalDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
	))
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", statusCode),
	}

	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the installed recorder, or a no-op one so callers
// can record unconditionally.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if globalMetrics == nil {
		return NoopMetrics{}
	}
	return globalMetrics
}
