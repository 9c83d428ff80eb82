package observability

import (
	"context"
	"time"
)

// NoopMetrics is a metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordLLMCall(_ context.Context, _ string, _ time.Duration, _, _ int, _ error) {}
func (NoopMetrics) RecordStreamParse(_ context.Context, _ time.Duration, _ bool, _ error)         {}
func (NoopMetrics) RecordChunkOverflow(_ context.Context, _ string)                               {}
func (NoopMetrics) RecordTemplateSelection(_ context.Context, _, _ string, _ bool)                {}
func (NoopMetrics) RecordValidation(_ context.Context, _, _ int)                                  {}
func (NoopMetrics) RecordApprovalDecision(_ context.Context, _ string)                            {}
func (NoopMetrics) RecordHTTPRequest(_ context.Context, _, _ string, _ int, _ time.Duration)      {}

// Ensure implementations satisfy the interface.
var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
