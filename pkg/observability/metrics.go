package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Port for the standalone scrape endpoint, used only when the bridge
	// server is not running (the bridge serves /metrics itself).
	Port int `yaml:"port"`
}

// SetDefaults applies default values to MetricsConfig.
func (c *MetricsConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 9464
	}
}

// Validate checks MetricsConfig for errors.
func (c *MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid metrics port %d", c.Port)
	}
	return nil
}

// InitMetrics registers the OTel Prometheus exporter and creates the
// pipeline instruments. Disabled config yields a recorder whose calls are
// all no-ops (nil instruments).
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("herald")

	llmDuration, err := meter.Float64Histogram(
		"herald_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"herald_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"herald_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"herald_llm_errors_total",
		metric.WithDescription("Total LLM request errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	parseDuration, err := meter.Float64Histogram(
		"herald_stream_parse_duration_seconds",
		metric.WithDescription("Envelope parse duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create parse duration histogram: %w", err)
	}

	parseRecovered, err := meter.Int64Counter(
		"herald_stream_parse_recovered_total",
		metric.WithDescription("Envelope parses that succeeded via truncation recovery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create parse recovered counter: %w", err)
	}

	parseErrors, err := meter.Int64Counter(
		"herald_stream_parse_errors_total",
		metric.WithDescription("Envelope parses that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create parse errors counter: %w", err)
	}

	chunksDropped, err := meter.Int64Counter(
		"herald_stream_chunks_dropped_total",
		metric.WithDescription("Chunks dropped due to queue overflow"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunks dropped counter: %w", err)
	}

	templateSelections, err := meter.Int64Counter(
		"herald_template_selections_total",
		metric.WithDescription("Template selections by template, band, and fallback"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create template selections counter: %w", err)
	}

	validationFindings, err := meter.Int64Counter(
		"herald_validation_findings_total",
		metric.WithDescription("Validation findings by severity"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation findings counter: %w", err)
	}

	approvalDecisions, err := meter.Int64Counter(
		"herald_approval_decisions_total",
		metric.WithDescription("Approval decisions by action"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval decisions counter: %w", err)
	}

	httpDuration, err := meter.Float64Histogram(
		"herald_http_request_duration_seconds",
		metric.WithDescription("Bridge HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"herald_http_requests_total",
		metric.WithDescription("Total bridge HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return &PrometheusMetrics{
		llmDuration:        llmDuration,
		llmInputTokens:     llmInputTokens,
		llmOutputTokens:    llmOutputTokens,
		llmErrorsTotal:     llmErrors,
		parseDuration:      parseDuration,
		parseRecovered:     parseRecovered,
		parseErrorsTotal:   parseErrors,
		chunksDropped:      chunksDropped,
		templateSelections: templateSelections,
		validationFindings: validationFindings,
		approvalDecisions:  approvalDecisions,
		httpDuration:       httpDuration,
		httpRequestsTotal:  httpRequests,
	}, nil
}
