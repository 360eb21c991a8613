package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests, jobs, phases and tools take
// - Traffic: Request/job/tool throughput
// - Errors: Rate of failures
// - Saturation: Concurrent jobs and open log streams
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter
	JobsSwept      metric.Int64Counter

	// Phase and tool metrics (Latency, Errors)
	PhaseDuration   metric.Float64Histogram
	ToolDuration    metric.Float64Histogram
	ToolInvocations metric.Int64Counter

	// Stream metrics (Saturation)
	StreamsActive  metric.Int64UpDownCounter
	StreamsDropped metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("astraops")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 30, 60, 300, 600, 900, 1200, 1800, 2700, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSwept, err = meter.Int64Counter(
		"jobs_swept_total",
		metric.WithDescription("Total number of job records removed by age"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Phase and tool metrics
	m.PhaseDuration, err = meter.Float64Histogram(
		"phase_duration_seconds",
		metric.WithDescription("Workflow phase duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 30, 60, 300, 600, 1200, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ToolDuration, err = meter.Float64Histogram(
		"tool_duration_seconds",
		metric.WithDescription("External tool invocation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ToolInvocations, err = meter.Int64Counter(
		"tool_invocations_total",
		metric.WithDescription("Total number of external tool invocations"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Stream metrics
	m.StreamsActive, err = meter.Int64UpDownCounter(
		"log_streams_active",
		metric.WithDescription("Number of open log streams (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StreamsDropped, err = meter.Int64Counter(
		"log_stream_events_dropped_total",
		metric.WithDescription("Total log events dropped for slow stream clients"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobStarted records a job beginning to run.
func (m *Metrics) RecordJobStarted(ctx context.Context, kind string) {
	attrs := metric.WithAttributes(kindAttr(kind))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobCompleted records a job reaching a terminal status.
func (m *Metrics) RecordJobCompleted(ctx context.Context, kind string, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(kindAttr(kind), successAttr(success))
	m.JobDuration.Record(ctx, duration.Seconds(), attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(kindAttr(kind)))

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobsSwept records job records removed by the sweeper or cleanup endpoint.
func (m *Metrics) RecordJobsSwept(ctx context.Context, n int) {
	m.JobsSwept.Add(ctx, int64(n))
}

// RecordPhase records one workflow phase finishing with the given status.
func (m *Metrics) RecordPhase(ctx context.Context, kind, phase, status string, duration time.Duration) {
	m.PhaseDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		kindAttr(kind),
		phaseAttr(phase),
		outcomeAttr(status),
	))
}

// RecordToolInvocation records one external tool run.
func (m *Metrics) RecordToolInvocation(ctx context.Context, tool string, exitCode int, duration time.Duration) {
	attrs := metric.WithAttributes(toolAttr(tool), exitAttr(exitCode))
	m.ToolInvocations.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStreamOpened records a log stream connection opening.
func (m *Metrics) RecordStreamOpened(ctx context.Context) {
	m.StreamsActive.Add(ctx, 1)
}

// RecordStreamClosed records a log stream connection closing.
func (m *Metrics) RecordStreamClosed(ctx context.Context, dropped int64) {
	m.StreamsActive.Add(ctx, -1)
	if dropped > 0 {
		m.StreamsDropped.Add(ctx, dropped)
	}
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
