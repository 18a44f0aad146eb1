package observability

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of eventhub metrics.
const MeterName = "eventhub"

// MetricsRecorder records eventhub metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordAppend records one store append attempt.
	RecordAppend(ctx context.Context, eventType string, err error)

	// RecordHandler records one handler attempt for a subscription.
	RecordHandler(ctx context.Context, subscription, eventType string, duration time.Duration, err error)

	// RecordHandlerFailure records a handler giving up after its retries.
	RecordHandlerFailure(ctx context.Context, subscription, eventType string)

	// RecordRejection records a mutation request dropped by the pipeline.
	RecordRejection(ctx context.Context, eventType, reason string)

	// RecordDelivery records one webhook delivery attempt.
	RecordDelivery(ctx context.Context, status int, duration time.Duration, err error)

	// RecordDeadLetter records a webhook delivery abandoned after its retries.
	RecordDeadLetter(ctx context.Context, eventType string)

	// RecordHubCall records one intelligence hub call and its outcome.
	RecordHubCall(ctx context.Context, operation, outcome string)

	// RecordRelayBatch records the size of one relay batch.
	RecordRelayBatch(ctx context.Context, relay string, size int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	appends          metric.Int64Counter
	appendErrors     metric.Int64Counter
	handlerRuns      metric.Int64Counter
	handlerLatency   metric.Float64Histogram
	handlerErrors    metric.Int64Counter
	handlerFailures  metric.Int64Counter
	rejections       metric.Int64Counter
	deliveries       metric.Int64Counter
	deliveryLatency  metric.Float64Histogram
	deadLetters      metric.Int64Counter
	hubCalls         metric.Int64Counter
	relayBatchEvents metric.Int64Histogram
}

// newOtelMetrics creates the instruments on meter.
func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	var (
		m   otelMetrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.appends, "eventhub.store.appends", "Number of events appended"},
		{&m.appendErrors, "eventhub.store.append_errors", "Number of rejected appends"},
		{&m.handlerRuns, "eventhub.handler.runs", "Number of handler attempts"},
		{&m.handlerErrors, "eventhub.handler.errors", "Number of failed handler attempts"},
		{&m.handlerFailures, "eventhub.handler.failures", "Number of events a handler gave up on"},
		{&m.rejections, "eventhub.pipeline.rejections", "Number of rejected mutation requests"},
		{&m.deliveries, "eventhub.webhook.deliveries", "Number of webhook delivery attempts"},
		{&m.deadLetters, "eventhub.webhook.dead_letters", "Number of abandoned webhook deliveries"},
		{&m.hubCalls, "eventhub.hub.calls", "Number of intelligence hub calls"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	m.handlerLatency, err = meter.Float64Histogram("eventhub.handler.latency_ms",
		metric.WithDescription("Handler attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.deliveryLatency, err = meter.Float64Histogram("eventhub.webhook.latency_ms",
		metric.WithDescription("Webhook delivery latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.relayBatchEvents, err = meter.Int64Histogram("eventhub.relay.batch_size",
		metric.WithDescription("Events per relay batch"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// A nil meter means the global meter provider. If instrument creation
// fails, it returns a no-op recorder.
func NewMetricsRecorder(meter metric.Meter) MetricsRecorder {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	m, err := newOtelMetrics(meter)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordAppend(ctx context.Context, eventType string, err error) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	if err != nil {
		m.appendErrors.Add(ctx, 1, attrs)
		return
	}
	m.appends.Add(ctx, 1, attrs)
}

func (m *otelMetrics) RecordHandler(ctx context.Context, subscription, eventType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("subscription", subscription),
		attribute.String("event_type", eventType),
	)
	m.handlerRuns.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordHandlerFailure(ctx context.Context, subscription, eventType string) {
	m.handlerFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subscription", subscription),
		attribute.String("event_type", eventType),
	))
}

func (m *otelMetrics) RecordRejection(ctx context.Context, eventType, reason string) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("reason", reason),
	))
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, status int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("status", strconv.Itoa(status)),
		attribute.Bool("success", err == nil),
	)
	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *otelMetrics) RecordHubCall(ctx context.Context, operation, outcome string) {
	m.hubCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func (m *otelMetrics) RecordRelayBatch(ctx context.Context, relay string, size int) {
	m.relayBatchEvents.Record(ctx, int64(size), metric.WithAttributes(attribute.String("relay", relay)))
}
