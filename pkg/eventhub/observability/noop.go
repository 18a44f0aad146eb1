package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordAppend(context.Context, string, error) {}
func (NoopMetrics) RecordHandler(context.Context, string, string, time.Duration, error) {}
func (NoopMetrics) RecordHandlerFailure(context.Context, string, string) {}
func (NoopMetrics) RecordRejection(context.Context, string, string) {}
func (NoopMetrics) RecordDelivery(context.Context, int, time.Duration, error) {}
func (NoopMetrics) RecordDeadLetter(context.Context, string) {}
func (NoopMetrics) RecordHubCall(context.Context, string, string) {}
func (NoopMetrics) RecordRelayBatch(context.Context, string, int) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

func (NoopSpanManager) StartHandlerSpan(ctx context.Context, _ string, _ event.Event) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartDeliverySpan(ctx context.Context, _, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartHubSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
