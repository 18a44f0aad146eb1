package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// TracerName is the instrumentation scope of eventhub spans.
const TracerName = "eventhub"

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartHandlerSpan starts a span for one handler invocation.
	StartHandlerSpan(ctx context.Context, subscription string, evt event.Event) (context.Context, trace.Span)

	// StartDeliverySpan starts a client span for one webhook delivery.
	StartDeliverySpan(ctx context.Context, subscriptionID, eventID string, attempt int) (context.Context, trace.Span)

	// StartHubSpan starts a server span for one hub operation.
	StartHubSpan(ctx context.Context, operation string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
// A nil provider means the global tracer provider.
func NewSpanManager(tp trace.TracerProvider) SpanManager {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &otelSpanManager{tracer: tp.Tracer(TracerName)}
}

func (m *otelSpanManager) StartHandlerSpan(ctx context.Context, subscription string, evt event.Event) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventhub.handler."+subscription,
		trace.WithAttributes(
			attribute.String("subscription", subscription),
			attribute.String("event.id", evt.ID),
			attribute.String("event.type", evt.Type),
			attribute.String("event.correlation_id", evt.CorrelationID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (m *otelSpanManager) StartDeliverySpan(ctx context.Context, subscriptionID, eventID string, attempt int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventhub.webhook.deliver",
		trace.WithAttributes(
			attribute.String("webhook.subscription_id", subscriptionID),
			attribute.String("event.id", eventID),
			attribute.Int("webhook.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (m *otelSpanManager) StartHubSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventhub.hub."+operation,
		trace.WithAttributes(attribute.String("hub.operation", operation)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
