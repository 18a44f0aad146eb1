// Package observability provides structured logging, metrics and tracing
// for eventhub.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//   - OTLP export through Provider
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// EventAttrs returns the log attributes that identify an event.
func EventAttrs(evt event.Event) []any {
	attrs := []any{
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.String("user_id", evt.UserID),
	}
	if evt.SubjectID != "" {
		attrs = append(attrs, slog.String("subject_id", evt.SubjectID))
	}
	if evt.CorrelationID != "" && evt.CorrelationID != evt.ID {
		attrs = append(attrs, slog.String("correlation_id", evt.CorrelationID))
	}
	return attrs
}

// EnrichLogger adds event context to a logger.
//
// Example:
//
//	log := EnrichLogger(logger, "projection-worker", evt)
//	log.Info("projected") // includes subscription, event_id, event_type...
func EnrichLogger(logger *slog.Logger, subscription string, evt event.Event) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(append([]any{slog.String("subscription", subscription)}, EventAttrs(evt)...)...)
}

// LogHandlerError logs a failed handler attempt.
func LogHandlerError(logger *slog.Logger, subscription string, evt event.Event, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("handler attempt failed",
		append(EventAttrs(evt),
			slog.String("subscription", subscription),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)...,
	)
}

// LogHandlerExhausted logs a handler that gave up on an event.
func LogHandlerExhausted(logger *slog.Logger, subscription string, evt event.Event, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed permanently",
		append(EventAttrs(evt),
			slog.String("subscription", subscription),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)...,
	)
}

// LogRejection logs a mutation request that was silently dropped.
func LogRejection(logger *slog.Logger, evt event.Event, reason string) {
	if logger == nil {
		return
	}
	logger.Info("mutation rejected",
		append(EventAttrs(evt),
			slog.String("principal", evt.Principal()),
			slog.String("reason", reason),
		)...,
	)
}

// LogDelivery logs one webhook delivery attempt.
func LogDelivery(logger *slog.Logger, subscriptionID, eventID string, attempt, status int, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("webhook delivery failed",
			slog.String("subscription_id", subscriptionID),
			slog.String("event_id", eventID),
			slog.Int("attempt", attempt),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("webhook delivered",
		slog.String("subscription_id", subscriptionID),
		slog.String("event_id", eventID),
		slog.Int("attempt", attempt),
		slog.Int("status", status),
	)
}

// LogDeadLetter logs a webhook delivery that exhausted its attempts.
func LogDeadLetter(logger *slog.Logger, subscriptionID, eventID string, attempts, status int, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("subscription_id", subscriptionID),
		slog.String("event_id", eventID),
		slog.Int("attempts", attempts),
		slog.Int("status", status),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Error("webhook dead-lettered", attrs...)
}

// LogHubCall logs one Hub Protocol call and its outcome.
func LogHubCall(ctx context.Context, logger *slog.Logger, operation, userID, requestID, outcome string, duration time.Duration) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if outcome != "ok" {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "hub call",
		slog.String("operation", operation),
		slog.String("user_id", userID),
		slog.String("request_id", requestID),
		slog.String("outcome", outcome),
		slog.Duration("duration", duration),
	)
}

// TimedOperation measures the duration of an operation.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
