package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	hberrors "github.com/randalmurphal/eventhub/pkg/eventhub/errors"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/observability"
)

// Recovery turns handler panics into permanent errors so the lane keeps
// running and the event is recorded as a failure without retries.
func Recovery() MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt event.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = hberrors.Permanent(fmt.Errorf("handler panic: %v", r),
						SubscriptionFromContext(ctx))
				}
			}()
			return next.Handle(ctx, evt)
		})
	}
}

// Logging logs each handler call at debug level.
func Logging(logger *slog.Logger) MiddlewareFunc {
	return func(next Handler) Handler {
		if logger == nil {
			return next
		}
		return HandlerFunc(func(ctx context.Context, evt event.Event) error {
			start := time.Now()
			err := next.Handle(ctx, evt)
			log := observability.EnrichLogger(logger, SubscriptionFromContext(ctx), evt)
			attrs := []any{
				slog.Int("attempt", AttemptFromContext(ctx)),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Debug("handler returned error", append(attrs, slog.String("error", err.Error()))...)
			} else {
				log.Debug("handler completed", attrs...)
			}
			return err
		})
	}
}

// Tracing wraps each handler call in a span.
func Tracing(spans observability.SpanManager) MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt event.Event) error {
			ctx, span := spans.StartHandlerSpan(ctx, SubscriptionFromContext(ctx), evt)
			err := next.Handle(ctx, evt)
			spans.EndSpanWithError(span, err)
			return err
		})
	}
}
