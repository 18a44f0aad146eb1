package dispatch

import "context"

type contextKey string

const (
	subscriptionKey contextKey = "subscription"
	attemptKey      contextKey = "attempt"
)

func withSubscription(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, subscriptionKey, name)
}

func withAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// SubscriptionFromContext returns the name of the subscription running the
// current handler.
func SubscriptionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subscriptionKey).(string); ok {
		return v
	}
	return ""
}

// AttemptFromContext returns the 1-based attempt number of the current
// handler call, or 0 outside a dispatcher.
func AttemptFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(attemptKey).(int); ok {
		return v
	}
	return 0
}
