package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhub/pkg/eventhub/dispatch"
	hberrors "github.com/randalmurphal/eventhub/pkg/eventhub/errors"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

var fastRetry = hberrors.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	BackoffFactor:  1,
}

func newDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(dispatch.Config{Retry: fastRetry})
	t.Cleanup(d.Stop)
	return d
}

func noteEvent(typ, subject string) event.Event {
	return event.New(typ, "u1", event.SourceAPI, nil, event.WithSubject(subject, "note"))
}

type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) Handle(_ context.Context, evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func TestSubscribeValidation(t *testing.T) {
	d := newDispatcher(t)
	h := &collector{}

	require.NoError(t, d.Subscribe("*.*.requested", "permission", h))
	assert.Error(t, d.Subscribe("*.*.approved", "permission", h), "duplicate name")
	assert.Error(t, d.Subscribe("Bad Pattern", "x", h))
	assert.Error(t, d.Subscribe("a.b.c", "", h))

	assert.ErrorIs(t, d.Dispatch(context.Background(), noteEvent("entities.create.requested", "s1")), dispatch.ErrNotStarted)

	d.Start(context.Background())
	assert.ErrorIs(t, d.Subscribe("a.b.c", "late", h), dispatch.ErrStarted)
	assert.ErrorIs(t, d.Use(dispatch.Recovery()), dispatch.ErrStarted)
	assert.Equal(t, []string{"permission"}, d.Subscriptions())
}

func TestDispatchFansOutByPattern(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)
	requested, all, approved := &collector{}, &collector{}, &collector{}
	require.NoError(t, d.Subscribe("*.*.requested", "requested", requested))
	require.NoError(t, d.Subscribe("*", "all", all))
	require.NoError(t, d.Subscribe("entities.create.approved", "approved", approved))
	d.Start(ctx)

	require.NoError(t, d.Dispatch(ctx, noteEvent("entities.create.requested", "s1")))
	require.NoError(t, d.Dispatch(ctx, noteEvent("entities.update.requested", "s1")))
	require.NoError(t, d.Idle(ctx))

	assert.Equal(t, []string{"entities.create.requested", "entities.update.requested"}, requested.types())
	assert.Len(t, all.types(), 2)
	assert.Empty(t, approved.types())
}

func TestFailingHandlerIsIsolated(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)

	var calls atomic.Int32
	require.NoError(t, d.Subscribe("*", "broken", dispatch.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		calls.Add(1)
		return errors.New("downstream unavailable")
	})))
	healthy := &collector{}
	require.NoError(t, d.Subscribe("*", "healthy", healthy))
	d.Start(ctx)

	evt := noteEvent("entities.create.validated", "s1")
	require.NoError(t, d.Dispatch(ctx, evt))
	require.NoError(t, d.Idle(ctx))

	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, healthy.types(), 1)

	failures, err := d.Failures().List(ctx, dispatch.FailureQuery{Subscription: "broken"})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, evt.ID, failures[0].Event.ID)
	assert.Equal(t, 3, failures[0].Attempts)
	assert.Contains(t, failures[0].Error, "downstream unavailable")

	failures, err = d.Failures().List(ctx, dispatch.FailureQuery{Subscription: "healthy"})
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)

	var calls atomic.Int32
	require.NoError(t, d.Subscribe("*", "strict", dispatch.HandlerFunc(func(context.Context, event.Event) error {
		calls.Add(1)
		return hberrors.Permanent(errors.New("malformed"), "strict")
	})))
	d.Start(ctx)

	require.NoError(t, d.Dispatch(ctx, noteEvent("entities.create.approved", "s1")))
	require.NoError(t, d.Idle(ctx))

	assert.Equal(t, int32(1), calls.Load())
	failures, err := d.Failures().List(ctx, dispatch.FailureQuery{})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Attempts)
}

func TestAttemptTimeoutCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)

	var calls atomic.Int32
	slow := dispatch.HandlerFunc(func(ctx context.Context, _ event.Event) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, d.Subscribe("*", "slow", slow,
		dispatch.WithRetry(hberrors.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}),
		dispatch.WithAttemptTimeout(10*time.Millisecond)))
	d.Start(ctx)

	require.NoError(t, d.Dispatch(ctx, noteEvent("entities.create.approved", "s1")))
	require.NoError(t, d.Idle(ctx))

	assert.Equal(t, int32(2), calls.Load())
	failures, err := d.Failures().List(ctx, dispatch.FailureQuery{Subscription: "slow"})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 2, failures[0].Attempts)
}

func TestPerSubjectOrdering(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)

	var mu sync.Mutex
	seen := map[string][]int{}
	require.NoError(t, d.Subscribe("*", "ordered", dispatch.HandlerFunc(func(_ context.Context, evt event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[evt.SubjectID] = append(seen[evt.SubjectID], int(evt.Data["n"].(int)))
		return nil
	}), dispatch.WithLanes(4)))
	d.Start(ctx)

	subjects := []string{"a", "b", "c", "d", "e"}
	for n := 0; n < 40; n++ {
		for _, s := range subjects {
			evt := event.New("entities.update.validated", "u1", event.SourceAPI,
				map[string]any{"n": n}, event.WithSubject(s, "note"))
			require.NoError(t, d.Dispatch(ctx, evt))
		}
	}
	require.NoError(t, d.Idle(ctx))

	for _, s := range subjects {
		require.Len(t, seen[s], 40, s)
		for i, n := range seen[s] {
			assert.Equal(t, i, n, "subject %s out of order", s)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)
	require.NoError(t, d.Use(dispatch.Recovery(), dispatch.Logging(nil)))

	var calls atomic.Int32
	require.NoError(t, d.Subscribe("*", "panicky", dispatch.HandlerFunc(func(ctx context.Context, _ event.Event) error {
		calls.Add(1)
		assert.Equal(t, "panicky", dispatch.SubscriptionFromContext(ctx))
		assert.Equal(t, 1, dispatch.AttemptFromContext(ctx))
		panic("nil map")
	})))
	d.Start(ctx)

	require.NoError(t, d.Dispatch(ctx, noteEvent("entities.create.approved", "s1")))
	require.NoError(t, d.Idle(ctx))

	assert.Equal(t, int32(1), calls.Load())
	failures, err := d.Failures().List(ctx, dispatch.FailureQuery{})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, "nil map")
}

func TestHandlersReceiveCopies(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)

	mutator := dispatch.HandlerFunc(func(_ context.Context, evt event.Event) error {
		evt.Data["title"] = "changed"
		return nil
	})
	reader := &collector{}
	require.NoError(t, d.Subscribe("*", "mutator", mutator))
	require.NoError(t, d.Subscribe("*", "reader", reader))
	d.Start(ctx)

	evt := event.New("entities.create.approved", "u1", event.SourceAPI,
		map[string]any{"title": "original"}, event.WithSubject("s1", "note"))
	require.NoError(t, d.Dispatch(ctx, evt))
	require.NoError(t, d.Idle(ctx))

	assert.Equal(t, "original", evt.Data["title"])
	reader.mu.Lock()
	defer reader.mu.Unlock()
	require.Len(t, reader.events, 1)
	assert.Equal(t, "original", reader.events[0].Data["title"])
}

func TestDispatchAfterStop(t *testing.T) {
	d := dispatch.New(dispatch.Config{})
	require.NoError(t, d.Subscribe("*", "x", &collector{}))
	d.Start(context.Background())
	d.Stop()
	d.Stop()
	assert.ErrorIs(t, d.Dispatch(context.Background(), noteEvent("a.b.c", "s")), dispatch.ErrStopped)
}
