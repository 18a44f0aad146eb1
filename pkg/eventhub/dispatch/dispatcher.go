package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	hberrors "github.com/randalmurphal/eventhub/pkg/eventhub/errors"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/observability"
	"github.com/randalmurphal/eventhub/pkg/eventhub/registry"
)

var (
	// ErrStarted is returned by Subscribe after Start.
	ErrStarted = errors.New("dispatcher already started")

	// ErrNotStarted is returned by Dispatch before Start.
	ErrNotStarted = errors.New("dispatcher not started")

	// ErrStopped is returned by Dispatch after Stop.
	ErrStopped = errors.New("dispatcher stopped")
)

// Handler reacts to one event. Handlers must be idempotent: delivery is
// at-least-once and retries re-run the whole call.
type Handler interface {
	Handle(ctx context.Context, evt event.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt event.Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt event.Event) error {
	return f(ctx, evt)
}

// MiddlewareFunc wraps handlers to add cross-cutting concerns.
type MiddlewareFunc func(next Handler) Handler

// ChainMiddleware applies middleware in order, with first middleware outermost.
func ChainMiddleware(handler Handler, middleware ...MiddlewareFunc) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// Config configures a Dispatcher.
type Config struct {
	// Retry is the default per-subscription retry policy.
	// Default: 3 attempts, 100ms initial backoff, factor 2, 30s per attempt.
	Retry hberrors.RetryConfig

	// Lanes is the default number of ordered lanes per subscription.
	// Default: 4
	Lanes int

	// BufferSize is the queue length of each lane.
	// Default: 256
	BufferSize int

	// Failures receives a record for every event a handler gave up on.
	// Default: an in-memory log.
	Failures FailureLog

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Clock   clock.Clock
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Retry: hberrors.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2,
		Jitter:         0.1,
		AttemptTimeout: 30 * time.Second,
	},
	Lanes:      4,
	BufferSize: 256,
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscription)

// WithRetry overrides the retry policy of a subscription.
func WithRetry(cfg hberrors.RetryConfig) SubscribeOption {
	return func(s *subscription) { s.retry = cfg }
}

// WithAttemptTimeout overrides the per-attempt timeout of a subscription.
func WithAttemptTimeout(d time.Duration) SubscribeOption {
	return func(s *subscription) { s.retry.AttemptTimeout = d }
}

// WithLanes sets the number of ordered lanes of a subscription.
func WithLanes(n int) SubscribeOption {
	return func(s *subscription) {
		if n > 0 {
			s.lanes = n
		}
	}
}

type subscription struct {
	name    string
	pattern string
	handler Handler
	retry   hberrors.RetryConfig
	lanes   int
	queues  []chan event.Event
}

// Dispatcher delivers events to the handlers whose patterns match.
//
// Every subscription has its own lanes. An event goes to the lane picked
// by its subject, so one subscription sees events of a subject in order
// while different subscriptions and subjects proceed independently.
type Dispatcher struct {
	cfg     Config
	byName  *registry.Registry[string, *subscription]
	routes  *registry.Patterns[*subscription]
	pending tracker

	mu         sync.RWMutex
	middleware []MiddlewareFunc
	started    bool
	stopped    bool
	workers    sync.WaitGroup
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultConfig.Retry
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = DefaultConfig.Lanes
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig.BufferSize
	}
	if cfg.Failures == nil {
		cfg.Failures = NewMemoryFailureLog()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Dispatcher{
		cfg:    cfg,
		byName: registry.New[string, *subscription](),
		routes: registry.NewPatterns[*subscription](event.Match),
	}
}

// Failures returns the failure log.
func (d *Dispatcher) Failures() FailureLog { return d.cfg.Failures }

// Use adds middleware applied to every handler. It must be called before
// Start.
func (d *Dispatcher) Use(mw ...MiddlewareFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrStarted
	}
	d.middleware = append(d.middleware, mw...)
	return nil
}

// Subscribe registers h under a unique name for events matching pattern.
func (d *Dispatcher) Subscribe(pattern, name string, h Handler, opts ...SubscribeOption) error {
	if err := event.ValidatePattern(pattern); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("subscription name cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("subscription %s: nil handler", name)
	}

	sub := &subscription{
		name:    name,
		pattern: pattern,
		handler: h,
		retry:   d.cfg.Retry,
		lanes:   d.cfg.Lanes,
	}
	for _, opt := range opts {
		opt(sub)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrStarted
	}
	if err := d.byName.Register(name, sub); err != nil {
		return err
	}
	d.routes.Add(pattern, sub)
	return nil
}

// Subscriptions returns the registered subscription names.
func (d *Dispatcher) Subscriptions() []string {
	return d.byName.Keys()
}

// Start launches the lane workers. Handlers run with contexts derived from
// ctx; cancelling it aborts in-flight attempts.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for _, sub := range d.routes.Values() {
		sub.handler = ChainMiddleware(sub.handler, d.middleware...)
		sub.queues = make([]chan event.Event, sub.lanes)
		for i := range sub.queues {
			q := make(chan event.Event, d.cfg.BufferSize)
			sub.queues[i] = q
			d.workers.Add(1)
			go d.lane(ctx, sub, q)
		}
	}
}

// Dispatch queues evt for every matching subscription. It blocks while a
// target lane is full.
func (d *Dispatcher) Dispatch(ctx context.Context, evt event.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.started {
		return ErrNotStarted
	}
	if d.stopped {
		return ErrStopped
	}

	key := evt.SubjectID
	if key == "" {
		key = evt.ID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	hash := h.Sum32()

	for _, sub := range d.routes.Match(evt.Type) {
		q := sub.queues[hash%uint32(len(sub.queues))]
		d.pending.add()
		select {
		case q <- evt:
		case <-ctx.Done():
			d.pending.done()
			return ctx.Err()
		}
	}
	return nil
}

// Idle blocks until every dispatched event has been handled or recorded
// as a failure.
func (d *Dispatcher) Idle(ctx context.Context) error {
	return d.pending.wait(ctx)
}

// Stop closes the lanes and waits for queued events to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, sub := range d.routes.Values() {
		for _, q := range sub.queues {
			close(q)
		}
	}
	d.mu.Unlock()

	d.workers.Wait()
}

func (d *Dispatcher) lane(ctx context.Context, sub *subscription, q <-chan event.Event) {
	defer d.workers.Done()
	for evt := range q {
		d.deliver(ctx, sub, evt)
		d.pending.done()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *subscription, evt event.Event) {
	cfg := sub.retry
	if cfg.RetryableFunc == nil {
		cfg.RetryableFunc = func(err error) bool { return !hberrors.IsPermanent(err) }
	}

	hctx := withSubscription(ctx, sub.name)
	attempt := 0
	result := hberrors.WithRetryContext(hctx, cfg, func(ctx context.Context) (struct{}, error) {
		attempt++
		start := d.cfg.Clock.Now()
		err := sub.handler.Handle(withAttempt(ctx, attempt), evt.Clone())
		d.cfg.Metrics.RecordHandler(ctx, sub.name, evt.Type, d.cfg.Clock.Now().Sub(start), err)
		if err != nil {
			observability.LogHandlerError(d.cfg.Logger, sub.name, evt, attempt, err)
		}
		return struct{}{}, err
	})
	if result.Err == nil {
		return
	}

	observability.LogHandlerExhausted(d.cfg.Logger, sub.name, evt, result.Attempts, result.Err)
	d.cfg.Metrics.RecordHandlerFailure(ctx, sub.name, evt.Type)

	failure := Failure{
		ID:           event.NewID(),
		Subscription: sub.name,
		Event:        evt,
		Attempts:     result.Attempts,
		Error:        result.Err.Error(),
		FailedAt:     d.cfg.Clock.Now(),
	}
	// The failure record must outlive a cancelled dispatcher context.
	if err := d.cfg.Failures.Record(context.WithoutCancel(ctx), failure); err != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Error("record handler failure",
			slog.String("subscription", sub.name),
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()),
		)
	}
}

// tracker counts queued and running deliveries.
type tracker struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.zero = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.zero)
	}
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	zero := t.zero
	t.mu.Unlock()

	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
