// Package webhook delivers events to user-registered HTTP endpoints.
//
// The Service is a dispatcher subscription on every event type. For each
// active subscription of the event's user whose patterns match, it schedules
// a delivery job. Each attempt POSTs a freshly signed payload. Failed
// attempts are retried with the subscription's backoff through a
// schedule.Scheduler, and the last failure writes a dead letter. Delivery
// never appends to the event store.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	"github.com/randalmurphal/eventhub/pkg/eventhub/dispatch"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/observability"
	"github.com/randalmurphal/eventhub/pkg/eventhub/schedule"
)

// Subscription name and pattern of the fan-out handler.
const (
	FanOutSubscription = "webhooks"
	FanOutPattern      = "*"
)

// Config configures a Service.
type Config struct {
	Subscriptions SubscriptionStore
	DeadLetters   DeadLetterStore
	// Scheduler runs delivery jobs. Default: a new scheduler on Clock, which
	// Start and Stop then own.
	Scheduler *schedule.Scheduler
	// Deliverer sends requests. Default: NewDeliverer(nil, DefaultTimeout).
	Deliverer *Deliverer

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Clock   clock.Clock
}

// Service fans events out to webhook subscriptions.
type Service struct {
	cfg       Config
	ownsSched bool
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Subscriptions == nil {
		cfg.Subscriptions = NewMemorySubscriptions()
	}
	if cfg.DeadLetters == nil {
		cfg.DeadLetters = NewMemoryDeadLetters()
	}
	if cfg.Deliverer == nil {
		cfg.Deliverer = NewDeliverer(nil, DefaultTimeout)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	owns := cfg.Scheduler == nil
	if owns {
		cfg.Scheduler = schedule.New(schedule.Config{Clock: cfg.Clock})
	}
	return &Service{cfg: cfg, ownsSched: owns}
}

// Subscriptions returns the subscription store.
func (s *Service) Subscriptions() SubscriptionStore { return s.cfg.Subscriptions }

// DeadLetters returns the dead-letter store.
func (s *Service) DeadLetters() DeadLetterStore { return s.cfg.DeadLetters }

// Register subscribes the fan-out handler to every event.
func (s *Service) Register(d *dispatch.Dispatcher, opts ...dispatch.SubscribeOption) error {
	return d.Subscribe(FanOutPattern, FanOutSubscription, s, opts...)
}

// Start runs the owned scheduler in the background.
func (s *Service) Start(ctx context.Context) {
	if s.ownsSched {
		s.cfg.Scheduler.Start(ctx)
	}
}

// Stop halts the owned scheduler. Pending retries are dropped.
func (s *Service) Stop() {
	if s.ownsSched {
		s.cfg.Scheduler.Stop()
	}
}

// Handle schedules one delivery per matching subscription. A lookup failure
// is returned so the dispatcher retries the event.
func (s *Service) Handle(ctx context.Context, evt event.Event) error {
	subs, err := s.cfg.Subscriptions.List(ctx, evt.UserID)
	if err != nil {
		return fmt.Errorf("webhook: list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if !sub.Matches(evt) {
			continue
		}
		d := &delivery{svc: s, sub: sub, evt: evt}
		s.cfg.Scheduler.Schedule(schedule.Job{
			ID:          DeliveryID(sub.ID, evt.ID),
			Run:         d.attempt,
			Retry:       sub.Retry.withDefaults().retryConfig(),
			OnExhausted: d.exhausted,
		})
	}
	return nil
}

// DeliveryID is stable across the attempts of one subscription and event,
// so receivers can deduplicate on it.
func DeliveryID(subscriptionID, eventID string) string {
	return event.DerivedID(eventID, "webhook/"+subscriptionID)
}

// delivery is one subscription and event pair.
type delivery struct {
	svc *Service
	sub Subscription
	evt event.Event

	mu         sync.Mutex
	lastStatus int
}

func (d *delivery) attempt(ctx context.Context, n int) error {
	cfg := d.svc.cfg
	if n > 1 {
		if _, err := cfg.Subscriptions.Get(ctx, d.sub.UserID, d.sub.ID); errors.Is(err, ErrSubscriptionNotFound) {
			if cfg.Logger != nil {
				cfg.Logger.Info("webhook subscription removed, dropping delivery",
					slog.String("subscription_id", d.sub.ID),
					slog.String("event_id", d.evt.ID))
			}
			return nil
		}
	}

	body, err := Payload{
		SubscriptionID: d.sub.ID,
		Event:          d.evt,
		Attempt:        n,
		Timestamp:      cfg.Clock.Now(),
	}.Encode()
	if err != nil {
		return err
	}

	start := time.Now()
	status, err := cfg.Deliverer.Deliver(ctx, Request{
		URL:        d.sub.URL,
		DeliveryID: DeliveryID(d.sub.ID, d.evt.ID),
		EventType:  d.evt.Type,
		Signature:  Sign(d.sub.Secret, body),
		Body:       body,
	})
	d.mu.Lock()
	d.lastStatus = status
	d.mu.Unlock()

	cfg.Metrics.RecordDelivery(ctx, status, time.Since(start), err)
	observability.LogDelivery(cfg.Logger, d.sub.ID, d.evt.ID, n, status, err)
	return err
}

func (d *delivery) exhausted(ctx context.Context, ex schedule.Exhausted) {
	cfg := d.svc.cfg
	d.mu.Lock()
	status := d.lastStatus
	d.mu.Unlock()

	payload, err := json.Marshal(d.evt)
	if err != nil {
		payload = []byte("{}")
	}
	dl := DeadLetter{
		ID:             event.DerivedID(d.evt.ID, "dead-letter/"+d.sub.ID),
		SubscriptionID: d.sub.ID,
		EventID:        d.evt.ID,
		EventType:      d.evt.Type,
		UserID:         d.evt.UserID,
		Attempts:       ex.Attempts,
		LastStatus:     status,
		Payload:        payload,
		CreatedAt:      cfg.Clock.Now(),
	}
	if ex.Err != nil {
		dl.LastError = ex.Err.Error()
	}

	if err := cfg.DeadLetters.Put(context.WithoutCancel(ctx), dl); err != nil && cfg.Logger != nil {
		cfg.Logger.Error("webhook dead letter write failed",
			slog.String("subscription_id", d.sub.ID),
			slog.String("event_id", d.evt.ID),
			slog.String("error", err.Error()))
	}
	cfg.Metrics.RecordDeadLetter(ctx, d.evt.Type)
	observability.LogDeadLetter(cfg.Logger, d.sub.ID, d.evt.ID, ex.Attempts, status, ex.Err)
}
