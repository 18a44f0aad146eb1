package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	hberrors "github.com/randalmurphal/eventhub/pkg/eventhub/errors"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// ErrSubscriptionNotFound is returned for unknown or deleted subscriptions.
var ErrSubscriptionNotFound = errors.New("webhook: subscription not found")

// MaxAttemptsLimit bounds RetryPolicy.MaxAttempts.
const MaxAttemptsLimit = 10

// RetryPolicy is a subscription's delivery retry shape.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
}

// DefaultRetryPolicy delivers at 0s, 1s and 5s, then gives up.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	Factor:       4,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultRetryPolicy.InitialDelay
	}
	if p.Factor < 1 {
		p.Factor = DefaultRetryPolicy.Factor
	}
	return p
}

// retryConfig converts the policy for the scheduler. Every failure is
// retried until the attempts run out.
func (p RetryPolicy) retryConfig() hberrors.RetryConfig {
	return hberrors.RetryConfig{
		MaxAttempts:    p.MaxAttempts,
		InitialBackoff: p.InitialDelay,
		BackoffFactor:  p.Factor,
	}
}

// Subscription is a user's request to receive matching events at URL.
type Subscription struct {
	ID         string      `json:"id"`
	UserID     string      `json:"userId"`
	URL        string      `json:"url"`
	EventTypes []string    `json:"eventTypes"`
	Secret     string      `json:"secret,omitempty"`
	Retry      RetryPolicy `json:"retry"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	DeletedAt  *time.Time  `json:"deletedAt,omitempty"`
}

// Active reports whether the subscription takes part in matching.
func (s Subscription) Active() bool { return s.DeletedAt == nil }

// Matches reports whether evt should be delivered to s.
func (s Subscription) Matches(evt event.Event) bool {
	return s.Active() && s.UserID == evt.UserID && event.MatchAny(s.EventTypes, evt.Type)
}

// Validate checks the user-supplied fields.
func (s Subscription) Validate() error {
	if s.UserID == "" {
		return &event.ValidationError{Field: "userId", Reason: "required"}
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &event.ValidationError{Field: "url", Reason: "must be an absolute http or https URL"}
	}
	if len(s.EventTypes) == 0 {
		return &event.ValidationError{Field: "eventTypes", Reason: "at least one pattern required"}
	}
	for _, p := range s.EventTypes {
		if err := event.ValidatePattern(p); err != nil {
			return &event.ValidationError{Field: "eventTypes", Reason: err.Error()}
		}
	}
	if s.Secret == "" {
		return &event.ValidationError{Field: "secret", Reason: "required"}
	}
	if s.Retry.MaxAttempts < 1 || s.Retry.MaxAttempts > MaxAttemptsLimit {
		return &event.ValidationError{Field: "retry.maxAttempts", Reason: fmt.Sprintf("must be between 1 and %d", MaxAttemptsLimit)}
	}
	return nil
}

// NewSecret returns a random signing secret.
func NewSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("webhook: generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func cloneSubscription(s Subscription) Subscription {
	s.EventTypes = slices.Clone(s.EventTypes)
	if s.DeletedAt != nil {
		t := *s.DeletedAt
		s.DeletedAt = &t
	}
	return s
}

// SubscriptionStore persists subscriptions. Every read is scoped to a user.
type SubscriptionStore interface {
	Create(ctx context.Context, sub Subscription) error
	// Get returns an active subscription.
	Get(ctx context.Context, userID, id string) (Subscription, error)
	// List returns the user's active subscriptions, oldest first.
	List(ctx context.Context, userID string) ([]Subscription, error)
	// Update replaces an active subscription's mutable fields.
	Update(ctx context.Context, sub Subscription) error
	// Delete soft-deletes a subscription.
	Delete(ctx context.Context, userID, id string, at time.Time) error
}

// MemorySubscriptions is an in-process SubscriptionStore.
type MemorySubscriptions struct {
	mu    sync.RWMutex
	subs  map[string]Subscription
	order []string
}

// NewMemorySubscriptions creates an empty store.
func NewMemorySubscriptions() *MemorySubscriptions {
	return &MemorySubscriptions{subs: make(map[string]Subscription)}
}

// Create implements SubscriptionStore.
func (m *MemorySubscriptions) Create(_ context.Context, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return fmt.Errorf("webhook: subscription %s already exists", sub.ID)
	}
	m.subs[sub.ID] = cloneSubscription(sub)
	m.order = append(m.order, sub.ID)
	return nil
}

// Get implements SubscriptionStore.
func (m *MemorySubscriptions) Get(_ context.Context, userID, id string) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok || sub.UserID != userID || !sub.Active() {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return cloneSubscription(sub), nil
}

// List implements SubscriptionStore.
func (m *MemorySubscriptions) List(_ context.Context, userID string) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subscription
	for _, id := range m.order {
		sub := m.subs[id]
		if sub.UserID == userID && sub.Active() {
			out = append(out, cloneSubscription(sub))
		}
	}
	return out, nil
}

// Update implements SubscriptionStore.
func (m *MemorySubscriptions) Update(_ context.Context, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[sub.ID]
	if !ok || cur.UserID != sub.UserID || !cur.Active() {
		return ErrSubscriptionNotFound
	}
	cur.URL = sub.URL
	cur.EventTypes = slices.Clone(sub.EventTypes)
	cur.Retry = sub.Retry
	cur.UpdatedAt = sub.UpdatedAt
	m.subs[sub.ID] = cur
	return nil
}

// Delete implements SubscriptionStore.
func (m *MemorySubscriptions) Delete(_ context.Context, userID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[id]
	if !ok || cur.UserID != userID || !cur.Active() {
		return ErrSubscriptionNotFound
	}
	cur.DeletedAt = &at
	cur.UpdatedAt = at
	m.subs[id] = cur
	return nil
}
