package webhook

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultListLimit bounds dead-letter listings.
const DefaultListLimit = 100

// DeadLetter records a subscription and event pair whose delivery was given
// up on. Payload is the event envelope as JSON.
type DeadLetter struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscriptionId"`
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	UserID         string    `json:"userId"`
	Attempts       int       `json:"attempts"`
	LastStatus     int       `json:"lastStatus"`
	LastError      string    `json:"lastError"`
	Payload        []byte    `json:"payload"`
	CreatedAt      time.Time `json:"createdAt"`
}

// DeadLetterStore records exhausted deliveries. Put is idempotent per
// subscription and event.
type DeadLetterStore interface {
	Put(ctx context.Context, dl DeadLetter) error
	// List returns the user's dead letters, newest first.
	List(ctx context.Context, userID string, limit int) ([]DeadLetter, error)
}

// MemoryDeadLetters is an in-process DeadLetterStore.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// NewMemoryDeadLetters creates an empty store.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

// Put implements DeadLetterStore.
func (m *MemoryDeadLetters) Put(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.letters {
		if cur.SubscriptionID == dl.SubscriptionID && cur.EventID == dl.EventID {
			return nil
		}
	}
	dl.Payload = slices.Clone(dl.Payload)
	m.letters = append(m.letters, dl)
	return nil
}

// List implements DeadLetterStore.
func (m *MemoryDeadLetters) List(_ context.Context, userID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeadLetter
	for i := len(m.letters) - 1; i >= 0 && len(out) < limit; i-- {
		if m.letters[i].UserID == userID {
			out = append(out, m.letters[i])
		}
	}
	return out, nil
}
