package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"

	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// Dedup windows. Explicit keys are chosen by the client and stay claimed
// for a day. Derived keys only catch retries of one request.
const (
	DefaultIdempotencyTTL        = 24 * time.Hour
	DefaultDerivedIdempotencyTTL = 5 * time.Minute
)

// IdempotencyStore records which event claimed an idempotency key.
type IdempotencyStore interface {
	// Claim binds key to eventID for ttl. It returns true when the key was
	// free or is already bound to eventID, false when another event holds it.
	Claim(ctx context.Context, key, eventID string, ttl time.Duration) (bool, error)
}

// IdempotencyKey returns the key deduplicating evt. An explicit
// metadata.idempotencyKey wins; otherwise the key hashes the canonical JSON
// of the type, user, data and, except for creates, the subject and the
// version it targets. version is the EventID of the subject's projection
// row, so an update that reverts an earlier one gets a fresh key.
func IdempotencyKey(evt event.Event, version string) (string, error) {
	if IsExplicitKey(evt) {
		return "explicit:" + evt.UserID + ":" + evt.Metadata.IdempotencyKey, nil
	}

	doc := map[string]any{
		"type":   evt.Type,
		"userId": evt.UserID,
		"data":   evt.Data,
	}
	if t, err := event.ParseType(evt.Type); err == nil && t.Action != event.ActionCreate {
		doc["subjectId"] = evt.SubjectID
		doc["version"] = version
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("idempotency key: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("idempotency key: %w", err)
	}
	sum := blake3.Sum256(canonical)
	return "derived:" + hex.EncodeToString(sum[:]), nil
}

// IsExplicitKey reports whether evt carries a client idempotency key.
func IsExplicitKey(evt event.Event) bool {
	return evt.Metadata != nil && evt.Metadata.IdempotencyKey != ""
}

// MemoryIdempotency is an in-process IdempotencyStore.
type MemoryIdempotency struct {
	mu     sync.Mutex
	clock  clock.Clock
	claims map[string]claim
}

type claim struct {
	eventID   string
	expiresAt time.Time
}

// NewMemoryIdempotency creates an empty store. A nil clock uses real time.
func NewMemoryIdempotency(c clock.Clock) *MemoryIdempotency {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryIdempotency{clock: c, claims: make(map[string]claim)}
}

// Claim implements IdempotencyStore.
func (m *MemoryIdempotency) Claim(_ context.Context, key, eventID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if c, ok := m.claims[key]; ok && now.Before(c.expiresAt) {
		return c.eventID == eventID, nil
	}
	m.claims[key] = claim{eventID: eventID, expiresAt: now.Add(ttl)}
	return true, nil
}

// RedisIdempotency claims keys with SET NX so that several processes share
// one dedup window.
type RedisIdempotency struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisIdempotency wraps client. Keys are stored under prefix.
func NewRedisIdempotency(client redis.UniversalClient, prefix string) *RedisIdempotency {
	if prefix == "" {
		prefix = "eventhub:idem:"
	}
	return &RedisIdempotency{client: client, prefix: prefix}
}

// Claim implements IdempotencyStore.
func (r *RedisIdempotency) Claim(ctx context.Context, key, eventID string, ttl time.Duration) (bool, error) {
	k := r.prefix + key
	ok, err := r.client.SetNX(ctx, k, eventID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	if ok {
		return true, nil
	}
	holder, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		return r.Claim(ctx, key, eventID, ttl)
	}
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return holder == eventID, nil
}
