package pipeline_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/pipeline"
)

func TestIdempotencyKey(t *testing.T) {
	a := event.New("entities.create.requested", "u1", event.SourceAPI,
		map[string]any{"title": "T", "type": "note"}, event.WithSubject("s1", "note"))
	b := event.New("entities.create.requested", "u1", event.SourceAPI,
		map[string]any{"type": "note", "title": "T"}, event.WithSubject("s2", "note"))

	ka, err := pipeline.IdempotencyKey(a, "")
	require.NoError(t, err)
	kb, err := pipeline.IdempotencyKey(b, "")
	require.NoError(t, err)
	assert.Equal(t, ka, kb, "creates ignore the generated subject id")

	u1 := event.New("entities.update.requested", "u1", event.SourceAPI,
		map[string]any{"title": "T"}, event.WithSubject("s1", "note"))
	u2 := event.New("entities.update.requested", "u1", event.SourceAPI,
		map[string]any{"title": "T"}, event.WithSubject("s2", "note"))
	k1, err := pipeline.IdempotencyKey(u1, "v1")
	require.NoError(t, err)
	k2, err := pipeline.IdempotencyKey(u2, "v1")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2, "updates of different subjects differ")

	retry := u1.Clone()
	retry.ID = event.NewID()
	kr, err := pipeline.IdempotencyKey(retry, "v1")
	require.NoError(t, err)
	assert.Equal(t, k1, kr, "a retry against the same version collides")

	later, err := pipeline.IdempotencyKey(u1, "v2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, later, "the same payload against a newer version is a new request")

	other := event.New("entities.create.requested", "u2", event.SourceAPI,
		map[string]any{"title": "T", "type": "note"})
	ko, err := pipeline.IdempotencyKey(other, "")
	require.NoError(t, err)
	assert.NotEqual(t, ka, ko, "users never share keys")

	explicit := u1.Clone()
	explicit.Metadata = &event.Metadata{IdempotencyKey: "op-1"}
	ke, err := pipeline.IdempotencyKey(explicit, "v1")
	require.NoError(t, err)
	assert.Equal(t, "explicit:u1:op-1", ke)
}

func TestMemoryIdempotencyExpires(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := pipeline.NewMemoryIdempotency(fake)

	ok, err := s.Claim(ctx, "k", "e1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.Claim(ctx, "k", "e1", time.Minute)
	assert.True(t, ok, "same event re-claims")
	ok, _ = s.Claim(ctx, "k", "e2", time.Minute)
	assert.False(t, ok)

	fake.Advance(2 * time.Minute)
	ok, _ = s.Claim(ctx, "k", "e2", time.Minute)
	assert.True(t, ok, "claim expired")
}

// TestRedisIdempotency needs a Redis server; set EVENTHUB_TEST_REDIS_ADDR.
func TestRedisIdempotency(t *testing.T) {
	addr := os.Getenv("EVENTHUB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EVENTHUB_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "eventhub:test:" + event.NewID() + ":"
	s := pipeline.NewRedisIdempotency(client, prefix)

	ok, err := s.Claim(ctx, "k", "e1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Claim(ctx, "k", "e1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Claim(ctx, "k", "e2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.Del(ctx, prefix+"k").Err())
}
