package dispatch_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhub/pkg/eventhub/dispatch"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/sqldb"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

func TestRelayDeliversAndSavesCursor(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, noteEvent("entities.create.requested", "s1"))
		require.NoError(t, err)
	}

	d := newDispatcher(t)
	seen := &collector{}
	require.NoError(t, d.Subscribe("*", "seen", seen))
	d.Start(ctx)

	cursors := dispatch.NewMemoryCursors()
	relay := dispatch.NewRelay(s, d, dispatch.RelayConfig{Cursors: cursors, BatchSize: 2})

	n, err := relay.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	saved, err := cursors.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, store.Cursor(2), saved)

	n, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, seen.types(), 3)
	assert.Equal(t, store.Cursor(3), relay.Cursor())

	// A new relay resumes from the saved cursor.
	again := dispatch.NewRelay(s, d, dispatch.RelayConfig{Cursors: cursors})
	n, err = again.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayDrainFollowsCascades(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	d := newDispatcher(t)
	require.NoError(t, d.Subscribe("*.*.requested", "approver", dispatch.HandlerFunc(
		func(ctx context.Context, evt event.Event) error {
			approved := event.FromCause(evt, evt.Parsed().WithModifier(event.ModifierApproved).String(), evt.Data,
				event.WithID(event.DerivedID(evt.ID, event.ModifierApproved)))
			_, err := s.Append(ctx, approved)
			if errors.Is(err, store.ErrDuplicateID) {
				return nil
			}
			return err
		})))
	approved := &collector{}
	require.NoError(t, d.Subscribe("*.*.approved", "approved", approved))
	d.Start(ctx)

	_, err := s.Append(ctx, noteEvent("entities.create.requested", "s1"))
	require.NoError(t, err)

	relay := dispatch.NewRelay(s, d, dispatch.RelayConfig{})
	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"entities.create.approved"}, approved.types())
}

func TestRelayBackgroundLoop(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	d := newDispatcher(t)

	var count atomic.Int32
	require.NoError(t, d.Subscribe("*", "count", dispatch.HandlerFunc(func(context.Context, event.Event) error {
		count.Add(1)
		return nil
	})))
	d.Start(ctx)

	relay := dispatch.NewRelay(s, d, dispatch.RelayConfig{PollInterval: 5 * time.Millisecond})
	relay.Start(ctx)
	defer relay.Stop()

	_, err := s.Append(ctx, noteEvent("entities.create.requested", "s1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSQLCursorsAndFailures(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := sqldb.Open(sqldb.DriverSQLite, filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, sqldb.Migrate(db, dialect))

	cursors := dispatch.NewSQLCursors(db, dialect)
	c, err := cursors.Load(ctx, "main")
	require.NoError(t, err)
	assert.Zero(t, c)

	require.NoError(t, cursors.Save(ctx, "main", 7))
	require.NoError(t, cursors.Save(ctx, "main", 9))
	c, err = cursors.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, store.Cursor(9), c)

	failures := dispatch.NewSQLFailureLog(db, dialect)
	evt := noteEvent("entities.create.approved", "s1")
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, sub := range []string{"projection", "enricher"} {
		require.NoError(t, failures.Record(ctx, dispatch.Failure{
			ID:           event.NewID(),
			Subscription: sub,
			Event:        evt,
			Attempts:     3,
			Error:        "boom",
			FailedAt:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := failures.List(ctx, dispatch.FailureQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "enricher", all[0].Subscription, "newest first")
	assert.Equal(t, evt.ID, all[1].Event.ID)
	assert.True(t, base.Equal(all[1].FailedAt))

	only, err := failures.List(ctx, dispatch.FailureQuery{Subscription: "projection"})
	require.NoError(t, err)
	assert.Len(t, only, 1)

	none, err := failures.List(ctx, dispatch.FailureQuery{UserID: "u2"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
