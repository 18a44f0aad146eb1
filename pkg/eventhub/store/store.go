// Package store implements the append-only event log.
//
// Every component of eventhub writes through Store.Append and the relay
// reads new events through Log.Scan. Stored events are never updated or
// deleted. Append rejects duplicate ids, malformed envelopes and dangling
// or inconsistent causation ids, and linearizes appends per subject.
//
// User-facing reads go through ReadSince and Get, which always require a
// user id and fail hard when asked for another user's data.
package store

import (
	"context"
	"errors"
	"hash/fnv"
	"iter"
	"sync"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// DefaultReadLimit bounds a single ReadSince call.
const DefaultReadLimit = 100

// Cursor is a store-wide position. Zero means "before the first event".
type Cursor int64

// Record is a stored event with its position in the log.
type Record struct {
	// Position orders every event in the store.
	Position Cursor
	// SubjectSeq numbers the events of one subject from 1, or is 0 for
	// events without a subject.
	SubjectSeq int64
	// Event is the stored envelope.
	Event event.Event
}

// Query selects events for ReadSince.
type Query struct {
	// UserID is required.
	UserID string
	// SubjectID restricts results to one subject.
	SubjectID string
	// Type restricts results to types matching the pattern.
	Type string
	// Since restricts results to events at or after this time.
	Since time.Time
	// Limit bounds the number of records; DefaultReadLimit when zero.
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultReadLimit
	}
	return q.Limit
}

func (q Query) matches(evt event.Event) bool {
	if evt.UserID != q.UserID {
		return false
	}
	if q.SubjectID != "" && evt.SubjectID != q.SubjectID {
		return false
	}
	if q.Type != "" && !event.Match(q.Type, evt.Type) {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// Store is the append-only event log as seen by producers and tenants.
type Store interface {
	// Append stores evt. It fails with *DuplicateIDError, *SchemaError or
	// *CausalityError and leaves the log unchanged on failure.
	Append(ctx context.Context, evt event.Event) (Record, error)

	// ReadSince lazily yields at most q.Limit records after the cursor.
	// Restart by passing the Position of the last record received.
	ReadSince(ctx context.Context, q Query, after Cursor) iter.Seq2[Record, error]

	// Get returns one event owned by userID.
	Get(ctx context.Context, userID, id string) (event.Event, error)

	// Close releases resources.
	Close() error
}

// Log is the internal cross-tenant feed. Only the relay reads it.
type Log interface {
	Scan(ctx context.Context, after Cursor, limit int) ([]Record, error)
}

// EventStore is implemented by every store backend.
type EventStore interface {
	Store
	Log
}

// Collect drains a ReadSince sequence into a slice.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func checkQuery(q Query) error {
	if q.UserID == "" {
		return ErrTenantRequired
	}
	if q.Type != "" {
		if err := event.ValidatePattern(q.Type); err != nil {
			return err
		}
	}
	return nil
}

func errSeq(err error) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		yield(Record{}, err)
	}
}

// checkEnvelope converts envelope validation failures into SchemaError.
func checkEnvelope(evt event.Event) error {
	if err := evt.Validate(); err != nil {
		var vErr *event.ValidationError
		if errors.As(err, &vErr) {
			return &SchemaError{Field: vErr.Field, Reason: vErr.Reason}
		}
		return &SchemaError{Reason: err.Error()}
	}
	return nil
}

// checkCause enforces the causality invariants given the stored cause,
// which is nil when the causation id names nothing.
func checkCause(evt event.Event, cause *event.Event) error {
	typ, _ := event.ParseType(evt.Type)
	var prev string
	if typ.IsPhase() {
		prev = event.PreviousPhase(typ.Modifier)
	}

	fail := func(reason string) error {
		return &CausalityError{EventID: evt.ID, CausationID: evt.CausationID, Reason: reason}
	}

	if evt.CausationID == "" {
		if prev != "" {
			return fail(typ.Modifier + " events must be caused by a " + prev + " event")
		}
		return nil
	}
	if cause == nil {
		return fail("causation event does not exist")
	}
	if cause.UserID != evt.UserID {
		return fail("causation event belongs to another user")
	}
	if evt.Timestamp.Before(cause.Timestamp) {
		return fail("event precedes its cause")
	}
	if prev != "" {
		want := typ.WithModifier(prev).String()
		if cause.Type != want {
			return fail("want cause of type " + want + ", got " + cause.Type)
		}
		if cause.SubjectID != evt.SubjectID {
			return fail("cause is about another subject")
		}
	}
	return nil
}

// subjectLocks serializes appends per subject within one process.
type subjectLocks struct {
	stripes [64]sync.Mutex
}

func (l *subjectLocks) lock(evt event.Event) func() {
	key := evt.SubjectID
	if key == "" {
		key = evt.ID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
