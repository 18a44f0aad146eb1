package store

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// Events are cloned on the way in and on the way out.
type MemoryStore struct {
	mu         sync.RWMutex
	records    []Record
	byID       map[string]int
	byUser     map[string][]int
	subjectSeq map[string]int64
	owners     map[string]string // subject -> user of its first event
	closed     bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]int),
		byUser:     make(map[string][]int),
		subjectSeq: make(map[string]int64),
		owners:     make(map[string]string),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, evt event.Event) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := checkEnvelope(evt); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}
	if _, ok := s.byID[evt.ID]; ok {
		return Record{}, &DuplicateIDError{ID: evt.ID}
	}

	var cause *event.Event
	if evt.CausationID != "" {
		if idx, ok := s.byID[evt.CausationID]; ok {
			cause = &s.records[idx].Event
		}
	}
	if err := checkCause(evt, cause); err != nil {
		return Record{}, err
	}

	rec := Record{
		Position: Cursor(len(s.records) + 1),
		Event:    evt.Clone(),
	}
	if evt.SubjectID != "" {
		if _, ok := s.owners[evt.SubjectID]; !ok {
			s.owners[evt.SubjectID] = evt.UserID
		}
		s.subjectSeq[evt.SubjectID]++
		rec.SubjectSeq = s.subjectSeq[evt.SubjectID]
	}

	idx := len(s.records)
	s.records = append(s.records, rec)
	s.byID[evt.ID] = idx
	s.byUser[evt.UserID] = append(s.byUser[evt.UserID], idx)

	out := rec
	out.Event = rec.Event.Clone()
	return out, nil
}

// ReadSince implements Store. The matching page is selected when iteration
// starts, so appends made by the consumer while iterating are not seen.
func (s *MemoryStore) ReadSince(ctx context.Context, q Query, after Cursor) iter.Seq2[Record, error] {
	if err := checkQuery(q); err != nil {
		return errSeq(err)
	}
	return func(yield func(Record, error) bool) {
		page, err := s.page(ctx, q, after)
		if err != nil {
			yield(Record{}, err)
			return
		}
		for _, rec := range page {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) page(ctx context.Context, q Query, after Cursor) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if owner, ok := s.owners[q.SubjectID]; ok && owner != q.UserID {
		return nil, &TenantError{UserID: q.UserID, Resource: "subject " + q.SubjectID}
	}

	idxs := s.byUser[q.UserID]
	// Positions are index+1, so the first index with position > after is
	// the first index >= after.
	start := sort.SearchInts(idxs, int(after))

	limit := q.limit()
	var out []Record
	for _, idx := range idxs[start:] {
		rec := s.records[idx]
		if !q.matches(rec.Event) {
			continue
		}
		rec.Event = rec.Event.Clone()
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, userID, id string) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if userID == "" {
		return event.Event{}, ErrTenantRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return event.Event{}, ErrStoreClosed
	}
	idx, ok := s.byID[id]
	if !ok {
		return event.Event{}, ErrNotFound
	}
	evt := s.records[idx].Event
	if evt.UserID != userID {
		return event.Event{}, &TenantError{UserID: userID, Resource: "event " + id}
	}
	return evt.Clone(), nil
}

// Scan implements Log.
func (s *MemoryStore) Scan(ctx context.Context, after Cursor, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if after < 0 {
		after = 0
	}
	start := int(after)
	if start >= len(s.records) {
		return nil, nil
	}
	end := min(start+limit, len(s.records))

	out := make([]Record, 0, end-start)
	for _, rec := range s.records[start:end] {
		rec.Event = rec.Event.Clone()
		out = append(out, rec)
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
