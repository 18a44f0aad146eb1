package pipeline

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

// ErrRowNotFound is returned by Projection.Get for unknown subjects.
var ErrRowNotFound = errors.New("projection row not found")

// Row is the projected state of one subject.
type Row struct {
	SubjectID   string
	SubjectType string
	UserID      string
	Data        map[string]any
	// Derived holds enrichment output, kept apart from user data.
	Derived map[string]any
	// EventID is the approved event last applied.
	EventID   string
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the row carries a tombstone.
func (r Row) Deleted() bool { return r.DeletedAt != nil }

// Projection is the write contract of the domain worker. Writes are keyed
// on the subject and must be idempotent: the worker may re-run them.
type Projection interface {
	// Get returns the row for subjectID, or ErrRowNotFound.
	Get(ctx context.Context, subjectID string) (Row, error)
	// Upsert creates the row or merges row.Data into it.
	Upsert(ctx context.Context, row Row) error
	// Tombstone marks the row deleted without removing it.
	Tombstone(ctx context.Context, subjectID, eventID string, at time.Time) error
	// Enrich merges derived fields into the row.
	Enrich(ctx context.Context, subjectID string, derived map[string]any) error
}

// MemoryProjection is an in-memory Projection.
type MemoryProjection struct {
	mu   sync.RWMutex
	rows map[string]Row
}

// NewMemoryProjection creates an empty projection.
func NewMemoryProjection() *MemoryProjection {
	return &MemoryProjection{rows: make(map[string]Row)}
}

// Get implements Projection.
func (p *MemoryProjection) Get(_ context.Context, subjectID string) (Row, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	row, ok := p.rows[subjectID]
	if !ok {
		return Row{}, ErrRowNotFound
	}
	return cloneRow(row), nil
}

// Upsert implements Projection.
func (p *MemoryProjection) Upsert(_ context.Context, row Row) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.rows[row.SubjectID]
	if !ok {
		p.rows[row.SubjectID] = cloneRow(row)
		return nil
	}
	if cur.Data == nil {
		cur.Data = map[string]any{}
	}
	maps.Copy(cur.Data, row.Data)
	if row.SubjectType != "" {
		cur.SubjectType = row.SubjectType
	}
	cur.EventID = row.EventID
	cur.UpdatedAt = row.UpdatedAt
	p.rows[row.SubjectID] = cur
	return nil
}

// Tombstone implements Projection.
func (p *MemoryProjection) Tombstone(_ context.Context, subjectID, eventID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.rows[subjectID]
	if !ok {
		return ErrRowNotFound
	}
	if cur.DeletedAt == nil {
		cur.DeletedAt = &at
	}
	cur.EventID = eventID
	cur.UpdatedAt = at
	p.rows[subjectID] = cur
	return nil
}

// Enrich implements Projection.
func (p *MemoryProjection) Enrich(_ context.Context, subjectID string, derived map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.rows[subjectID]
	if !ok {
		return ErrRowNotFound
	}
	if cur.Derived == nil {
		cur.Derived = map[string]any{}
	}
	maps.Copy(cur.Derived, derived)
	p.rows[subjectID] = cur
	return nil
}

// Len returns the number of rows, tombstoned ones included.
func (p *MemoryProjection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rows)
}

func cloneRow(r Row) Row {
	r.Data = maps.Clone(r.Data)
	r.Derived = maps.Clone(r.Derived)
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		r.DeletedAt = &at
	}
	return r
}
