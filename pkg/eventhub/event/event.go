package event

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the envelope shape tag written on every event.
const SchemaVersion = "v1"

// Source identifies where an event originated.
type Source string

// Event sources.
const (
	SourceAPI          Source = "api"
	SourceAutomation   Source = "automation"
	SourceSync         Source = "sync"
	SourceMigration    Source = "migration"
	SourceSystem       Source = "system"
	SourceIntelligence Source = "intelligence"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceAPI, SourceAutomation, SourceSync, SourceMigration, SourceSystem, SourceIntelligence:
		return true
	}
	return false
}

// Event is the immutable envelope stored in the log.
//
// Events are values: once appended, nobody mutates them. Handlers that need
// to change Data must Clone first.
type Event struct {
	ID            string         `json:"id"`
	SchemaVersion string         `json:"schemaVersion"`
	Type          string         `json:"type"`
	SubjectID     string         `json:"subjectId,omitempty"`
	SubjectType   string         `json:"subjectType,omitempty"`
	Data          map[string]any `json:"data"`
	UserID        string         `json:"userId"`
	Source        Source         `json:"source"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	CausationID   string         `json:"causationId,omitempty"`
	Metadata      *Metadata      `json:"metadata,omitempty"`
}

// Option configures an event under construction.
type Option func(*Event)

// WithID overrides the generated event id.
func WithID(id string) Option {
	return func(e *Event) { e.ID = id }
}

// WithSubject sets the aggregate the event is about.
func WithSubject(id, subjectType string) Option {
	return func(e *Event) {
		e.SubjectID = id
		e.SubjectType = subjectType
	}
}

// WithCorrelationID sets the correlation id.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithCausationID sets the causation id.
func WithCausationID(id string) Option {
	return func(e *Event) { e.CausationID = id }
}

// WithTimestamp overrides the occurrence time.
func WithTimestamp(t time.Time) Option {
	return func(e *Event) { e.Timestamp = t.UTC() }
}

// WithSource overrides the source.
func WithSource(s Source) Option {
	return func(e *Event) { e.Source = s }
}

// WithMetadata attaches metadata.
func WithMetadata(m *Metadata) Option {
	return func(e *Event) { e.Metadata = m }
}

// NewID returns a fresh time-ordered event id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// New creates a root event. Its correlation id defaults to its own id so
// that every event downstream of it shares one correlation chain.
func New(typ, userID string, source Source, data map[string]any, opts ...Option) Event {
	e := Event{
		ID:            NewID(),
		SchemaVersion: SchemaVersion,
		Type:          typ,
		Data:          data,
		UserID:        userID,
		Source:        source,
		Timestamp:     time.Now().UTC(),
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}
	return e
}

// FromCause creates an event directly caused by cause. It inherits the
// user, subject, source and correlation chain, and its timestamp is never
// earlier than the cause's.
func FromCause(cause Event, typ string, data map[string]any, opts ...Option) Event {
	correlation := cause.CorrelationID
	if correlation == "" {
		correlation = cause.ID
	}
	base := []Option{
		WithSubject(cause.SubjectID, cause.SubjectType),
		WithCorrelationID(correlation),
		WithCausationID(cause.ID),
	}
	e := New(typ, cause.UserID, cause.Source, data, append(base, opts...)...)
	if e.Timestamp.Before(cause.Timestamp) {
		e.Timestamp = cause.Timestamp
	}
	return e
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	out.Data = cloneMap(e.Data)
	if e.Metadata != nil {
		out.Metadata = e.Metadata.Clone()
	}
	return out
}

// Parsed returns the type split into its segments. It panics on types
// that were never validated; use ParseType for untrusted input.
func (e Event) Parsed() Type {
	t, err := ParseType(e.Type)
	if err != nil {
		panic(err)
	}
	return t
}

// Principal returns the acting principal: the one embedded in metadata for
// delegated requests, otherwise the owning user.
func (e Event) Principal() string {
	if e.Metadata != nil && e.Metadata.Principal != "" {
		return e.Metadata.Principal
	}
	return e.UserID
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case map[string]string:
		return maps.Clone(val)
	default:
		return v
	}
}
