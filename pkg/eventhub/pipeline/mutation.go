// Package pipeline implements the three-phase mutation pipeline.
//
// A mutation enters as a `*.requested` event appended by Submitter. The
// Permission handler turns an authorized request into `*.approved`, the
// Worker performs the projection write and appends `*.validated`, and
// Enrichers react to validated events. Handlers never call each other: each
// one appends to the store and the relay dispatches what it appended.
//
// Rejected requests leave no trace in the log. Callers detect rejection by
// the absence of an approved and validated pair within their own timeout.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/observability"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

// Mutation is a create, update or delete request for one subject.
type Mutation struct {
	// UserID is the authenticated tenant. Required.
	UserID string
	// Collection is the event subject segment, e.g. "entities".
	Collection string
	// Action is one of event.ActionCreate, ActionUpdate, ActionDelete.
	Action string
	// SubjectID names the target. Generated for creates when empty.
	SubjectID string
	// SubjectType is the domain kind of the subject, e.g. "note".
	SubjectType string
	// Data is the caller-supplied payload, validated against the schema.
	Data map[string]any

	Source        event.Source
	CorrelationID string
	CausationID   string
	Metadata      *event.Metadata
}

// SubmitterConfig configures a Submitter.
type SubmitterConfig struct {
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Clock   clock.Clock
}

// Submitter is the single write path into the pipeline.
type Submitter struct {
	store   store.Store
	schemas *event.Schemas
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	clock   clock.Clock
}

// NewSubmitter creates a Submitter validating payloads against schemas.
func NewSubmitter(s store.Store, schemas *event.Schemas, cfg SubmitterConfig) *Submitter {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Submitter{
		store:   s,
		schemas: schemas,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}
}

// Submit validates m and appends the corresponding `*.requested` event.
// A nil error means the request was accepted into the pipeline, not that it
// was applied.
func (s *Submitter) Submit(ctx context.Context, m Mutation) (event.Event, error) {
	evt, err := s.build(m)
	if err != nil {
		return event.Event{}, err
	}

	_, err = s.store.Append(ctx, evt)
	s.metrics.RecordAppend(ctx, evt.Type, err)
	if err != nil {
		return event.Event{}, fmt.Errorf("submit %s: %w", evt.Type, err)
	}
	if s.logger != nil {
		s.logger.Debug("mutation requested", observability.EventAttrs(evt)...)
	}
	return evt, nil
}

// Validate checks m the way Submit does without appending anything.
func (s *Submitter) Validate(m Mutation) error {
	_, err := s.build(m)
	return err
}

func (s *Submitter) build(m Mutation) (event.Event, error) {
	switch m.Action {
	case event.ActionCreate:
		if m.SubjectID == "" {
			m.SubjectID = event.NewID()
		}
	case event.ActionUpdate, event.ActionDelete:
		if m.SubjectID == "" {
			return event.Event{}, &event.ValidationError{Field: "subjectId", Reason: "required for " + m.Action}
		}
	default:
		return event.Event{}, &event.ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported action %q", m.Action)}
	}
	if m.UserID == "" {
		return event.Event{}, &event.ValidationError{Field: "userId", Reason: "required"}
	}
	if m.Source == "" {
		m.Source = event.SourceAPI
	}

	typ, err := event.ParseType(m.Collection + "." + m.Action + "." + event.ModifierRequested)
	if err != nil {
		return event.Event{}, &event.ValidationError{Field: "type", Reason: err.Error()}
	}
	switch {
	case s.schemas == nil:
	case m.Action == event.ActionDelete:
		if !s.schemas.Known(typ.Subject) {
			return event.Event{}, &event.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown subject %q", typ.Subject)}
		}
	default:
		if err := s.schemas.Validate(typ, m.Data); err != nil {
			return event.Event{}, err
		}
	}

	opts := []event.Option{
		event.WithSubject(m.SubjectID, m.SubjectType),
		event.WithTimestamp(s.clock.Now()),
	}
	if m.CorrelationID != "" {
		opts = append(opts, event.WithCorrelationID(m.CorrelationID))
	}
	if m.CausationID != "" {
		opts = append(opts, event.WithCausationID(m.CausationID))
	}
	if m.Metadata != nil {
		opts = append(opts, event.WithMetadata(m.Metadata.Clone()))
	}

	evt := event.New(typ.String(), m.UserID, m.Source, m.Data, opts...)
	if err := evt.Validate(); err != nil {
		return event.Event{}, err
	}
	return evt.Clone(), nil
}
