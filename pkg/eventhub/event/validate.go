package event

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports a structurally invalid event or payload.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// Validate checks the envelope fields every stored event must carry.
// It does not look at Data; payload schemas are the job of Schemas.
func (e Event) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return &ValidationError{Field: "id", Reason: "not a uuid"}
	}
	if e.SchemaVersion != SchemaVersion {
		return &ValidationError{Field: "schemaVersion", Reason: fmt.Sprintf("want %q, got %q", SchemaVersion, e.SchemaVersion)}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Reason: "required"}
	}
	t, err := ParseType(e.Type)
	if err != nil {
		return &ValidationError{Field: "type", Reason: err.Error()}
	}
	if e.UserID == "" {
		return &ValidationError{Field: "userId", Reason: "required"}
	}
	if !e.Source.Valid() {
		return &ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", e.Source)}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	if t.IsPhase() && e.SubjectID == "" {
		return &ValidationError{Field: "subjectId", Reason: "required for " + t.Modifier + " events"}
	}
	if e.CausationID != "" && e.CausationID == e.ID {
		return &ValidationError{Field: "causationId", Reason: "event cannot cause itself"}
	}
	return nil
}
