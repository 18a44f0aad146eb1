package store

import (
	"errors"
	"fmt"
)

// Sentinel errors. The typed errors below unwrap to these so callers can
// use errors.Is without caring about details.
var (
	// ErrDuplicateID indicates an event with the same id is already stored.
	ErrDuplicateID = errors.New("duplicate event id")

	// ErrSchema indicates an event is missing required envelope fields.
	ErrSchema = errors.New("invalid event schema")

	// ErrCausality indicates a dangling or inconsistent causation id.
	ErrCausality = errors.New("causality violation")

	// ErrTenantRequired indicates a read without a user id.
	ErrTenantRequired = errors.New("user id required for reads")

	// ErrCrossTenant indicates an attempt to read another user's events.
	ErrCrossTenant = errors.New("cross-tenant read")

	// ErrNotFound indicates the requested event does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// DuplicateIDError is returned by Append when the id is taken.
type DuplicateIDError struct {
	ID string
}

// Error implements the error interface.
func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("event %s: %v", e.ID, ErrDuplicateID)
}

// Unwrap returns ErrDuplicateID.
func (e *DuplicateIDError) Unwrap() error { return ErrDuplicateID }

// SchemaError is returned by Append when required fields are missing or
// malformed.
type SchemaError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrSchema, e.Field, e.Reason)
}

// Unwrap returns ErrSchema.
func (e *SchemaError) Unwrap() error { return ErrSchema }

// CausalityError is returned by Append when the causation id does not name
// an acceptable cause.
type CausalityError struct {
	EventID     string
	CausationID string
	Reason      string
}

// Error implements the error interface.
func (e *CausalityError) Error() string {
	return fmt.Sprintf("event %s caused by %s: %s", e.EventID, e.CausationID, e.Reason)
}

// Unwrap returns ErrCausality.
func (e *CausalityError) Unwrap() error { return ErrCausality }

// TenantError is returned when a read targets another user's data.
type TenantError struct {
	UserID   string
	Resource string
}

// Error implements the error interface.
func (e *TenantError) Error() string {
	return fmt.Sprintf("user %s may not read %s: %v", e.UserID, e.Resource, ErrCrossTenant)
}

// Unwrap returns ErrCrossTenant.
func (e *TenantError) Unwrap() error { return ErrCrossTenant }
