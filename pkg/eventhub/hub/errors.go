package hub

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRateLimited is returned when a credential exceeds its call rate.
	ErrRateLimited = errors.New("hub: rate limit exceeded")

	// ErrCredentialNotFound is returned by credential stores for unknown ids.
	ErrCredentialNotFound = errors.New("hub: credential not found")
)

// InvalidCredentialError reports an unknown, revoked, expired or
// mismatched long-lived credential.
type InvalidCredentialError struct {
	Reason string
}

func (e *InvalidCredentialError) Error() string {
	return "hub: invalid credential: " + e.Reason
}

// InvalidTokenError reports a malformed access token or a bad signature.
type InvalidTokenError struct {
	Reason string
}

func (e *InvalidTokenError) Error() string {
	return "hub: invalid token: " + e.Reason
}

// InvalidRequestError reports a malformed call argument.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("hub: invalid %s: %s", e.Field, e.Reason)
}

// ScopeError reports a requested scope that is empty, unknown or beyond
// the credential's ceiling.
type ScopeError struct {
	Requested []string
	Allowed   []string
	Reason    string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("hub: scope [%s] not allowed: %s", strings.Join(e.Requested, ","), e.Reason)
}

// ExpiredTokenError reports an access token past its expiry.
type ExpiredTokenError struct {
	ExpiredAt time.Time
}

func (e *ExpiredTokenError) Error() string {
	return "hub: token expired at " + e.ExpiredAt.UTC().Format(time.RFC3339)
}

// ScopeViolationError reports a data request beyond the token's grant.
type ScopeViolationError struct {
	Requested []string
	Granted   []string
}

func (e *ScopeViolationError) Error() string {
	return fmt.Sprintf("hub: scope [%s] exceeds grant [%s]",
		strings.Join(e.Requested, ","), strings.Join(e.Granted, ","))
}

// CorrelationMismatchError reports an insight whose correlation id differs
// from the request id the token was minted for.
type CorrelationMismatchError struct {
	Expected string
	Got      string
}

func (e *CorrelationMismatchError) Error() string {
	return fmt.Sprintf("hub: insight correlation %q does not match request %q", e.Got, e.Expected)
}

// InsightActionError reports an invalid insight action.
type InsightActionError struct {
	Index int
	Err   error
}

func (e *InsightActionError) Error() string {
	return fmt.Sprintf("hub: insight action %d: %v", e.Index, e.Err)
}

func (e *InsightActionError) Unwrap() error { return e.Err }

// outcome classifies err for audit events and metrics.
func outcome(err error) string {
	var (
		cred     *InvalidCredentialError
		tok      *InvalidTokenError
		req      *InvalidRequestError
		scope    *ScopeError
		expired  *ExpiredTokenError
		violates *ScopeViolationError
		mismatch *CorrelationMismatchError
		action   *InsightActionError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.As(err, &cred):
		return "invalid_credential"
	case errors.As(err, &tok):
		return "invalid_token"
	case errors.As(err, &req), errors.As(err, &action):
		return "invalid_request"
	case errors.As(err, &scope):
		return "scope_error"
	case errors.As(err, &expired):
		return "expired_token"
	case errors.As(err, &violates):
		return "scope_violation"
	case errors.As(err, &mismatch):
		return "correlation_mismatch"
	}
	return "error"
}
