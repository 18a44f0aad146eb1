package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// DeniedError is returned by an Authorizer that declines a request. Any
// other error is an infrastructure failure and is retried.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "denied: " + e.Reason
}

// Deny returns a DeniedError.
func Deny(format string, args ...any) error {
	return &DeniedError{Reason: fmt.Sprintf(format, args...)}
}

// IsDenied reports whether err is an authorization denial.
func IsDenied(err error) bool {
	var denied *DeniedError
	return errors.As(err, &denied)
}

// AuthzRequest is what an Authorizer decides on.
type AuthzRequest struct {
	// Principal is the acting identity.
	Principal string
	Event     event.Event
	Type      event.Type
	// Row is the current projection row, nil when the subject is unknown.
	Row *Row
}

// Authorizer decides whether a requested mutation may proceed.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, req AuthzRequest) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, req AuthzRequest) error {
	return f(ctx, req)
}

// Chain requires every authorizer to allow, in order.
func Chain(authorizers ...Authorizer) Authorizer {
	return AuthorizerFunc(func(ctx context.Context, req AuthzRequest) error {
		for _, a := range authorizers {
			if err := a.Authorize(ctx, req); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delegations reports whether principal may act on behalf of userID.
type Delegations interface {
	Delegates(ctx context.Context, principal, userID string) (bool, error)
}

// Ownership allows a principal to create subjects in its own tenant and to
// change subjects its tenant owns. A principal other than the owning user
// must hold a delegation.
type Ownership struct {
	Delegations Delegations
}

// Authorize implements Authorizer.
func (o Ownership) Authorize(ctx context.Context, req AuthzRequest) error {
	evt := req.Event
	if req.Principal != evt.UserID {
		if o.Delegations == nil {
			return Deny("principal %s has no delegation", req.Principal)
		}
		ok, err := o.Delegations.Delegates(ctx, req.Principal, evt.UserID)
		if err != nil {
			return fmt.Errorf("check delegation: %w", err)
		}
		if !ok {
			return Deny("principal %s may not act for %s", req.Principal, evt.UserID)
		}
	}

	switch req.Type.Action {
	case event.ActionCreate:
		if req.Row != nil {
			return Deny("subject %s already exists", evt.SubjectID)
		}
	default:
		if req.Row == nil {
			return Deny("subject %s does not exist", evt.SubjectID)
		}
		if req.Row.UserID != evt.UserID {
			return Deny("subject %s is owned by another user", evt.SubjectID)
		}
		if req.Row.Deleted() {
			return Deny("subject %s is deleted", evt.SubjectID)
		}
	}
	return nil
}

// PolicyAuthorizer evaluates a CEL expression that must yield true.
//
// The expression sees `principal`, `user`, `event_type`, `subject`, `action`,
// `subject_id`, `data` and `row` (the row's data, empty for creates).
//
//	action != "delete" || principal == user
type PolicyAuthorizer struct {
	expr string
	prg  cel.Program
}

// NewPolicyAuthorizer compiles expr.
func NewPolicyAuthorizer(expr string) (*PolicyAuthorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.StringType),
		cel.Variable("user", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("subject_id", cel.StringType),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile policy: %w", issues.Err())
	}
	prg, err := env.Program(ast, cel.CostLimit(10000), cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("program policy: %w", err)
	}
	return &PolicyAuthorizer{expr: expr, prg: prg}, nil
}

// Authorize implements Authorizer.
func (p *PolicyAuthorizer) Authorize(ctx context.Context, req AuthzRequest) error {
	row := map[string]any{}
	if req.Row != nil && req.Row.Data != nil {
		row = req.Row.Data
	}
	data := req.Event.Data
	if data == nil {
		data = map[string]any{}
	}
	input := map[string]any{
		"principal":  req.Principal,
		"user":       req.Event.UserID,
		"event_type": req.Event.Type,
		"subject":    req.Type.Subject,
		"action":     req.Type.Action,
		"subject_id": req.Event.SubjectID,
		"data":       data,
		"row":        row,
	}

	out, _, err := p.prg.ContextEval(ctx, input)
	if err != nil {
		// Missing keys in data are a policy miss, not an outage.
		return Deny("policy %q: %v", p.expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok || !allowed {
		return Deny("policy %q", p.expr)
	}
	return nil
}
