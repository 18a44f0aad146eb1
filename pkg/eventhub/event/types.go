package event

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Phase modifiers of the mutation pipeline.
const (
	ModifierRequested = "requested"
	ModifierApproved  = "approved"
	ModifierValidated = "validated"
)

// Mutation actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

var segmentPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Type is a parsed `subject.action.modifier` event type.
type Type struct {
	Subject  string
	Action   string
	Modifier string
}

// ParseType splits and validates an event type string.
func ParseType(s string) (Type, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Type{}, fmt.Errorf("event type %q: want subject.action.modifier", s)
	}
	for _, p := range parts {
		if !segmentPattern.MatchString(p) {
			return Type{}, fmt.Errorf("event type %q: invalid segment %q", s, p)
		}
	}
	return Type{Subject: parts[0], Action: parts[1], Modifier: parts[2]}, nil
}

// String joins the segments back into the dotted form.
func (t Type) String() string {
	return t.Subject + "." + t.Action + "." + t.Modifier
}

// WithModifier returns the same subject and action under another modifier.
func (t Type) WithModifier(m string) Type {
	t.Modifier = m
	return t
}

// IsPhase reports whether t is a mutation pipeline event: a mutation
// action under one of the phase modifiers. System events such as
// hub.data.requested share the modifier names but are not phases.
func (t Type) IsPhase() bool {
	return IsMutationAction(t.Action) && PhaseIndex(t.Modifier) >= 0
}

// IsMutationAction reports whether action is create, update or delete.
func IsMutationAction(action string) bool {
	switch action {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// PhaseIndex returns 0, 1, 2 for requested, approved, validated, or -1.
func PhaseIndex(modifier string) int {
	switch modifier {
	case ModifierRequested:
		return 0
	case ModifierApproved:
		return 1
	case ModifierValidated:
		return 2
	}
	return -1
}

// PreviousPhase returns the modifier that must cause an event with the
// given modifier, or "" for requested and non-phase modifiers.
func PreviousPhase(modifier string) string {
	switch modifier {
	case ModifierApproved:
		return ModifierRequested
	case ModifierValidated:
		return ModifierApproved
	}
	return ""
}

var derivedNamespace = uuid.MustParse("6f1c2a9e-5b3d-4f7a-9c1e-2d8b7a4e0f13")

// DerivedID returns the deterministic id of the event with the given
// modifier caused by causeID. Two workers advancing the same event to the
// same phase produce the same id, so the store rejects the second one.
func DerivedID(causeID, modifier string) string {
	return uuid.NewSHA1(derivedNamespace, []byte(causeID+"/"+modifier)).String()
}

// ValidatePattern checks a subscription pattern. A pattern is an exact
// type or dotted segments where `*` matches exactly one segment, except in
// last position where it matches one or more remaining segments.
func ValidatePattern(p string) error {
	if p == "" {
		return fmt.Errorf("empty pattern")
	}
	for _, seg := range strings.Split(p, ".") {
		if seg == "*" {
			continue
		}
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("pattern %q: invalid segment %q", p, seg)
		}
	}
	return nil
}

// Match reports whether the event type matches the pattern.
func Match(pattern, typ string) bool {
	if pattern == typ {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(typ, ".")
	for i, seg := range ps {
		last := i == len(ps)-1
		if i >= len(ts) {
			return false
		}
		if seg == "*" {
			if last {
				return true
			}
			continue
		}
		if seg != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}

// MatchAny reports whether any of the patterns matches typ.
func MatchAny(patterns []string, typ string) bool {
	for _, p := range patterns {
		if Match(p, typ) {
			return true
		}
	}
	return false
}
