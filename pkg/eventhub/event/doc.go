// Package event defines the event envelope shared by every eventhub
// component.
//
// # Envelope
//
// An Event is an immutable fact: a uuid id, the literal schema version
// "v1", a dotted `subject.action.modifier` type, an optional subject, the
// owning user, an origin Source, a timestamp, an optional correlation and
// causation id, a payload map and optional kind-typed Metadata.
//
//	requested := event.New("entities.create.requested", "u1", event.SourceAPI,
//	    map[string]any{"type": "note", "title": "T"},
//	    event.WithSubject(noteID, "note"))
//
// Events caused by another event inherit its user, subject and
// correlation chain:
//
//	approved := event.FromCause(requested, "entities.create.approved", requested.Data,
//	    event.WithID(event.DerivedID(requested.ID, event.ModifierApproved)))
//
// # Types and Patterns
//
// ParseType splits a type into Subject, Action and Modifier. Subscription
// patterns are exact types or use `*` per segment, with a trailing `*`
// matching the rest:
//
//	event.Match("entities.create.*", "entities.create.approved") // true
//	event.Match("*.*.requested", "tasks.update.requested")      // true
//	event.Match("*", "hub.token.generated")                     // true
//
// # Payload Schemas
//
// Schemas maps a subject (and optionally an action) to a JSON Schema.
// Mutation payloads are validated before any event is appended.
//
// # Codecs
//
// JSON and deterministic CBOR codecs are provided for storage adapters.
package event
