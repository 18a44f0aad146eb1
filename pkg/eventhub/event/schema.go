package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// AnyAction registers a schema for every action of a subject.
const AnyAction = "*"

// Schemas holds the payload JSON Schema per subject and action.
//
// Schemas is built once at startup and handed to the components that
// validate payloads; there is no package-level instance.
type Schemas struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
	subjects map[string]bool
}

// NewSchemas creates an empty schema set.
func NewSchemas() *Schemas {
	return &Schemas{
		compiled: make(map[string]*jsonschema.Schema),
		subjects: make(map[string]bool),
	}
}

// Register compiles and stores a Draft 2020-12 schema for subject and
// action. Use AnyAction to cover all actions without a specific schema.
// Registering a subject with an empty schema marks it known and
// unconstrained.
func (s *Schemas) Register(subject, action, schema string) error {
	if !segmentPattern.MatchString(subject) {
		return fmt.Errorf("schema subject %q: invalid", subject)
	}
	if action != AnyAction && !segmentPattern.MatchString(action) {
		return fmt.Errorf("schema action %q: invalid", action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[subject] = true

	if strings.TrimSpace(schema) == "" {
		return nil
	}

	url := "eventhub://schemas/" + subject + "/" + action + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("add schema %s.%s: %w", subject, action, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s.%s: %w", subject, action, err)
	}
	s.compiled[subject+"."+action] = compiled
	return nil
}

// MustRegister registers a schema, panicking on error.
func (s *Schemas) MustRegister(subject, action, schema string) {
	if err := s.Register(subject, action, schema); err != nil {
		panic(err)
	}
}

// Known reports whether the subject was registered.
func (s *Schemas) Known(subject string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subjects[subject]
}

// Subjects returns the registered subjects.
func (s *Schemas) Subjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subjects))
	for k := range s.subjects {
		out = append(out, k)
	}
	return out
}

// Validate checks data against the schema for the type's subject and
// action. Unknown subjects are rejected.
func (s *Schemas) Validate(typ Type, data map[string]any) error {
	s.mu.RLock()
	known := s.subjects[typ.Subject]
	sch, ok := s.compiled[typ.Subject+"."+typ.Action]
	if !ok {
		sch, ok = s.compiled[typ.Subject+"."+AnyAction]
	}
	s.mu.RUnlock()

	if !known {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown subject %q", typ.Subject)}
	}
	if !ok {
		return nil
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return &ValidationError{Field: "data", Reason: err.Error()}
	}
	if err := sch.Validate(doc); err != nil {
		return &ValidationError{Field: "data", Reason: err.Error()}
	}
	return nil
}

// toJSONValue normalizes Go values (ints, typed slices) to the decoded
// JSON shapes the validator expects.
func toJSONValue(data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
