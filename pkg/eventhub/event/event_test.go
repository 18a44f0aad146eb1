package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

func TestNewDefaults(t *testing.T) {
	evt := event.New("entities.create.requested", "u1", event.SourceAPI, nil)

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, event.SchemaVersion, evt.SchemaVersion)
	assert.Equal(t, evt.ID, evt.CorrelationID, "root events start their own correlation chain")
	assert.Empty(t, evt.CausationID)
	assert.NotNil(t, evt.Data)
	assert.False(t, evt.Timestamp.IsZero())
	assert.Equal(t, time.UTC, evt.Timestamp.Location())
}

func TestNewIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := event.NewID()
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestFromCause(t *testing.T) {
	future := time.Now().Add(time.Hour).UTC()
	cause := event.New("entities.create.requested", "u1", event.SourceAPI,
		map[string]any{"title": "T"},
		event.WithSubject("s1", "note"),
		event.WithTimestamp(future),
	)

	child := event.FromCause(cause, "entities.create.approved", cause.Data)

	assert.Equal(t, cause.UserID, child.UserID)
	assert.Equal(t, cause.SubjectID, child.SubjectID)
	assert.Equal(t, cause.SubjectType, child.SubjectType)
	assert.Equal(t, cause.ID, child.CausationID)
	assert.Equal(t, cause.CorrelationID, child.CorrelationID)
	assert.False(t, child.Timestamp.Before(cause.Timestamp), "effects never precede causes")
}

func TestCloneIsDeep(t *testing.T) {
	evt := event.New("entities.create.requested", "u1", event.SourceAPI,
		map[string]any{"tags": []any{"a"}, "nested": map[string]any{"k": "v"}},
		event.WithMetadata(&event.Metadata{AI: &event.AIProvenance{Agent: "a1"}}),
	)

	clone := evt.Clone()
	clone.Data["nested"].(map[string]any)["k"] = "changed"
	clone.Data["tags"].([]any)[0] = "b"
	clone.Metadata.AI.Agent = "a2"

	assert.Equal(t, "v", evt.Data["nested"].(map[string]any)["k"])
	assert.Equal(t, "a", evt.Data["tags"].([]any)[0])
	assert.Equal(t, "a1", evt.Metadata.AI.Agent)
}

func TestPrincipal(t *testing.T) {
	evt := event.New("entities.create.requested", "u1", event.SourceAPI, nil)
	assert.Equal(t, "u1", evt.Principal())

	evt.Metadata = &event.Metadata{Principal: "svc-1"}
	assert.Equal(t, "svc-1", evt.Principal())
}

func TestValidate(t *testing.T) {
	valid := func() event.Event {
		return event.New("entities.create.requested", "u1", event.SourceAPI, nil,
			event.WithSubject("s1", "note"))
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*event.Event)
		field  string
	}{
		{"missing id", func(e *event.Event) { e.ID = "" }, "id"},
		{"non uuid id", func(e *event.Event) { e.ID = "abc" }, "id"},
		{"wrong version", func(e *event.Event) { e.SchemaVersion = "v2" }, "schemaVersion"},
		{"missing type", func(e *event.Event) { e.Type = "" }, "type"},
		{"two segment type", func(e *event.Event) { e.Type = "entities.create" }, "type"},
		{"upper case type", func(e *event.Event) { e.Type = "Entities.create.requested" }, "type"},
		{"missing user", func(e *event.Event) { e.UserID = "" }, "userId"},
		{"bad source", func(e *event.Event) { e.Source = "email" }, "source"},
		{"zero timestamp", func(e *event.Event) { e.Timestamp = time.Time{} }, "timestamp"},
		{"phase without subject", func(e *event.Event) { e.SubjectID = "" }, "subjectId"},
		{"self causation", func(e *event.Event) { e.CausationID = e.ID }, "causationId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := valid()
			tt.mutate(&evt)
			err := evt.Validate()
			var vErr *event.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestSystemEventsNeedNoSubject(t *testing.T) {
	for _, typ := range []string{"hub.token.generated", "hub.data.requested", "webhooks.deliver.requested"} {
		evt := event.New(typ, "u1", event.SourceSystem, nil)
		assert.NoError(t, evt.Validate(), typ)
	}

	mutation := event.New("entities.update.requested", "u1", event.SourceAPI, nil)
	var vErr *event.ValidationError
	require.ErrorAs(t, mutation.Validate(), &vErr)
	assert.Equal(t, "subjectId", vErr.Field)
}

func TestMetadataKind(t *testing.T) {
	var m *event.Metadata
	assert.Equal(t, "", m.Kind())
	assert.Equal(t, event.MetadataKindAI, (&event.Metadata{AI: &event.AIProvenance{}}).Kind())
	assert.Equal(t, event.MetadataKindImport, (&event.Metadata{Import: &event.ImportProvenance{}}).Kind())
	assert.Equal(t, event.MetadataKindSync, (&event.Metadata{Sync: &event.SyncContext{}}).Kind())
	assert.Equal(t, "", (&event.Metadata{Principal: "p"}).Kind())
}
