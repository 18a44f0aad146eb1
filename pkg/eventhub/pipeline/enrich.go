package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/randalmurphal/eventhub/pkg/eventhub/blob"
	"github.com/randalmurphal/eventhub/pkg/eventhub/dispatch"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// Derived field names written by ContentDigest.
const (
	DerivedContentDigest = "contentDigest"
	DerivedWordCount     = "wordCount"
)

// Enricher reacts to validated events. Enrichers derive data; they never
// append phase events.
type Enricher interface {
	dispatch.Handler
	Name() string
}

// RegisterEnrichers subscribes each enricher to validated events.
func RegisterEnrichers(d *dispatch.Dispatcher, enrichers ...Enricher) error {
	for _, e := range enrichers {
		if err := d.Subscribe(ValidatedPattern, e.Name(), e); err != nil {
			return err
		}
	}
	return nil
}

// ContentDigest records a BLAKE3 digest and word count of a text field
// whenever the field's content changes.
type ContentDigest struct {
	Projection Projection
	// Blobs resolves offloaded content. Optional.
	Blobs blob.Store
	// Field defaults to "content".
	Field string
}

// Name implements Enricher.
func (c *ContentDigest) Name() string { return "content-digest" }

// Handle implements dispatch.Handler.
func (c *ContentDigest) Handle(ctx context.Context, evt event.Event) error {
	typ, err := event.ParseType(evt.Type)
	if err != nil || !typ.IsPhase() || typ.Modifier != event.ModifierValidated || typ.Action == event.ActionDelete {
		return nil
	}

	content, ok, err := c.content(ctx, evt.Data)
	if err != nil || !ok {
		return err
	}
	sum := blake3.Sum256([]byte(content))
	digest := hex.EncodeToString(sum[:])

	row, err := c.Projection.Get(ctx, evt.SubjectID)
	if err != nil {
		return fmt.Errorf("load subject %s: %w", evt.SubjectID, err)
	}
	if row.Derived[DerivedContentDigest] == digest {
		return nil
	}
	return c.Projection.Enrich(ctx, evt.SubjectID, map[string]any{
		DerivedContentDigest: digest,
		DerivedWordCount:     len(strings.Fields(content)),
	})
}

func (c *ContentDigest) content(ctx context.Context, data map[string]any) (string, bool, error) {
	field := c.Field
	if field == "" {
		field = "content"
	}
	if s, ok := data[field].(string); ok {
		return s, true, nil
	}
	key, ok := data[field+RefSuffix].(string)
	if !ok || c.Blobs == nil {
		return "", false, nil
	}
	raw, err := c.Blobs.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", key, err)
	}
	return string(raw), true, nil
}
