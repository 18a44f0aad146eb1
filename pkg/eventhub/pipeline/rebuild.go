package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

// Rebuild replays every validated mutation in log into proj and returns the
// position of the last record read. Rows take the id of the approved event
// that caused each validated one, as the worker writes them. Derived fields
// are not restored; enrichers fill them on the next change.
func Rebuild(ctx context.Context, log store.Log, proj Projection, batch int) (store.Cursor, error) {
	if batch <= 0 {
		batch = store.DefaultReadLimit
	}
	var after store.Cursor
	for {
		recs, err := log.Scan(ctx, after, batch)
		if err != nil {
			return after, fmt.Errorf("rebuild projection: %w", err)
		}
		if len(recs) == 0 {
			return after, nil
		}
		for _, rec := range recs {
			if err := replay(ctx, proj, rec.Event); err != nil {
				return after, fmt.Errorf("rebuild projection at %d: %w", rec.Position, err)
			}
			after = rec.Position
		}
	}
}

func replay(ctx context.Context, proj Projection, evt event.Event) error {
	typ, err := event.ParseType(evt.Type)
	if err != nil || !typ.IsPhase() || typ.Modifier != event.ModifierValidated {
		return nil
	}
	if typ.Action == event.ActionDelete {
		err := proj.Tombstone(ctx, evt.SubjectID, evt.CausationID, evt.Timestamp)
		if errors.Is(err, ErrRowNotFound) {
			return nil
		}
		return err
	}
	return proj.Upsert(ctx, Row{
		SubjectID:   evt.SubjectID,
		SubjectType: evt.SubjectType,
		UserID:      evt.UserID,
		Data:        evt.Data,
		EventID:     evt.CausationID,
		UpdatedAt:   evt.Timestamp,
	})
}
