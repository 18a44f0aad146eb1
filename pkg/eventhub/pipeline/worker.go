package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/randalmurphal/eventhub/pkg/eventhub/blob"
	"github.com/randalmurphal/eventhub/pkg/eventhub/dispatch"
	hberrors "github.com/randalmurphal/eventhub/pkg/eventhub/errors"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/observability"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

// RefSuffix is appended to a field name when its value moved to the blob
// store; the field then holds the blob key under the suffixed name.
const RefSuffix = "Ref"

// DefaultOffloadThreshold is the string length above which offload fields
// move to the blob store.
const DefaultOffloadThreshold = 16 << 10

// WorkerConfig configures the Worker.
type WorkerConfig struct {
	// Projection receives the writes. Required.
	Projection Projection
	// Blobs stores large field values. Offloading is off when nil.
	Blobs blob.Store
	// OffloadFields lists the data fields eligible for offload.
	// Default: ["content"].
	OffloadFields []string
	// OffloadThreshold in bytes. Default: DefaultOffloadThreshold.
	OffloadThreshold int

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

// Worker applies approved mutations to the projection and appends
// `*.validated` once the write succeeded.
type Worker struct {
	store store.Store
	cfg   WorkerConfig
}

// NewWorker creates the domain worker.
func NewWorker(s store.Store, cfg WorkerConfig) *Worker {
	if len(cfg.OffloadFields) == 0 {
		cfg.OffloadFields = []string{"content"}
	}
	if cfg.OffloadThreshold <= 0 {
		cfg.OffloadThreshold = DefaultOffloadThreshold
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &Worker{store: s, cfg: cfg}
}

// Register subscribes the worker to approved events.
func (w *Worker) Register(d *dispatch.Dispatcher, opts ...dispatch.SubscribeOption) error {
	return d.Subscribe(ApprovedPattern, WorkerSubscription, w, opts...)
}

// Handle implements dispatch.Handler.
func (w *Worker) Handle(ctx context.Context, evt event.Event) error {
	typ, err := event.ParseType(evt.Type)
	if err != nil || !typ.IsPhase() || typ.Modifier != event.ModifierApproved {
		return nil
	}

	data, err := w.offload(ctx, evt.Data)
	if err != nil {
		return err
	}

	switch typ.Action {
	case event.ActionDelete:
		err = w.cfg.Projection.Tombstone(ctx, evt.SubjectID, evt.ID, evt.Timestamp)
		if errors.Is(err, ErrRowNotFound) {
			return hberrors.Permanent(err, "tombstone "+evt.SubjectID)
		}
	default:
		err = w.cfg.Projection.Upsert(ctx, Row{
			SubjectID:   evt.SubjectID,
			SubjectType: evt.SubjectType,
			UserID:      evt.UserID,
			Data:        data,
			EventID:     evt.ID,
			UpdatedAt:   evt.Timestamp,
		})
	}
	if err != nil {
		return fmt.Errorf("project %s: %w", evt.SubjectID, err)
	}

	validated := event.FromCause(evt, typ.WithModifier(event.ModifierValidated).String(), data,
		event.WithID(event.DerivedID(evt.ID, event.ModifierValidated)),
		event.WithMetadata(evt.Metadata.Clone()),
	)
	_, err = w.store.Append(ctx, validated)
	w.cfg.Metrics.RecordAppend(ctx, validated.Type, err)
	if err != nil && !errors.Is(err, store.ErrDuplicateID) {
		return fmt.Errorf("append %s: %w", validated.Type, err)
	}
	if err == nil && w.cfg.Logger != nil {
		w.cfg.Logger.Debug("mutation validated", observability.EventAttrs(validated)...)
	}
	return nil
}

// offload returns a copy of data with large fields replaced by blob keys.
func (w *Worker) offload(ctx context.Context, data map[string]any) (map[string]any, error) {
	out := maps.Clone(data)
	if w.cfg.Blobs == nil {
		return out, nil
	}
	for _, field := range w.cfg.OffloadFields {
		s, ok := out[field].(string)
		if !ok || len(s) <= w.cfg.OffloadThreshold {
			continue
		}
		key, err := w.cfg.Blobs.Put(ctx, []byte(s))
		if err != nil {
			return nil, fmt.Errorf("offload %s: %w", field, err)
		}
		delete(out, field)
		out[field+RefSuffix] = key
	}
	return out, nil
}
