package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	"github.com/randalmurphal/eventhub/pkg/eventhub/dispatch"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/observability"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

// Subscription names and patterns of the pipeline handlers.
const (
	PermissionSubscription = "permission"
	WorkerSubscription     = "projection-worker"

	RequestedPattern = "*.*." + event.ModifierRequested
	ApprovedPattern  = "*.*." + event.ModifierApproved
	ValidatedPattern = "*.*." + event.ModifierValidated
)

// Rejection reasons reported to metrics.
const (
	RejectDenied    = "denied"
	RejectDuplicate = "duplicate"
)

// PermissionConfig configures the Permission handler.
type PermissionConfig struct {
	// Projection supplies the current state of update and delete targets.
	Projection Projection
	// Authorizer decides on each request. Default: Ownership without
	// delegations.
	Authorizer Authorizer
	// Idempotency deduplicates requests. Default: in-memory.
	Idempotency IdempotencyStore
	// IdempotencyTTL bounds the dedup window of explicit keys.
	// Default: DefaultIdempotencyTTL.
	IdempotencyTTL time.Duration
	// DerivedIdempotencyTTL bounds the dedup window of payload-derived
	// keys. Default: DefaultDerivedIdempotencyTTL.
	DerivedIdempotencyTTL time.Duration

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Clock   clock.Clock
}

// Permission turns authorized `*.requested` events into `*.approved` ones.
type Permission struct {
	store store.Store
	cfg   PermissionConfig
}

// NewPermission creates the permission handler.
func NewPermission(s store.Store, cfg PermissionConfig) *Permission {
	if cfg.Authorizer == nil {
		cfg.Authorizer = Ownership{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Idempotency == nil {
		cfg.Idempotency = NewMemoryIdempotency(cfg.Clock)
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if cfg.DerivedIdempotencyTTL <= 0 {
		cfg.DerivedIdempotencyTTL = DefaultDerivedIdempotencyTTL
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &Permission{store: s, cfg: cfg}
}

// Register subscribes the handler to requested events.
func (p *Permission) Register(d *dispatch.Dispatcher, opts ...dispatch.SubscribeOption) error {
	return d.Subscribe(RequestedPattern, PermissionSubscription, p, opts...)
}

// Handle implements dispatch.Handler.
func (p *Permission) Handle(ctx context.Context, evt event.Event) error {
	typ, err := event.ParseType(evt.Type)
	if err != nil || !typ.IsPhase() || typ.Modifier != event.ModifierRequested {
		return nil
	}

	var row *Row
	if p.cfg.Projection != nil && evt.SubjectID != "" {
		r, err := p.cfg.Projection.Get(ctx, evt.SubjectID)
		switch {
		case err == nil:
			row = &r
		case !errors.Is(err, ErrRowNotFound):
			return fmt.Errorf("load subject %s: %w", evt.SubjectID, err)
		}
	}

	req := AuthzRequest{Principal: evt.Principal(), Event: evt, Type: typ, Row: row}
	if err := p.cfg.Authorizer.Authorize(ctx, req); err != nil {
		if IsDenied(err) {
			p.reject(ctx, evt, RejectDenied, err.Error())
			return nil
		}
		return err
	}

	var version string
	if row != nil && typ.Action != event.ActionCreate {
		version = row.EventID
	}
	key, err := IdempotencyKey(evt, version)
	if err != nil {
		return err
	}
	ttl := p.cfg.DerivedIdempotencyTTL
	if IsExplicitKey(evt) {
		ttl = p.cfg.IdempotencyTTL
	}
	ok, err := p.cfg.Idempotency.Claim(ctx, key, evt.ID, ttl)
	if err != nil {
		return err
	}
	if !ok {
		p.reject(ctx, evt, RejectDuplicate, "idempotency key already claimed")
		return nil
	}

	approved := event.FromCause(evt, typ.WithModifier(event.ModifierApproved).String(), evt.Data,
		event.WithID(event.DerivedID(evt.ID, event.ModifierApproved)),
		event.WithTimestamp(p.cfg.Clock.Now()),
		event.WithMetadata(evt.Metadata.Clone()),
	)
	_, err = p.store.Append(ctx, approved)
	p.cfg.Metrics.RecordAppend(ctx, approved.Type, err)
	if err != nil && !errors.Is(err, store.ErrDuplicateID) {
		return fmt.Errorf("append %s: %w", approved.Type, err)
	}
	return nil
}

func (p *Permission) reject(ctx context.Context, evt event.Event, reason, detail string) {
	observability.LogRejection(p.cfg.Logger, evt, detail)
	p.cfg.Metrics.RecordRejection(ctx, evt.Type, reason)
}
