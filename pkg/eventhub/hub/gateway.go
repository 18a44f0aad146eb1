// Package hub implements the Hub Protocol gateway: scoped, short-lived
// access for external services.
//
// An external service holds a long-lived credential. It exchanges the
// credential for an access token bound to one request id, a scope and a
// lifetime of at most five minutes, reads data within that scope and
// submits insights, which re-enter the mutation pipeline as requested
// events. Every call appends exactly one audit event to the store,
// whatever its outcome.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/observability"
	"github.com/randalmurphal/eventhub/pkg/eventhub/pipeline"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

// SystemTenant owns audit events that cannot be attributed to a user.
const SystemTenant = "system"

// Audit event types.
const (
	AuditTokenGenerated   = "hub.token.generated"
	AuditDataRequested    = "hub.data.requested"
	AuditInsightSubmitted = "hub.insight.submitted"
)

// Config configures a Gateway.
type Config struct {
	// Secret is the master secret tokens are signed with. Required.
	Secret []byte
	// RateLimit is the per-credential call rate. Default: 10/s.
	RateLimit rate.Limit
	// Burst is the per-credential burst. Default: 20.
	Burst int

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
	Clock   clock.Clock
}

// AccessToken is the result of a successful handshake.
type AccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Scope     []string  `json:"scope"`
	RequestID string    `json:"requestId"`
}

// Insight is a structured result submitted by an external service.
type Insight struct {
	CorrelationID    string          `json:"correlationId"`
	Agent            string          `json:"agent,omitempty"`
	Model            string          `json:"model,omitempty"`
	Confidence       float64         `json:"confidence,omitempty"`
	ExtractionSource string          `json:"extractionSource,omitempty"`
	Actions          []InsightAction `json:"actions"`
}

// InsightAction becomes one requested event.
type InsightAction struct {
	Collection     string         `json:"collection"`
	Action         string         `json:"action"`
	SubjectID      string         `json:"subjectId,omitempty"`
	SubjectType    string         `json:"subjectType,omitempty"`
	Data           map[string]any `json:"data"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// Gateway serves the Hub Protocol.
type Gateway struct {
	store       store.Store
	credentials CredentialStore
	providers   *Providers
	submitter   *pipeline.Submitter
	signer      *signer
	cfg         Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGateway creates a Gateway. Insights enter the pipeline through
// submitter, the same write path as the mutation API.
func NewGateway(s store.Store, creds CredentialStore, providers *Providers, submitter *pipeline.Submitter, cfg Config) (*Gateway, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	sig, err := newSigner(cfg.Secret, cfg.Clock.Now)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		store:       s,
		credentials: creds,
		providers:   providers,
		submitter:   submitter,
		signer:      sig,
		cfg:         cfg,
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

// auditRecord accumulates what a call's audit event will carry.
type auditRecord struct {
	typ          string
	userID       string
	credentialID string
	requestID    string
	data         map[string]any
	done         func() time.Duration
}

func newAudit(typ string) *auditRecord {
	return &auditRecord{typ: typ, data: map[string]any{}, done: observability.TimedOperation()}
}

func (a *auditRecord) attribute(g Grant) {
	a.userID = g.UserID
	a.credentialID = g.CredentialID
	a.requestID = g.RequestID
}

// GenerateAccessToken exchanges a long-lived credential for an access
// token. expiresIn of zero means MaxTokenLifetime.
func (g *Gateway) GenerateAccessToken(ctx context.Context, credential, requestID string, scope []string, expiresIn time.Duration) (AccessToken, error) {
	ctx, span := g.cfg.Spans.StartHubSpan(ctx, "generate_access_token")
	rec := newAudit(AuditTokenGenerated)
	rec.requestID = requestID
	rec.data["scope"] = scope

	tok, err := g.generate(ctx, credential, requestID, scope, expiresIn, rec)
	if _, auditErr := g.finish(ctx, rec, err); err == nil && auditErr != nil {
		err = auditErr
		tok = AccessToken{}
	}
	g.cfg.Spans.EndSpanWithError(span, err)
	return tok, err
}

func (g *Gateway) generate(ctx context.Context, credential, requestID string, scope []string, expiresIn time.Duration, rec *auditRecord) (AccessToken, error) {
	id, secret, err := ParseCredential(credential)
	if err != nil {
		return AccessToken{}, err
	}
	cred, err := g.lookup(ctx, id)
	if err != nil {
		return AccessToken{}, err
	}
	if !secretMatches(secret, cred.SecretHash) {
		return AccessToken{}, &InvalidCredentialError{Reason: "secret mismatch"}
	}
	rec.userID = cred.UserID
	rec.credentialID = cred.ID

	now := g.cfg.Clock.Now()
	if err := cred.check(now); err != nil {
		return AccessToken{}, err
	}
	if !g.allow(cred.ID, now) {
		return AccessToken{}, ErrRateLimited
	}
	if requestID == "" {
		return AccessToken{}, &InvalidRequestError{Field: "requestId", Reason: "required"}
	}
	switch {
	case expiresIn == 0:
		expiresIn = MaxTokenLifetime
	case expiresIn < MinTokenLifetime || expiresIn > MaxTokenLifetime:
		return AccessToken{}, &InvalidRequestError{
			Field:  "expiresIn",
			Reason: fmt.Sprintf("must be between %s and %s", MinTokenLifetime, MaxTokenLifetime),
		}
	}
	scope, err = g.checkScope(scope, cred.Scope)
	if err != nil {
		return AccessToken{}, err
	}

	token, grant, err := g.signer.mint(Grant{
		CredentialID: cred.ID,
		UserID:       cred.UserID,
		Scope:        scope,
		RequestID:    requestID,
		ExpiresAt:    now.Add(expiresIn),
	})
	if err != nil {
		return AccessToken{}, err
	}
	rec.data["tokenId"] = grant.TokenID
	rec.data["expiresAt"] = grant.ExpiresAt.Format(time.RFC3339)
	return AccessToken{Token: token, ExpiresAt: grant.ExpiresAt, Scope: grant.Scope, RequestID: requestID}, nil
}

// RequestData returns read-only data for each requested category. An empty
// scope means the whole granted scope.
func (g *Gateway) RequestData(ctx context.Context, token string, scope []string, filters Filters) (map[string]any, error) {
	ctx, span := g.cfg.Spans.StartHubSpan(ctx, "request_data")
	rec := newAudit(AuditDataRequested)
	rec.data["scope"] = scope

	data, err := g.requestData(ctx, token, scope, filters, rec)
	if _, auditErr := g.finish(ctx, rec, err); err == nil && auditErr != nil {
		err = auditErr
		data = nil
	}
	g.cfg.Spans.EndSpanWithError(span, err)
	return data, err
}

func (g *Gateway) requestData(ctx context.Context, token string, scope []string, filters Filters, rec *auditRecord) (map[string]any, error) {
	grant, err := g.authorize(ctx, token, rec)
	if err != nil {
		return nil, err
	}
	if len(scope) == 0 {
		scope = grant.Scope
	}
	for _, s := range scope {
		if !slices.Contains(grant.Scope, s) {
			return nil, &ScopeViolationError{Requested: scope, Granted: grant.Scope}
		}
	}
	rec.data["scope"] = scope

	out := make(map[string]any, len(scope))
	for _, category := range scope {
		p, ok := g.providers.Get(category)
		if !ok {
			return nil, &ScopeError{Requested: scope, Reason: "no provider for " + category}
		}
		v, err := p.Fetch(ctx, grant.UserID, filters)
		if err != nil {
			return nil, fmt.Errorf("hub: fetch %s: %w", category, err)
		}
		out[category] = v
	}
	return out, nil
}

// SubmitInsight translates each insight action into a requested event,
// caused by the call's audit event. Nothing is submitted unless every
// action is valid.
func (g *Gateway) SubmitInsight(ctx context.Context, token string, insight Insight) ([]string, error) {
	ctx, span := g.cfg.Spans.StartHubSpan(ctx, "submit_insight")
	ids, err := g.submitInsight(ctx, token, insight)
	g.cfg.Spans.EndSpanWithError(span, err)
	return ids, err
}

func (g *Gateway) submitInsight(ctx context.Context, token string, insight Insight) ([]string, error) {
	rec := newAudit(AuditInsightSubmitted)
	rec.data["actions"] = len(insight.Actions)
	rec.data["correlationId"] = insight.CorrelationID

	muts, err := g.prepareInsight(ctx, token, insight, rec)
	audit, auditErr := g.finish(ctx, rec, err)
	if err != nil {
		return nil, err
	}
	if auditErr != nil {
		return nil, auditErr
	}

	ids := make([]string, 0, len(muts))
	for i, m := range muts {
		m.CausationID = audit.ID
		evt, err := g.submitter.Submit(ctx, m)
		if err != nil {
			return ids, fmt.Errorf("hub: submit insight action %d: %w", i, err)
		}
		ids = append(ids, evt.ID)
	}
	return ids, nil
}

func (g *Gateway) prepareInsight(ctx context.Context, token string, insight Insight, rec *auditRecord) ([]pipeline.Mutation, error) {
	grant, err := g.authorize(ctx, token, rec)
	if err != nil {
		return nil, err
	}
	if insight.CorrelationID != grant.RequestID {
		return nil, &CorrelationMismatchError{Expected: grant.RequestID, Got: insight.CorrelationID}
	}
	if len(insight.Actions) == 0 {
		return nil, &InvalidRequestError{Field: "actions", Reason: "empty"}
	}

	agent := insight.Agent
	if agent == "" {
		agent = grant.Principal()
	}
	muts := make([]pipeline.Mutation, len(insight.Actions))
	for i, a := range insight.Actions {
		m := pipeline.Mutation{
			UserID:        grant.UserID,
			Collection:    a.Collection,
			Action:        a.Action,
			SubjectID:     a.SubjectID,
			SubjectType:   a.SubjectType,
			Data:          a.Data,
			Source:        event.SourceIntelligence,
			CorrelationID: grant.RequestID,
			Metadata: &event.Metadata{
				Principal:      grant.Principal(),
				IdempotencyKey: a.IdempotencyKey,
				AI: &event.AIProvenance{
					Agent:            agent,
					Confidence:       insight.Confidence,
					ExtractionSource: insight.ExtractionSource,
					Model:            insight.Model,
				},
			},
		}
		if err := g.submitter.Validate(m); err != nil {
			return nil, &InsightActionError{Index: i, Err: err}
		}
		muts[i] = m
	}
	return muts, nil
}

// authorize verifies an access token and the credential behind it.
func (g *Gateway) authorize(ctx context.Context, token string, rec *auditRecord) (Grant, error) {
	grant, err := g.signer.parse(token)
	if grant.UserID != "" {
		rec.attribute(grant)
	}
	if err != nil {
		return Grant{}, err
	}

	cred, err := g.lookup(ctx, grant.CredentialID)
	if err != nil {
		return Grant{}, err
	}
	now := g.cfg.Clock.Now()
	if err := cred.check(now); err != nil {
		return Grant{}, err
	}
	if cred.UserID != grant.UserID {
		return Grant{}, &InvalidCredentialError{Reason: "grant does not match credential"}
	}
	if !g.allow(cred.ID, now) {
		return Grant{}, ErrRateLimited
	}
	return grant, nil
}

func (g *Gateway) lookup(ctx context.Context, id string) (Credential, error) {
	cred, err := g.credentials.Lookup(ctx, id)
	if errors.Is(err, ErrCredentialNotFound) {
		return Credential{}, &InvalidCredentialError{Reason: "unknown"}
	}
	if err != nil {
		return Credential{}, fmt.Errorf("hub: lookup credential: %w", err)
	}
	return cred, nil
}

// checkScope validates a requested scope against the registered
// categories and the credential's ceiling, returning it sorted and
// deduplicated.
func (g *Gateway) checkScope(scope, ceiling []string) ([]string, error) {
	if len(scope) == 0 {
		return nil, &ScopeError{Requested: scope, Allowed: ceiling, Reason: "empty"}
	}
	known := g.providers.Categories()
	for _, s := range scope {
		if !slices.Contains(known, s) {
			return nil, &ScopeError{Requested: scope, Allowed: ceiling, Reason: "unknown category " + s}
		}
		if !slices.Contains(ceiling, s) {
			return nil, &ScopeError{Requested: scope, Allowed: ceiling, Reason: "exceeds credential ceiling"}
		}
	}
	out := slices.Clone(scope)
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (g *Gateway) allow(credentialID string, now time.Time) bool {
	g.mu.Lock()
	l, ok := g.limiters[credentialID]
	if !ok {
		l = rate.NewLimiter(g.cfg.RateLimit, g.cfg.Burst)
		g.limiters[credentialID] = l
	}
	g.mu.Unlock()
	return l.AllowN(now, 1)
}

// finish appends the call's audit event, then meters and logs the call.
func (g *Gateway) finish(ctx context.Context, rec *auditRecord, callErr error) (event.Event, error) {
	result := outcome(callErr)
	rec.data["outcome"] = result
	if callErr != nil {
		rec.data["error"] = callErr.Error()
	}
	if rec.requestID != "" {
		rec.data["requestId"] = rec.requestID
	}

	user := rec.userID
	if user == "" {
		user = SystemTenant
	}
	opts := []event.Option{event.WithTimestamp(g.cfg.Clock.Now())}
	if rec.requestID != "" {
		opts = append(opts, event.WithCorrelationID(rec.requestID))
	}
	if rec.credentialID != "" {
		opts = append(opts, event.WithMetadata(&event.Metadata{Principal: PrincipalPrefix + rec.credentialID}))
	}
	evt := event.New(rec.typ, user, event.SourceSystem, rec.data, opts...)

	_, err := g.store.Append(context.WithoutCancel(ctx), evt)
	g.cfg.Metrics.RecordAppend(ctx, evt.Type, err)
	g.cfg.Metrics.RecordHubCall(ctx, rec.typ, result)
	observability.LogHubCall(ctx, g.cfg.Logger, rec.typ, user, rec.requestID, result, rec.done())
	if err != nil {
		if g.cfg.Logger != nil {
			g.cfg.Logger.Error("hub audit append failed", slog.String("event_type", evt.Type), slog.String("error", err.Error()))
		}
		return event.Event{}, fmt.Errorf("hub: append audit: %w", err)
	}
	return evt, nil
}
