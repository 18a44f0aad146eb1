package hub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/hub"
	"github.com/randalmurphal/eventhub/pkg/eventhub/pipeline"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type staticProvider struct {
	name  string
	value any
}

func (p staticProvider) Category() string { return p.name }

func (p staticProvider) Fetch(context.Context, string, hub.Filters) (any, error) {
	return p.value, nil
}

type fixture struct {
	clock   *clock.FakeClock
	store   *store.MemoryStore
	creds   *hub.MemoryCredentials
	gateway *hub.Gateway
	// secret is the credential string of u1's credential.
	secret string
	cred   hub.Credential
}

func newFixture(t *testing.T, cfg hub.Config, ceiling ...string) *fixture {
	t.Helper()
	if len(ceiling) == 0 {
		ceiling = []string{"notes", "tasks"}
	}
	f := &fixture{
		clock: clock.Fake(epoch),
		store: store.NewMemoryStore(),
		creds: hub.NewMemoryCredentials(),
	}

	schemas := event.NewSchemas()
	schemas.MustRegister("entities", event.AnyAction, `{"type": "object", "required": ["title"]}`)
	submitter := pipeline.NewSubmitter(f.store, schemas, pipeline.SubmitterConfig{Clock: f.clock})

	providers := hub.NewProviders()
	require.NoError(t, providers.Register(hub.EventProvider{Name: "notes", Store: f.store, Pattern: "journal.entry.*"}))
	require.NoError(t, providers.Register(staticProvider{name: "tasks", value: []string{"water plants"}}))
	require.NoError(t, providers.Register(staticProvider{name: "calendar", value: nil}))

	var err error
	f.secret, f.cred, err = hub.NewCredential("u1", ceiling, nil, epoch)
	require.NoError(t, err)
	require.NoError(t, f.creds.Put(context.Background(), f.cred))

	cfg.Secret = []byte("a-master-secret-of-enough-length")
	cfg.Clock = f.clock
	if cfg.RateLimit == 0 {
		cfg.RateLimit = rate.Inf
	}
	f.gateway, err = hub.NewGateway(f.store, f.creds, providers, submitter, cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) events(t *testing.T, userID, pattern string) []event.Event {
	t.Helper()
	recs, err := store.Collect(f.store.ReadSince(context.Background(),
		store.Query{UserID: userID, Type: pattern, Limit: 1000}, 0))
	require.NoError(t, err)
	out := make([]event.Event, len(recs))
	for i, r := range recs {
		out[i] = r.Event
	}
	return out
}

func (f *fixture) token(t *testing.T, requestID string, scope ...string) string {
	t.Helper()
	tok, err := f.gateway.GenerateAccessToken(context.Background(), f.secret, requestID, scope, 0)
	require.NoError(t, err)
	return tok.Token
}

func TestGenerateAccessToken(t *testing.T) {
	f := newFixture(t, hub.Config{})

	tok, err := f.gateway.GenerateAccessToken(context.Background(), f.secret, "req-1", []string{"tasks", "notes", "notes"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.Equal(t, []string{"notes", "tasks"}, tok.Scope)
	assert.Equal(t, epoch.Add(hub.MaxTokenLifetime), tok.ExpiresAt)

	audits := f.events(t, "u1", hub.AuditTokenGenerated)
	require.Len(t, audits, 1)
	assert.Equal(t, "ok", audits[0].Data["outcome"])
	assert.Equal(t, "req-1", audits[0].CorrelationID)
	assert.Equal(t, f.cred.Principal(), audits[0].Principal())

	short, err := f.gateway.GenerateAccessToken(context.Background(), f.secret, "req-2", []string{"notes"}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(30*time.Second), short.ExpiresAt)
}

func TestGenerateAccessTokenCredentialErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hub.Config{})
	var credErr *hub.InvalidCredentialError

	_, err := f.gateway.GenerateAccessToken(ctx, "not-a-credential", "req-1", []string{"notes"}, 0)
	require.ErrorAs(t, err, &credErr)

	_, err = f.gateway.GenerateAccessToken(ctx, "ehc_"+f.cred.ID+".wrong", "req-1", []string{"notes"}, 0)
	require.ErrorAs(t, err, &credErr)

	_, err = f.gateway.GenerateAccessToken(ctx, "ehc_ffffffffffffffff.secret", "req-1", []string{"notes"}, 0)
	require.ErrorAs(t, err, &credErr)

	system := f.events(t, hub.SystemTenant, hub.AuditTokenGenerated)
	assert.Len(t, system, 3, "unattributable calls are audited under the system tenant")
	for _, a := range system {
		assert.Equal(t, "invalid_credential", a.Data["outcome"])
	}

	require.NoError(t, f.creds.Revoke(ctx, f.cred.ID, f.clock.Now()))
	_, err = f.gateway.GenerateAccessToken(ctx, f.secret, "req-1", []string{"notes"}, 0)
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "revoked", credErr.Reason)

	audits := f.events(t, "u1", hub.AuditTokenGenerated)
	require.Len(t, audits, 1)
	assert.Equal(t, "invalid_credential", audits[0].Data["outcome"])
}

func TestExpiredCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hub.Config{})

	expires := epoch.Add(time.Hour)
	secret, cred, err := hub.NewCredential("u2", []string{"notes"}, &expires, epoch)
	require.NoError(t, err)
	require.NoError(t, f.creds.Put(ctx, cred))

	_, err = f.gateway.GenerateAccessToken(ctx, secret, "r", []string{"notes"}, 0)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	_, err = f.gateway.GenerateAccessToken(ctx, secret, "r", []string{"notes"}, 0)
	var credErr *hub.InvalidCredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "expired", credErr.Reason)
}

func TestGenerateAccessTokenScopeErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hub.Config{}, "notes")
	var scopeErr *hub.ScopeError

	_, err := f.gateway.GenerateAccessToken(ctx, f.secret, "req-1", nil, 0)
	require.ErrorAs(t, err, &scopeErr)
	assert.Equal(t, "empty", scopeErr.Reason)

	_, err = f.gateway.GenerateAccessToken(ctx, f.secret, "req-1", []string{"weather"}, 0)
	require.ErrorAs(t, err, &scopeErr)

	_, err = f.gateway.GenerateAccessToken(ctx, f.secret, "req-1", []string{"notes", "tasks"}, 0)
	require.ErrorAs(t, err, &scopeErr)
	assert.Equal(t, "exceeds credential ceiling", scopeErr.Reason)

	var reqErr *hub.InvalidRequestError
	_, err = f.gateway.GenerateAccessToken(ctx, f.secret, "req-1", []string{"notes"}, 301*time.Second)
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "expiresIn", reqErr.Field)

	_, err = f.gateway.GenerateAccessToken(ctx, f.secret, "req-1", []string{"notes"}, 500*time.Millisecond)
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "expiresIn", reqErr.Field)

	_, err = f.gateway.GenerateAccessToken(ctx, f.secret, "", []string{"notes"}, 0)
	require.ErrorAs(t, err, &reqErr)

	assert.Len(t, f.events(t, "u1", hub.AuditTokenGenerated), 6)
}

func TestRequestData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hub.Config{})

	entry := event.New("journal.entry.logged", "u1", event.SourceAPI,
		map[string]any{"title": "T"}, event.WithSubject("s1", "note"), event.WithTimestamp(epoch))
	_, err := f.store.Append(ctx, entry)
	require.NoError(t, err)

	tok := f.token(t, "req-1", "notes")
	data, err := f.gateway.RequestData(ctx, tok, []string{"notes"}, hub.Filters{})
	require.NoError(t, err)
	notes, ok := data["notes"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, notes, 1)
	assert.Equal(t, entry.ID, notes[0]["id"])

	all, err := f.gateway.RequestData(ctx, tok, nil, hub.Filters{})
	require.NoError(t, err)
	assert.Contains(t, all, "notes")

	_, err = f.gateway.RequestData(ctx, tok, []string{"tasks"}, hub.Filters{})
	var violation *hub.ScopeViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, []string{"notes"}, violation.Granted)

	audits := f.events(t, "u1", hub.AuditDataRequested)
	require.Len(t, audits, 3)
	assert.Equal(t, "scope_violation", audits[2].Data["outcome"])
	assert.Equal(t, "req-1", audits[2].CorrelationID)
}

func TestRequestDataAuditIsStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hub.Config{})
	tok := f.token(t, "req-1", "tasks")

	data, err := f.gateway.RequestData(ctx, tok, nil, hub.Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"water plants"}, data["tasks"])

	recs, err := store.Collect(f.store.ReadSince(ctx, store.Query{UserID: "u1"}, 0))
	require.NoError(t, err)
	types := make([]string, len(recs))
	for i, r := range recs {
		types[i] = r.Event.Type
	}
	assert.Equal(t, []string{hub.AuditTokenGenerated, hub.AuditDataRequested}, types)

	audit := recs[1].Event
	assert.Empty(t, audit.SubjectID)
	assert.Equal(t, "req-1", audit.CorrelationID)
	assert.Equal(t, "ok", audit.Data["outcome"])
}

func TestEventProviderReturnsNewest(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	var ids []string
	for i := 0; i < 7; i++ {
		evt := event.New("journal.entry.logged", "u1", event.SourceAPI,
			map[string]any{"n": i}, event.WithTimestamp(epoch.Add(time.Duration(i)*time.Second)))
		_, err := s.Append(ctx, evt)
		require.NoError(t, err)
		ids = append(ids, evt.ID)
	}

	p := hub.EventProvider{Name: "journal", Store: s, Pattern: "journal.entry.*"}
	got, err := p.Fetch(ctx, "u1", hub.Filters{Limit: 3})
	require.NoError(t, err)
	items, ok := got.([]map[string]any)
	require.True(t, ok)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, ids[4+i], item["id"])
	}

	got, err = p.Fetch(ctx, "u1", hub.Filters{})
	require.NoError(t, err)
	assert.Len(t, got, 7)
}

func TestRequestDataTokenErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hub.Config{})
	tok := f.token(t, "req-1", "notes")

	_, err := f.gateway.RequestData(ctx, tok+"x", nil, hub.Filters{})
	var invalid *hub.InvalidTokenError
	require.ErrorAs(t, err, &invalid)
	assert.Len(t, f.events(t, hub.SystemTenant, hub.AuditDataRequested), 1)

	f.clock.Advance(hub.MaxTokenLifetime + time.Second)
	_, err = f.gateway.RequestData(ctx, tok, nil, hub.Filters{})
	var expired *hub.ExpiredTokenError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, epoch.Add(hub.MaxTokenLifetime), expired.ExpiredAt)

	audits := f.events(t, "u1", hub.AuditDataRequested)
	require.Len(t, audits, 1, "expired tokens are still attributed")
	assert.Equal(t, "expired_token", audits[0].Data["outcome"])
}

func TestRevocationInvalidatesMintedTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hub.Config{})
	tok := f.token(t, "req-1", "notes")

	require.NoError(t, f.creds.Revoke(ctx, f.cred.ID, f.clock.Now()))
	_, err := f.gateway.RequestData(ctx, tok, nil, hub.Filters{})
	var credErr *hub.InvalidCredentialError
	require.ErrorAs(t, err, &credErr)

	ok, err := hub.Delegations(f.creds, f.clock).Delegates(ctx, f.cred.Principal(), "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubmitInsight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hub.Config{})
	tok := f.token(t, "req-1", "notes")

	ids, err := f.gateway.SubmitInsight(ctx, tok, hub.Insight{
		CorrelationID: "req-1",
		Agent:         "summarizer",
		Confidence:    0.9,
		Actions: []hub.InsightAction{
			{Collection: "entities", Action: event.ActionCreate, SubjectType: "note", Data: map[string]any{"title": "Summary"}},
			{Collection: "entities", Action: event.ActionCreate, SubjectType: "task", Data: map[string]any{"title": "Follow up"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	audits := f.events(t, "u1", hub.AuditInsightSubmitted)
	require.Len(t, audits, 1)
	audit := audits[0]
	assert.Equal(t, "ok", audit.Data["outcome"])

	requested := f.events(t, "u1", "*.*.requested")
	require.Len(t, requested, 2)
	for i, evt := range requested {
		assert.Equal(t, ids[i], evt.ID)
		assert.Equal(t, audit.ID, evt.CausationID)
		assert.Equal(t, "req-1", evt.CorrelationID)
		assert.Equal(t, event.SourceIntelligence, evt.Source)
		assert.Equal(t, f.cred.Principal(), evt.Principal())
		require.NotNil(t, evt.Metadata.AI)
		assert.Equal(t, "summarizer", evt.Metadata.AI.Agent)
	}
}

func TestSubmitInsightCorrelationMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hub.Config{})
	tok := f.token(t, "req-1", "notes")

	ids, err := f.gateway.SubmitInsight(ctx, tok, hub.Insight{
		CorrelationID: "req-2",
		Actions: []hub.InsightAction{
			{Collection: "entities", Action: event.ActionCreate, Data: map[string]any{"title": "x"}},
		},
	})
	var mismatch *hub.CorrelationMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "req-1", mismatch.Expected)
	assert.Equal(t, "req-2", mismatch.Got)
	assert.Empty(t, ids)

	assert.Empty(t, f.events(t, "u1", "*.*.requested"))
	audits := f.events(t, "u1", hub.AuditInsightSubmitted)
	require.Len(t, audits, 1)
	assert.Equal(t, "correlation_mismatch", audits[0].Data["outcome"])
}

func TestSubmitInsightValidatesAllActionsFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hub.Config{})
	tok := f.token(t, "req-1", "notes")

	_, err := f.gateway.SubmitInsight(ctx, tok, hub.Insight{
		CorrelationID: "req-1",
		Actions: []hub.InsightAction{
			{Collection: "entities", Action: event.ActionCreate, Data: map[string]any{"title": "ok"}},
			{Collection: "entities", Action: event.ActionCreate, Data: map[string]any{}},
		},
	})
	var actionErr *hub.InsightActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, 1, actionErr.Index)
	assert.Empty(t, f.events(t, "u1", "*.*.requested"))
}

func TestRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hub.Config{RateLimit: 1, Burst: 2})

	tok := f.token(t, "req-1", "notes")
	_, err := f.gateway.RequestData(ctx, tok, nil, hub.Filters{})
	require.NoError(t, err)
	_, err = f.gateway.RequestData(ctx, tok, nil, hub.Filters{})
	require.ErrorIs(t, err, hub.ErrRateLimited)

	f.clock.Advance(time.Second)
	_, err = f.gateway.RequestData(ctx, tok, nil, hub.Filters{})
	require.NoError(t, err)

	audits := f.events(t, "u1", hub.AuditDataRequested)
	require.Len(t, audits, 3)
	assert.Equal(t, "rate_limited", audits[1].Data["outcome"])
}
