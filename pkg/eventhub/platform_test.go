package eventhub_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhub/pkg/eventhub"
	"github.com/randalmurphal/eventhub/pkg/eventhub/config"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/hub"
	"github.com/randalmurphal/eventhub/pkg/eventhub/pipeline"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
	"github.com/randalmurphal/eventhub/pkg/eventhub/webhook"
)

const hubSecret = "a-master-secret-of-enough-length"

func testSettings() config.Settings {
	s := config.Defaults()
	s.Dispatch.InitialBackoff = time.Millisecond
	s.Dispatch.RelayPoll = 5 * time.Millisecond
	s.Hub.Secret = hubSecret
	return s
}

func startPlatform(t *testing.T, s config.Settings, opts ...eventhub.Option) *eventhub.Platform {
	t.Helper()
	opts = append([]eventhub.Option{eventhub.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	p, err := eventhub.New(context.Background(), s, opts...)
	require.NoError(t, err)
	p.Start(context.Background())
	t.Cleanup(func() { assert.NoError(t, p.Stop(context.Background())) })
	return p
}

func createNote(title string) pipeline.Mutation {
	return pipeline.Mutation{
		UserID:      "u1",
		Collection:  "entities",
		Action:      event.ActionCreate,
		SubjectType: "note",
		Data:        map[string]any{"title": title},
	}
}

func validated(t *testing.T, p *eventhub.Platform, userID string) []event.Event {
	t.Helper()
	recs, err := store.Collect(p.Store.ReadSince(context.Background(),
		store.Query{UserID: userID, Type: pipeline.ValidatedPattern, Limit: 100}, 0))
	require.NoError(t, err)
	out := make([]event.Event, len(recs))
	for i, r := range recs {
		out[i] = r.Event
	}
	return out
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, header http.Header, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestPlatformRequestCycleWithWebhook(t *testing.T) {
	type received struct {
		body []byte
		sig  string
	}
	var (
		mu   sync.Mutex
		hits []received
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		hits = append(hits, received{body: body, sig: r.Header.Get(webhook.HeaderSignature)})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	p := startPlatform(t, testSettings())
	api := httptest.NewServer(p.Handler())
	defer api.Close()

	status, sub := doJSON(t, api, http.MethodPost, "/webhooks/v1/subscriptions",
		http.Header{webhook.UserHeader: {"u1"}},
		map[string]any{"url": receiver.URL, "eventTypes": []string{"entities.*.validated"}})
	require.Equal(t, http.StatusCreated, status, sub)
	secret, _ := sub["secret"].(string)
	require.NotEmpty(t, secret)

	requested, err := p.Submitter.Submit(context.Background(), createNote("Groceries"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := p.Projection.Get(context.Background(), requested.SubjectID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	row, err := p.Projection.Get(context.Background(), requested.SubjectID)
	require.NoError(t, err)
	assert.Equal(t, "Groceries", row.Data["title"])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hits) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	hit := hits[0]
	mu.Unlock()
	require.NoError(t, webhook.Verify(secret, hit.body, hit.sig))

	var payload webhook.Payload
	require.NoError(t, json.Unmarshal(hit.body, &payload))
	assert.Equal(t, "entities.create.validated", payload.Event.Type)
	assert.Equal(t, requested.SubjectID, payload.Event.SubjectID)
	assert.Equal(t, requested.CorrelationID, payload.Event.CorrelationID)
}

func TestPlatformHubInsightIsDelegated(t *testing.T) {
	p := startPlatform(t, testSettings())
	api := httptest.NewServer(p.Handler())
	defer api.Close()

	credSecret, cred, err := hub.NewCredential("u1", []string{eventhub.DefaultProviderCategory}, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, p.Credentials.Put(context.Background(), cred))

	status, body := doJSON(t, api, http.MethodPost, "/hub/v1/token",
		http.Header{"Authorization": {"Bearer " + credSecret}},
		map[string]any{"requestId": "req-1", "scope": []string{eventhub.DefaultProviderCategory}})
	require.Equal(t, http.StatusOK, status, body)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	bearer := http.Header{"Authorization": {"Bearer " + token}}

	status, body = doJSON(t, api, http.MethodPost, "/hub/v1/insights", bearer, map[string]any{
		"correlationId": "req-1",
		"actions": []map[string]any{
			{"collection": "entities", "action": "create", "subjectType": "note", "data": map[string]any{"title": "Suggested"}},
		},
	})
	require.Equal(t, http.StatusAccepted, status, body)

	require.Eventually(t, func() bool {
		return len(validated(t, p, "u1")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	evt := validated(t, p, "u1")[0]
	assert.Equal(t, "entities.create.validated", evt.Type)
	assert.Equal(t, "req-1", evt.CorrelationID)

	status, body = doJSON(t, api, http.MethodPost, "/hub/v1/data", bearer,
		map[string]any{"scope": []string{eventhub.DefaultProviderCategory}})
	require.Equal(t, http.StatusOK, status, body)
	data, _ := body["data"].(map[string]any)
	items, _ := data[eventhub.DefaultProviderCategory].([]any)
	assert.Len(t, items, 1)
}

func TestPlatformHandler(t *testing.T) {
	s := testSettings()
	s.Hub.Secret = ""
	p := startPlatform(t, s)
	assert.Nil(t, p.Gateway)

	api := httptest.NewServer(p.Handler())
	defer api.Close()

	resp, err := api.Client().Get(api.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ := doJSON(t, api, http.MethodPost, "/hub/v1/token", nil, map[string]any{})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doJSON(t, api, http.MethodGet, "/webhooks/v1/subscriptions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	s := config.Defaults()
	s.Store.Driver = "postgres"
	_, err := eventhub.New(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.dsn")

	s = config.Defaults()
	s.Pipeline.Policy = "principal =="
	_, err = eventhub.New(context.Background(), s,
		eventhub.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.policy")
}

func TestSchemasFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entities.json"),
		[]byte(`{"type": "object", "required": ["title"]}`), 0o600))

	s := testSettings()
	s.Pipeline.SchemaDir = dir
	p := startPlatform(t, s)

	_, err := p.Submitter.Submit(context.Background(), pipeline.Mutation{
		UserID:     "u1",
		Collection: "entities",
		Action:     event.ActionCreate,
		Data:       map[string]any{"body": "no title"},
	})
	require.Error(t, err)

	_, err = p.Submitter.Submit(context.Background(), createNote("ok"))
	require.NoError(t, err)
}

func TestSQLitePlatform(t *testing.T) {
	s := testSettings()
	s.Store.Driver = "sqlite"
	s.Store.DSN = filepath.Join(t.TempDir(), "eventhub.db")
	p := startPlatform(t, s)

	requested, err := p.Submitter.Submit(context.Background(), createNote("Persisted"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(validated(t, p, "u1")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, requested.SubjectID, validated(t, p, "u1")[0].SubjectID)

	assert.Positive(t, int64(p.Relay.Cursor()))
}

func TestSQLitePlatformRestartKeepsSubjects(t *testing.T) {
	ctx := context.Background()
	s := testSettings()
	s.Store.Driver = "sqlite"
	s.Store.DSN = filepath.Join(t.TempDir(), "eventhub.db")
	logger := eventhub.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	first, err := eventhub.New(ctx, s, logger)
	require.NoError(t, err)
	first.Start(ctx)
	created, err := first.Submitter.Submit(ctx, createNote("before restart"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(validated(t, first, "u1")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Stop(ctx))

	second := startPlatform(t, s)
	row, err := second.Projection.Get(ctx, created.SubjectID)
	require.NoError(t, err, "projection is rebuilt from the log")
	assert.Equal(t, "before restart", row.Data["title"])
	assert.Equal(t, "u1", row.UserID)

	_, err = second.Submitter.Submit(ctx, pipeline.Mutation{
		UserID: "u1", Collection: "entities", Action: event.ActionUpdate,
		SubjectID: created.SubjectID, Data: map[string]any{"title": "after restart"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(validated(t, second, "u1")) == 2
	}, 5*time.Second, 10*time.Millisecond)

	row, err = second.Projection.Get(ctx, created.SubjectID)
	require.NoError(t, err)
	assert.Equal(t, "after restart", row.Data["title"])
}

func TestWithProjectionSkipsRebuild(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seed, err := eventhub.New(ctx, testSettings(),
		eventhub.WithStore(nopCloseStore{st}),
		eventhub.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	seed.Start(ctx)
	created, err := seed.Submitter.Submit(ctx, createNote("seeded"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(validated(t, seed, "u1")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, seed.Stop(ctx))

	durable := pipeline.NewMemoryProjection()
	p, err := eventhub.New(ctx, testSettings(),
		eventhub.WithStore(st),
		eventhub.WithProjection(durable),
		eventhub.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Stop(ctx)) })

	assert.Same(t, durable, p.Projection)
	_, err = p.Projection.Get(ctx, created.SubjectID)
	assert.ErrorIs(t, err, pipeline.ErrRowNotFound)
}

// nopCloseStore keeps a store open across platform restarts.
type nopCloseStore struct {
	*store.MemoryStore
}

func (nopCloseStore) Close() error { return nil }
