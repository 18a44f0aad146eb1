package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhub/pkg/eventhub/sqldb"
	"github.com/randalmurphal/eventhub/pkg/eventhub/webhook"
)

func call(t *testing.T, srv *httptest.Server, method, path, user string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(webhook.UserHeader, user)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestManagementRoutes(t *testing.T) {
	h := newHarness()
	srv := httptest.NewServer(h.svc.Routes())
	defer srv.Close()

	status, _ := call(t, srv, http.MethodGet, "/subscriptions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := call(t, srv, http.MethodPost, "/subscriptions", "u1", map[string]any{
		"url":        "ftp://example.com/hook",
		"eventTypes": []string{"*"},
	})
	assert.Equal(t, http.StatusBadRequest, status, body)

	status, body = call(t, srv, http.MethodPost, "/subscriptions", "u1", map[string]any{
		"url":        "https://example.com/hook",
		"eventTypes": []string{"entities.*.validated"},
		"retry":      map[string]any{"maxAttempts": 5, "initialDelayMs": 500, "factor": 2},
	})
	require.Equal(t, http.StatusCreated, status, body)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.NotEmpty(t, body["secret"], "generated secret is returned on create")
	assert.Equal(t, map[string]any{"maxAttempts": 5.0, "initialDelayMs": 500.0, "factor": 2.0}, body["retry"])

	status, body = call(t, srv, http.MethodGet, "/subscriptions", "u1", nil)
	require.Equal(t, http.StatusOK, status)
	subs, _ := body["subscriptions"].([]any)
	require.Len(t, subs, 1)
	first, _ := subs[0].(map[string]any)
	assert.NotContains(t, first, "secret")

	status, body = call(t, srv, http.MethodGet, "/subscriptions", "u2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["subscriptions"])

	status, body = call(t, srv, http.MethodPatch, "/subscriptions/"+id, "u1", map[string]any{
		"eventTypes": []string{"hub.*"},
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, []any{"hub.*"}, body["eventTypes"])

	status, _ = call(t, srv, http.MethodPatch, "/subscriptions/"+id, "u2", map[string]any{"eventTypes": []string{"*"}})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, srv, http.MethodDelete, "/subscriptions/"+id, "u1", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = call(t, srv, http.MethodDelete, "/subscriptions/"+id, "u1", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = call(t, srv, http.MethodGet, "/dead-letters?limit=10", "u1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{}, body["deadLetters"])

	status, _ = call(t, srv, http.MethodGet, "/dead-letters?limit=x", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSQLStores(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := sqldb.Open("sqlite", filepath.Join(t.TempDir(), "webhooks.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, sqldb.Migrate(db, dialect))

	subs := webhook.NewSQLSubscriptions(db, dialect)
	sub := webhook.Subscription{
		ID:         "sub-1",
		UserID:     "u1",
		URL:        "https://example.com/hook",
		EventTypes: []string{"entities.*.validated", "hub.*"},
		Secret:     secret,
		Retry:      webhook.DefaultRetryPolicy,
		CreatedAt:  epoch,
		UpdatedAt:  epoch,
	}
	require.NoError(t, subs.Create(ctx, sub))

	got, err := subs.Get(ctx, "u1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, sub, got)

	_, err = subs.Get(ctx, "u2", "sub-1")
	assert.ErrorIs(t, err, webhook.ErrSubscriptionNotFound)

	sub.URL = "https://example.com/v2"
	sub.UpdatedAt = epoch.Add(time.Minute)
	require.NoError(t, subs.Update(ctx, sub))
	list, err := subs.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "https://example.com/v2", list[0].URL)

	require.NoError(t, subs.Delete(ctx, "u1", "sub-1", epoch.Add(time.Hour)))
	assert.ErrorIs(t, subs.Delete(ctx, "u1", "sub-1", epoch.Add(time.Hour)), webhook.ErrSubscriptionNotFound)
	list, err = subs.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM webhook_subscriptions").Scan(&count))
	assert.Equal(t, 1, count, "deletes are soft")

	letters := webhook.NewSQLDeadLetters(db, dialect)
	dl := webhook.DeadLetter{
		ID:             "dl-1",
		SubscriptionID: "sub-1",
		EventID:        "evt-1",
		EventType:      "entities.create.validated",
		UserID:         "u1",
		Attempts:       3,
		LastStatus:     500,
		LastError:      "HTTP 500",
		Payload:        []byte(`{"id":"evt-1"}`),
		CreatedAt:      epoch,
	}
	require.NoError(t, letters.Put(ctx, dl))
	dup := dl
	dup.ID = "dl-2"
	require.NoError(t, letters.Put(ctx, dup), "a second dead letter for the pair is ignored")

	stored, err := letters.List(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, dl, stored[0])

	stored, err = letters.List(ctx, "u2", 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
