package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// UserHeader carries the authenticated user id. The management routes
// expect an authenticating proxy or middleware to set it.
const UserHeader = "X-Eventhub-User"

const maxRequestBody = 1 << 16

type retryBody struct {
	MaxAttempts    int     `json:"maxAttempts"`
	InitialDelayMS int64   `json:"initialDelayMs"`
	Factor         float64 `json:"factor"`
}

type createBody struct {
	URL        string     `json:"url"`
	EventTypes []string   `json:"eventTypes"`
	Secret     string     `json:"secret"`
	Retry      *retryBody `json:"retry"`
}

type patchBody struct {
	URL        *string    `json:"url"`
	EventTypes []string   `json:"eventTypes"`
	Retry      *retryBody `json:"retry"`
}

// MarshalJSON writes the policy in the shape the routes accept.
func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(retryBody{
		MaxAttempts:    p.MaxAttempts,
		InitialDelayMS: p.InitialDelay.Milliseconds(),
		Factor:         p.Factor,
	})
}

func (r *retryBody) policy() RetryPolicy {
	if r == nil {
		return DefaultRetryPolicy
	}
	return RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: time.Duration(r.InitialDelayMS) * time.Millisecond,
		Factor:       r.Factor,
	}.withDefaults()
}

// Routes returns the subscription management handler, to be mounted at
// /webhooks/v1.
//
//	POST   /subscriptions
//	GET    /subscriptions
//	PATCH  /subscriptions/{id}
//	DELETE /subscriptions/{id}
//	GET    /dead-letters?limit=n
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requireUser)
	r.Post("/subscriptions", s.handleCreate)
	r.Get("/subscriptions", s.handleList)
	r.Patch("/subscriptions/{id}", s.handlePatch)
	r.Delete("/subscriptions/{id}", s.handleDelete)
	r.Get("/dead-letters", s.handleDeadLetters)
	return r
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(UserHeader) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if !decode(w, r, &body) {
		return
	}
	secret := body.Secret
	if secret == "" {
		var err error
		if secret, err = NewSecret(); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	now := s.cfg.Clock.Now()
	sub := Subscription{
		ID:         event.NewID(),
		UserID:     r.Header.Get(UserHeader),
		URL:        body.URL,
		EventTypes: body.EventTypes,
		Secret:     secret,
		Retry:      body.Retry.policy(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Subscriptions.Create(r.Context(), sub); err != nil {
		s.internal(w, err)
		return
	}
	// The secret is only ever returned here.
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	subs, err := s.cfg.Subscriptions.List(r.Context(), r.Header.Get(UserHeader))
	if err != nil {
		s.internal(w, err)
		return
	}
	out := make([]Subscription, len(subs))
	for i, sub := range subs {
		sub.Secret = ""
		out[i] = sub
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *Service) handlePatch(w http.ResponseWriter, r *http.Request) {
	var body patchBody
	if !decode(w, r, &body) {
		return
	}
	ctx := r.Context()
	sub, err := s.cfg.Subscriptions.Get(ctx, r.Header.Get(UserHeader), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if body.URL != nil {
		sub.URL = *body.URL
	}
	if body.EventTypes != nil {
		sub.EventTypes = body.EventTypes
	}
	if body.Retry != nil {
		sub.Retry = body.Retry.policy()
	}
	sub.UpdatedAt = s.cfg.Clock.Now()
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Subscriptions.Update(ctx, sub); err != nil {
		s.storeError(w, err)
		return
	}
	sub.Secret = ""
	writeJSON(w, http.StatusOK, sub)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Subscriptions.Delete(r.Context(), r.Header.Get(UserHeader), chi.URLParam(r, "id"), s.cfg.Clock.Now())
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	letters, err := s.cfg.DeadLetters.List(r.Context(), r.Header.Get(UserHeader), limit)
	if err != nil {
		s.internal(w, err)
		return
	}
	if letters == nil {
		letters = []DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters})
}

func (s *Service) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrSubscriptionNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	s.internal(w, err)
}

func (s *Service) internal(w http.ResponseWriter, err error) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Error("webhook management request failed", "error", err.Error())
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
