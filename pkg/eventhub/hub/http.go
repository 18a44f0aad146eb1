package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

const maxRequestBody = 1 << 20

type tokenRequest struct {
	RequestID string   `json:"requestId"`
	Scope     []string `json:"scope"`
	// ExpiresIn is in seconds.
	ExpiresIn int `json:"expiresIn"`
}

type dataRequest struct {
	Scope   []string `json:"scope"`
	Filters Filters  `json:"filters"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Routes returns the Hub Protocol HTTP handler, to be mounted at /hub/v1.
//
//	POST /token     Authorization: Bearer <credential>
//	POST /data      Authorization: Bearer <access token>
//	POST /insights  Authorization: Bearer <access token>
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/token", g.handleToken)
	r.Post("/data", g.handleData)
	r.Post("/insights", g.handleInsights)
	return r
}

func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	tok, err := g.GenerateAccessToken(r.Context(), bearer(r), req.RequestID, req.Scope,
		time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (g *Gateway) handleData(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if !decode(w, r, &req) {
		return
	}
	data, err := g.RequestData(r.Context(), bearer(r), req.Scope, req.Filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (g *Gateway) handleInsights(w http.ResponseWriter, r *http.Request) {
	var insight Insight
	if !decode(w, r, &insight) {
		return
	}
	ids, err := g.SubmitInsight(r.Context(), bearer(r), insight)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"eventIds": ids})
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return ""
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_request"})
		return false
	}
	return true
}

// StatusCode maps a gateway error to its HTTP status.
func StatusCode(err error) int {
	var (
		cred     *InvalidCredentialError
		tok      *InvalidTokenError
		expired  *ExpiredTokenError
		scope    *ScopeError
		violates *ScopeViolationError
		mismatch *CorrelationMismatchError
		req      *InvalidRequestError
		action   *InsightActionError
		invalid  *event.ValidationError
	)
	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &cred), errors.As(err, &tok), errors.As(err, &expired):
		return http.StatusUnauthorized
	case errors.As(err, &scope), errors.As(err, &violates):
		return http.StatusForbidden
	case errors.As(err, &mismatch):
		return http.StatusConflict
	case errors.As(err, &req), errors.As(err, &action), errors.As(err, &invalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: outcome(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
