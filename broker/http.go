package broker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/omicronlabs/browserbroker/broker/store"
	"github.com/omicronlabs/browserbroker/broker/token"
	"github.com/omicronlabs/browserbroker/broker/vault"
)

type acquireRequest struct {
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type acquireResponse struct {
	SessionID string `json:"session_id"`
	MCPURL    string `json:"mcp_url"`
	ExpiresAt string `json:"expires_at"`
	Status    string `json:"status"`
}

type heartbeatRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Mount registers the administrative and runner-facing endpoints on mux.
// Callers wrap the mux with log.HTTP and RateLimit before serving.
func (s *Service) Mount(mux *http.ServeMux) {
	mux.Handle("POST /internal/browser-sessions/get-or-create", s.requireCaller(s.handleAcquire))
	mux.Handle("POST /internal/browser-sessions/{session_id}/heartbeat", s.requireCaller(s.handleHeartbeat))
	mux.Handle("DELETE /internal/browser-sessions/{session_id}", s.requireCaller(s.handleDelete))
	mux.Handle("POST /internal/runner-secrets", s.requireRunner(s.handleRunnerSecrets))
}

// RateLimit rejects requests above the configured rate with 429. The limit
// is global: the broker's hot path is the session store, not CPU, so a
// single limiter per replica is enough back-pressure.
func RateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireCaller authenticates the administrative trust domain. The validated
// subject is an opaque caller identity; it gates access and nothing more.
func (s *Service) requireCaller(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		if _, err := s.cfg.CallerTokens.VerifyCaller(raw); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	})
}

// requireRunner authenticates the runner bootstrap domain and stashes the
// verified (user, session) binding on the request.
func (s *Service) requireRunner(next func(http.ResponseWriter, *http.Request, token.Identity)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		id, err := s.cfg.RunnerTokens.VerifyRunner(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, id)
	})
}

func (s *Service) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "user_id and session_id are required")
		return
	}
	lease, err := s.Acquire(r.Context(), req.UserID, req.SessionID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, ErrStillStarting) {
			writeError(w, http.StatusConflict, "Browser session is starting")
			return
		}
		// Infrastructure failures are never surfaced verbatim.
		log.Errorf(r.Context(), err, "acquire session %s", req.SessionID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, acquireResponse{
		SessionID: lease.SessionID,
		MCPURL:    lease.MCPURL,
		ExpiresAt: lease.ExpiresAt.UTC().Format(time.RFC3339),
		Status:    string(lease.Status),
	})
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	var req heartbeatRequest
	// An empty body means "default TTL".
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.Heartbeat(r.Context(), sessionID, time.Duration(req.TTLSeconds)*time.Second); err != nil {
		log.Errorf(r.Context(), err, "heartbeat session %s", sessionID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if err := s.Delete(r.Context(), sessionID); err != nil {
		log.Errorf(r.Context(), err, "delete session %s", sessionID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Service) handleRunnerSecrets(w http.ResponseWriter, r *http.Request, id token.Identity) {
	blob, err := s.RunnerSecrets(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "Browser session not found")
		case errors.Is(err, vault.ErrNotFound):
			writeError(w, http.StatusNotFound, "Vault secret not found")
		default:
			log.Errorf(r.Context(), err, "runner secrets for session %s", id.SessionID)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(blob))
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, raw, found := strings.Cut(auth, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || raw == "" {
		return "", false
	}
	return raw, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
