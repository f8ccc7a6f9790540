// Package api exposes the ingestion and operator surface over HTTP.
// Everything here is a thin wrapper: validation, auth, JSON shaping. The
// decision engine stays the single source of truth.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dejetem/ddos-protection-service/internal/decision"
	"github.com/dejetem/ddos-protection-service/internal/event"
	"github.com/dejetem/ddos-protection-service/internal/ingest"
	"github.com/dejetem/ddos-protection-service/internal/reputation"
)

// Handler wires the HTTP routes.
type Handler struct {
	pool      *ingest.Pool
	engine    *decision.Engine
	ledger    reputation.Ledger
	jwtSecret []byte
}

func NewHandler(pool *ingest.Pool, engine *decision.Engine, ledger reputation.Ledger, jwtSecret string) *Handler {
	if jwtSecret == "" {
		slog.Warn("admin API auth disabled: no JWT secret configured")
	}
	return &Handler{pool: pool, engine: engine, ledger: ledger, jwtSecret: []byte(jwtSecret)}
}

// Register attaches all routes to the mux. Mutating routes go through
// the bearer-token check.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/v1/events", h.events)
	mux.HandleFunc("/v1/status/", h.status)
	mux.HandleFunc("/v1/blocked", h.blocked)
	mux.HandleFunc("/v1/override", h.authed(h.override))
	mux.HandleFunc("/v1/override/", h.authed(h.clearOverride))
	mux.HandleFunc("/v1/reset/", h.authed(h.reset))
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type eventRequest struct {
	Identity string            `json:"identity"`
	Weight   int64             `json:"weight,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Async    bool              `json:"async,omitempty"`
}

// events ingests one traffic event. Synchronous by default: the response
// carries the verdict. async=true enqueues for the worker pool and
// returns 202.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	if req.Async {
		err := h.pool.Submit(req.Identity, req.Weight, req.Tags)
		switch {
		case errors.Is(err, event.ErrInvalidIdentity), errors.Is(err, event.ErrInvalidWeight):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ingest.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, "intake saturated")
		default:
			w.WriteHeader(http.StatusAccepted)
		}
		return
	}

	v, err := h.pool.Process(r.Context(), req.Identity, req.Weight, req.Tags)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Path[len("/v1/status/"):]
	st, err := h.engine.Status(r.Context(), event.Identity(id))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid identity")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// blocked merges identities blocked by the ladder on this instance with
// deny overrides from the shared ledger.
func (h *Handler) blocked(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	seen := map[event.Identity]string{}
	for _, id := range h.engine.Blocked() {
		seen[id] = "ladder"
	}
	if denies, err := h.ledger.DenyList(r.Context(), time.Now()); err == nil {
		for _, o := range denies {
			seen[o.Identity] = "override"
		}
	}
	type blockedEntry struct {
		Identity event.Identity `json:"identity"`
		Source   string         `json:"source"`
	}
	out := make([]blockedEntry, 0, len(seen))
	for id, src := range seen {
		out = append(out, blockedEntry{Identity: id, Source: src})
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": out})
}

type overrideRequest struct {
	Identity   string `json:"identity"`
	Kind       string `json:"kind"` // "allow" or "deny"
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

func (h *Handler) override(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	kind := reputation.OverrideKind(req.Kind)
	if kind != reputation.OverrideAllow && kind != reputation.OverrideDeny {
		writeError(w, http.StatusBadRequest, "kind must be allow or deny")
		return
	}
	var expiresAt time.Time
	if req.TTLSeconds > 0 {
		expiresAt = time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
	}
	if err := h.engine.SetOverride(r.Context(), event.Identity(req.Identity), kind, expiresAt); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, event.ErrInvalidIdentity) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) clearOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Path[len("/v1/override/"):]
	if err := h.engine.ClearOverride(r.Context(), event.Identity(id)); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, event.ErrInvalidIdentity) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Path[len("/v1/reset/"):]
	if err := h.engine.Reset(r.Context(), event.Identity(id)); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, event.ErrInvalidIdentity) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authed enforces a bearer JWT (HS256) when a secret is configured.
func (h *Handler) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(h.jwtSecret) == 0 {
			next(w, r)
			return
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return h.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
