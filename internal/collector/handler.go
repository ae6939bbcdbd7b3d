package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/blockedby/channel-ingest/internal/ingest"
	"github.com/blockedby/channel-ingest/internal/telegram"
)

const readyTimeout = 2 * time.Second

// Ingestor is the service surface exposed over HTTP.
type Ingestor interface {
	Start(ctx context.Context, opts StartOptions) (*Session, error)
	Stop()
	State() ingest.State
	AddKnownIDs(ids ...int64)
}

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

type readinessCheck struct {
	name string
	fn   CheckFunc
}

// Handler handles HTTP requests for the ingestion service
type Handler struct {
	ingestor       Ingestor
	resolveDefault bool
	checks         []readinessCheck
}

// NewHandler creates a new handler. resolveDefault applies to start
// requests that do not set resolve_media.
func NewHandler(ingestor Ingestor, resolveDefault bool) *Handler {
	return &Handler{
		ingestor:       ingestor,
		resolveDefault: resolveDefault,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// AddCheck registers a dependency checked by Ready.
// Checks must be added before the handler serves requests.
func (h *Handler) AddCheck(name string, fn CheckFunc) {
	h.checks = append(h.checks, readinessCheck{name: name, fn: fn})
}

// Ready handles GET /ready. It answers 503 while any check fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.fn(ctx); err != nil {
			results[c.name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[c.name] = "ok"
	}

	respondJSON(w, status, map[string]any{
		"ready":  status == http.StatusOK,
		"checks": results,
	})
}

// Start handles POST /api/v1/ingest/start
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// the session outlives the request
	ctx := context.WithoutCancel(r.Context())
	sess, err := h.ingestor.Start(ctx, req.Options(h.resolveDefault))
	if err != nil {
		respondError(w, startErrorStatus(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, sess)
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, telegram.ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, telegram.ErrNotAuthorized):
		return http.StatusServiceUnavailable
	case errors.Is(err, ingest.ErrInvalidConfig), errors.Is(err, ErrChannelRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Stop handles DELETE /api/v1/ingest/current
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.ingestor.Stop()
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "ingestion stopped",
	})
}

// State handles GET /api/v1/ingest/state
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.ingestor.State())
}

// AddKnownIDs handles POST /api/v1/ingest/known-ids
func (h *Handler) AddKnownIDs(w http.ResponseWriter, r *http.Request) {
	var req KnownIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.ingestor.AddKnownIDs(req.IDs...)
	respondJSON(w, http.StatusOK, map[string]int{
		"added": len(req.IDs),
	})
}

// helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
