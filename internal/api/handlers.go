package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"newsroom-api/internal/content"
	"newsroom-api/internal/hydrate"
	"newsroom-api/internal/observability/logging"
	"newsroom-api/internal/observability/metrics"
)

// RequesterHeader carries the id of the user a request acts for.
const RequesterHeader = "X-Requester-ID"

// HealthCheck reports the health of one dependency.
type HealthCheck func(context.Context) error

type Handler struct {
	Content *content.Service
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	// Checks are extra dependencies reported by Health next to the datastore.
	Checks map[string]HealthCheck
}

func NewHandler(svc *content.Service, recorder *metrics.Recorder, logger *slog.Logger) *Handler {
	return &Handler{Content: svc, Metrics: recorder, Logger: logging.WithComponent(logger, "api")}
}

// Register installs the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /api/autocomplete", h.Autocomplete)
	mux.HandleFunc("GET /api/{collection}", h.List)
	mux.HandleFunc("GET /api/{collection}/{id}", h.Get)
	mux.HandleFunc("GET /api/{parent}/{id}/{collection}", h.ListUnder)
	mux.HandleFunc("POST /api/{collection}/lookup", h.Lookup)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// RequesterMiddleware reads RequesterHeader into the request context.
// Requests without the header are anonymous; malformed values are rejected.
func RequesterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(RequesterHeader))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%s must be a positive integer", RequesterHeader))
			return
		}
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequester(r.Context(), id)))
	})
}

func requester(r *http.Request) int64 {
	id, _ := logging.RequesterFromContext(r.Context())
	return id
}

func (h *Handler) call(r *http.Request) hydrate.Call {
	return hydrate.Latest(requester(r))
}

func (h *Handler) collection(w http.ResponseWriter, r *http.Request) (*content.Type, bool) {
	name := r.PathValue("collection")
	t, ok := h.Content.Catalog().ByPath(name)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown collection "+strconv.Quote(name)))
		return nil, false
	}
	return t, true
}
