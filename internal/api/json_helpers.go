package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"newsroom-api/internal/hydrate"
	"newsroom-api/internal/observability/logging"
	"newsroom-api/internal/storage"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

// StatusFor maps a service error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidRequest), errors.Is(err, hydrate.ErrRecursionLimit):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	// Unavailable is checked before Conflict because storage failures are
	// folded into ErrConflict with their cause kept alongside.
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs err and writes it with the status StatusFor picks.
// Messages of unclassified errors are not echoed to the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	logger := logging.FromContext(r.Context(), h.logger())
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "error", err)
	case status == http.StatusConflict:
		logger.Warn("storage conflict", "error", err)
	default:
		logger.Debug("request rejected", "status", status, "error", err)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, errors.New("internal error"))
		return
	}
	writeError(w, status, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
