package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labelflow/relabel/internal/importer"
	"github.com/labelflow/relabel/internal/snapshot"
	"github.com/labelflow/relabel/internal/store"
	"github.com/labelflow/relabel/internal/upload"
)

// errorResponse is the JSON error envelope for all non-2xx responses.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError writes a JSON error envelope with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps service-layer sentinel errors to HTTP statuses.
// Unrecognized errors become a 500 with a generic message; the cause is
// logged server-side only.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upload.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, snapshot.ErrNoSnapshot):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, upload.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, upload.ErrEmptyFile),
		errors.Is(err, upload.ErrHeaderAmbiguous):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, importer.ErrJobAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, importer.ErrKindMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, importer.ErrTooManyJobs):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		slog.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
