package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"lmfacade/internal/backend"
	"lmfacade/internal/pool"
	"lmfacade/pkg/session"
	"lmfacade/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusForError maps a façade-layer error to the HTTP status code that
// best represents it, matching the error taxonomy §7 describes: invalid
// arguments are client errors, missing backends and files are either 404 or
// 503 depending on which side is missing, everything else is a 500.
func statusForError(err error) int {
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	switch {
	case errors.Is(err, session.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSnapshotMismatch), errors.Is(err, session.ErrContextMismatch):
		return http.StatusConflict
	case errors.Is(err, backend.ErrNoBackend):
		return http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, session.ErrLoadFailed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
