package api

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/shohag/sosrelay/internal/models"
	"github.com/shohag/sosrelay/internal/queue"
	"github.com/shohag/sosrelay/internal/remote"
	"github.com/shohag/sosrelay/internal/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidAlert):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, queue.ErrLocalStorage):
		writeError(w, http.StatusInternalServerError, "local storage unavailable")
	case errors.Is(err, remote.ErrRemotePermanent):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, remote.ErrRemoteTransient),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
