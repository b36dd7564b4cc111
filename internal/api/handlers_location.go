package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/shohag/sosrelay/internal/clock"
	"github.com/shohag/sosrelay/internal/location"
	"github.com/shohag/sosrelay/internal/models"
)

type LocationHandler struct {
	locator *location.Acquirer
	feed    *location.Feed
	clock   clock.Clock
	budget  time.Duration
}

func NewLocationHandler(locator *location.Acquirer, feed *location.Feed, clk clock.Clock, budget time.Duration) *LocationHandler {
	return &LocationHandler{locator: locator, feed: feed, clock: clk, budget: budget}
}

type reportLocationRequest struct {
	Lat       float64    `json:"lat"`
	Lon       float64    `json:"lon"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type fixResponse struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	At         time.Time `json:"at"`
	Source     string    `json:"source"`
	AgeSeconds float64   `json:"age_seconds"`
}

// Report accepts a position from the device's location provider.
func (h *LocationHandler) Report(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req reportLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fix := location.Fix{
		Coordinate: models.Coordinate{Latitude: req.Lat, Longitude: req.Lon},
		At:         h.clock.Now(),
	}
	if req.Timestamp != nil {
		fix.At = req.Timestamp.UTC()
	}
	if err := fix.Coordinate.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.feed != nil {
		if err := h.feed.Publish(fix); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	h.locator.Observe(fix)
	w.WriteHeader(http.StatusNoContent)
}

// Acquire runs the acquisition chain once, for diagnostics.
func (h *LocationHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	fix, age, err := h.locator.Acquire(r.Context(), h.budget)
	if err != nil {
		if errors.Is(err, location.ErrPermissionDenied) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		if errors.Is(err, location.ErrLocationUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fixResponse{
		Lat:        fix.Coordinate.Latitude,
		Lon:        fix.Coordinate.Longitude,
		At:         fix.At,
		Source:     fix.Source,
		AgeSeconds: age.Seconds(),
	})
}
