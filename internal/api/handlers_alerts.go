package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/shohag/sosrelay/internal/gateway"
	"github.com/shohag/sosrelay/internal/models"
)

type AlertHandler struct {
	gw *gateway.Gateway
}

func NewAlertHandler(gw *gateway.Gateway) *AlertHandler {
	return &AlertHandler{gw: gw}
}

type createAlertRequest struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

const maxBodySize = 16 * 1024

func (h *AlertHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req createAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	alertType, err := models.ParseAlertType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.gw.CreateAlert(r.Context(), alertType, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, resultStatus(w, res), res)
}

func resultStatus(w http.ResponseWriter, res gateway.Result) int {
	switch res.Outcome {
	case gateway.OutcomeDelivered:
		return http.StatusCreated
	case gateway.OutcomeQueued:
		return http.StatusAccepted
	}

	switch res.Reason {
	case gateway.ReasonCooldownActive:
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
		return http.StatusTooManyRequests
	case gateway.ReasonOfflineDisabled, gateway.ReasonOnlineFailedOfflineDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// List serves GET /alerts?user_id=&include_queued=.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	includeQueued := true
	if v := r.URL.Query().Get("include_queued"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "include_queued must be a boolean")
			return
		}
		includeQueued = b
	}

	alerts, err := h.gw.AlertsByUser(r.Context(), userID, includeQueued)
	if alerts == nil {
		alerts = []models.Alert{}
	}
	if err != nil {
		// queued alerts are still useful when the remote store is down
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"alerts":  alerts,
			"partial": true,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (h *AlertHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}

	var radius float64
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			writeError(w, http.StatusBadRequest, "invalid radius")
			return
		}
		radius = f
	}
	var window time.Duration
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}

	alerts, err := h.gw.Nearby(r.Context(), models.Coordinate{Latitude: lat, Longitude: lon}, radius, window)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if err := h.gw.Resolve(r.Context(), ref); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ref": ref, "status": "resolved"})
}
