package api

import (
	"math"
	"net/http"

	"github.com/shohag/sosrelay/internal/gateway"
	"github.com/shohag/sosrelay/internal/queue"
)

type StatsHandler struct {
	queue *queue.Queue
	gw    *gateway.Gateway
}

func NewStatsHandler(q *queue.Queue, gw *gateway.Gateway) *StatsHandler {
	return &StatsHandler{queue: q, gw: gw}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"service": "sosrelay",
	}
	n, err := h.queue.CountPending(r.Context())
	if err != nil {
		status["status"] = "degraded"
		status["error"] = "local storage unavailable"
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["pending"] = n
	writeJSON(w, http.StatusOK, status)
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *StatsHandler) Cooldown(w http.ResponseWriter, r *http.Request) {
	remaining, err := h.gw.CooldownRemaining(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"can_trigger":       remaining <= 0,
		"remaining_seconds": int(math.Ceil(remaining.Seconds())),
	})
}
