package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/shohag/sosrelay/internal/delivery"
	"github.com/shohag/sosrelay/internal/models"
	"github.com/shohag/sosrelay/internal/queue"
)

type QueueHandler struct {
	queue *queue.Queue
	sync  *delivery.Orchestrator
	log   zerolog.Logger
}

func NewQueueHandler(q *queue.Queue, sync *delivery.Orchestrator, log zerolog.Logger) *QueueHandler {
	return &QueueHandler{queue: q, sync: sync, log: log}
}

func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	state := models.DeliveryState(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	alerts, err := h.queue.List(r.Context(), state, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (h *QueueHandler) Count(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.CountPending(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}

// Events streams the pending count as server-sent events until the client
// goes away.
func (h *QueueHandler) Events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.log.Warn().Err(err).Msg("failed to clear write deadline for event stream")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.log.Error().Err(err).Msg("event stream not supported")
		return
	}

	for n := range h.queue.Watch(r.Context()) {
		if _, err := fmt.Fprintf(w, "event: pending\ndata: {\"pending\":%d}\n\n", n); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (h *QueueHandler) Purge(w http.ResponseWriter, r *http.Request) {
	n, err := h.sync.Purge(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}
