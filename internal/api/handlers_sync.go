package api

import (
	"net/http"

	"github.com/shohag/sosrelay/internal/delivery"
)

type SyncHandler struct {
	sync *delivery.Orchestrator
}

func NewSyncHandler(sync *delivery.Orchestrator) *SyncHandler {
	return &SyncHandler{sync: sync}
}

// SyncNow requests a manual run and returns immediately; progress is visible
// through Status.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	h.sync.SyncNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Status())
}
