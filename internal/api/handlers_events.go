package api

import (
	"net/http"

	"github.com/shohag/hookline/internal/eventbus"
	"github.com/shohag/hookline/internal/metrics"
	"github.com/shohag/hookline/internal/models"
)

type EventHandler struct {
	bus     *eventbus.Bus
	catalog []models.EventType
	metrics *metrics.Metrics
}

func NewEventHandler(bus *eventbus.Bus, catalog []models.EventType, m *metrics.Metrics) *EventHandler {
	return &EventHandler{bus: bus, catalog: catalog, metrics: m}
}

// Publish queues an event for dispatch and responds before any delivery runs.
func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var ev eventbus.Event
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ev.Name == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	if !h.bus.Publish(ev) {
		h.metrics.EventDropped()
		writeError(w, http.StatusServiceUnavailable, "event queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "event": ev.Name})
}

func (h *EventHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	out := h.catalog
	if out == nil {
		out = []models.EventType{}
	}
	writeJSON(w, http.StatusOK, out)
}
