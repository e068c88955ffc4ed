package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/notify"
	"github.com/shohag/hookline/internal/storage"
)

type StatsHandler struct {
	store  storage.Storage
	events *notify.Log
	log    zerolog.Logger
}

func NewStatsHandler(store storage.Storage, events *notify.Log, log zerolog.Logger) *StatsHandler {
	return &StatsHandler{store: store, events: events, log: log}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unavailable",
			"service": "hookline",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "hookline",
	})
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Log serves the bounded notification log, newest first.
func (h *StatsHandler) Log(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.events.Entries(r.URL.Query().Get("endpoint_id"), limit))
}
