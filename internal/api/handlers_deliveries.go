package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/delivery"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/storage"
)

type DeliveryHandler struct {
	engine *delivery.Engine
	log    zerolog.Logger
}

func NewDeliveryHandler(engine *delivery.Engine, log zerolog.Logger) *DeliveryHandler {
	return &DeliveryHandler{engine: engine, log: log}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", storage.DefaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	ds, err := h.engine.ListDeliveries(r.Context(), storage.DeliveryFilter{
		EndpointID: q.Get("endpoint_id"),
		TenantID:   q.Get("tenant_id"),
		Status:     models.DeliveryStatus(q.Get("status")),
		Event:      q.Get("event"),
		Limit:      limit,
	})
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if ds == nil {
		ds = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.RetryDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
