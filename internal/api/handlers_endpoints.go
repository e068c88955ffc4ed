package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/delivery"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/registry"
	"github.com/shohag/hookline/internal/storage"
)

type EndpointHandler struct {
	registry *registry.Registry
	engine   *delivery.Engine
	log      zerolog.Logger
}

func NewEndpointHandler(reg *registry.Registry, engine *delivery.Engine, log zerolog.Logger) *EndpointHandler {
	return &EndpointHandler{registry: reg, engine: engine, log: log}
}

// Create responds with the endpoint including its secret.
func (h *EndpointHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ep, err := h.registry.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (h *EndpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	ep, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ep.Redacted())
}

func (h *EndpointHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eps, err := h.registry.List(r.Context(), storage.EndpointFilter{
		TenantID: q.Get("tenant_id"),
		Status:   models.EndpointStatus(q.Get("status")),
		Event:    q.Get("event"),
	})
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}

	out := make([]models.Endpoint, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *EndpointHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req registry.UpdateInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ep, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ep.Redacted())
}

func (h *EndpointHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transition adapts a registry state change to a handler.
func (h *EndpointHandler) transition(fn func(*registry.Registry, *http.Request, string) (*models.Endpoint, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ep, err := fn(h.registry, r, chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, ep.Redacted())
	}
}

func (h *EndpointHandler) Pause() http.HandlerFunc {
	return h.transition(func(reg *registry.Registry, r *http.Request, id string) (*models.Endpoint, error) {
		return reg.Pause(r.Context(), id)
	})
}

func (h *EndpointHandler) Resume() http.HandlerFunc {
	return h.transition(func(reg *registry.Registry, r *http.Request, id string) (*models.Endpoint, error) {
		return reg.Resume(r.Context(), id)
	})
}

func (h *EndpointHandler) Disable() http.HandlerFunc {
	return h.transition(func(reg *registry.Registry, r *http.Request, id string) (*models.Endpoint, error) {
		return reg.Disable(r.Context(), id)
	})
}

func (h *EndpointHandler) Reactivate() http.HandlerFunc {
	return h.transition(func(reg *registry.Registry, r *http.Request, id string) (*models.Endpoint, error) {
		return reg.Reactivate(r.Context(), id)
	})
}

// RotateSecret responds with the endpoint including its new secret.
func (h *EndpointHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	ep, err := h.registry.RotateSecret(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *EndpointHandler) Test(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.TestWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
