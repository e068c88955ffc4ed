// Package registry owns endpoint configuration and lifecycle. Every
// read-modify-write of an endpoint runs under that endpoint's lock, so failure
// counters stay exact when attempts against one endpoint complete concurrently.
package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shohag/hookline/internal/clock"
	"github.com/shohag/hookline/internal/keylock"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/notify"
	"github.com/shohag/hookline/internal/storage"
)

type Config struct {
	DefaultRetryPolicy models.RetryPolicy
	Catalog            []models.EventType
	// StrictEvents rejects subscriptions to events missing from Catalog.
	StrictEvents bool
}

type Registry struct {
	store    storage.EndpointStore
	notifier notify.Notifier
	clock    clock.Clock
	locks    *keylock.Locks
	cfg      Config
	known    map[string]bool
	log      zerolog.Logger
}

func New(store storage.EndpointStore, notifier notify.Notifier, clk clock.Clock, cfg Config, log zerolog.Logger) *Registry {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	known := make(map[string]bool, len(cfg.Catalog))
	for _, et := range cfg.Catalog {
		known[et.Event] = true
	}
	return &Registry{
		store:    store,
		notifier: notifier,
		clock:    clk,
		locks:    keylock.New(),
		cfg:      cfg,
		known:    known,
		log:      log.With().Str("component", "registry").Logger(),
	}
}

type CreateInput struct {
	TenantID    string                   `json:"tenant_id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	URL         string                   `json:"url"`
	Events      []string                 `json:"events"`
	Filters     []models.Filter          `json:"filters"`
	Headers     map[string]string        `json:"headers"`
	Metadata    map[string]any           `json:"metadata"`
	RetryPolicy *models.RetryPolicyPatch `json:"retry_policy"`
	RateLimit   int                      `json:"rate_limit"`
	CreatedBy   string                   `json:"created_by"`
}

// UpdateInput leaves nil fields unchanged. RetryPolicy is overlaid field by field.
type UpdateInput struct {
	Name        *string                  `json:"name"`
	Description *string                  `json:"description"`
	URL         *string                  `json:"url"`
	Events      []string                 `json:"events"`
	Filters     *[]models.Filter         `json:"filters"`
	Headers     map[string]string        `json:"headers"`
	Metadata    map[string]any           `json:"metadata"`
	RetryPolicy *models.RetryPolicyPatch `json:"retry_policy"`
	RateLimit   *int                     `json:"rate_limit"`
}

// Create registers a new ACTIVE endpoint. The returned endpoint carries the
// generated secret; it is the only read path besides RotateSecret that does.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*models.Endpoint, error) {
	if in.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", models.ErrInvalidConfiguration)
	}
	if err := models.ValidateURL(in.URL); err != nil {
		return nil, err
	}
	if err := r.validateEvents(in.Events); err != nil {
		return nil, err
	}
	if err := models.ValidateFilters(in.Filters); err != nil {
		return nil, err
	}
	policy := r.cfg.DefaultRetryPolicy.Apply(in.RetryPolicy)
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if in.RateLimit < 0 {
		return nil, fmt.Errorf("%w: rate_limit must be >= 0", models.ErrInvalidConfiguration)
	}

	now := r.clock.Now()
	ep := &models.Endpoint{
		ID:          models.NewID("ep"),
		TenantID:    in.TenantID,
		Name:        in.Name,
		Description: in.Description,
		URL:         in.URL,
		Events:      in.Events,
		Filters:     in.Filters,
		Headers:     in.Headers,
		Metadata:    in.Metadata,
		Secret:      models.NewSecret(),
		RetryPolicy: policy,
		RateLimit:   in.RateLimit,
		Status:      models.EndpointActive,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.PutEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("store endpoint: %w", err)
	}

	r.log.Info().Str("endpoint_id", ep.ID).Str("tenant_id", ep.TenantID).Strs("events", ep.Events).Msg("endpoint created")
	r.notify(ctx, notify.WebhookCreated, ep, "")
	return ep, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Endpoint, error) {
	return r.store.GetEndpoint(ctx, id)
}

// List returns matching endpoints, newest first.
func (r *Registry) List(ctx context.Context, f storage.EndpointFilter) ([]models.Endpoint, error) {
	return r.store.ListEndpoints(ctx, f)
}

// ActiveSubscribers returns the ACTIVE endpoints of tenantID subscribed to event.
func (r *Registry) ActiveSubscribers(ctx context.Context, tenantID, event string) ([]models.Endpoint, error) {
	return r.store.ListEndpoints(ctx, storage.EndpointFilter{
		TenantID: tenantID,
		Status:   models.EndpointActive,
		Event:    event,
	})
}

func (r *Registry) Catalog() []models.EventType {
	return r.cfg.Catalog
}

func (r *Registry) Update(ctx context.Context, id string, in UpdateInput) (*models.Endpoint, error) {
	return r.mutate(ctx, id, notify.WebhookUpdated, func(ep *models.Endpoint) error {
		if in.URL != nil {
			if err := models.ValidateURL(*in.URL); err != nil {
				return err
			}
			ep.URL = *in.URL
		}
		if in.Events != nil {
			if err := r.validateEvents(in.Events); err != nil {
				return err
			}
			ep.Events = in.Events
		}
		if in.Filters != nil {
			if err := models.ValidateFilters(*in.Filters); err != nil {
				return err
			}
			ep.Filters = *in.Filters
		}
		if in.RetryPolicy != nil {
			policy := ep.RetryPolicy.Apply(in.RetryPolicy)
			if err := policy.Validate(); err != nil {
				return err
			}
			ep.RetryPolicy = policy
		}
		if in.RateLimit != nil {
			if *in.RateLimit < 0 {
				return fmt.Errorf("%w: rate_limit must be >= 0", models.ErrInvalidConfiguration)
			}
			ep.RateLimit = *in.RateLimit
		}
		if in.Name != nil {
			ep.Name = *in.Name
		}
		if in.Description != nil {
			ep.Description = *in.Description
		}
		if in.Headers != nil {
			ep.Headers = in.Headers
		}
		if in.Metadata != nil {
			ep.Metadata = in.Metadata
		}
		return nil
	})
}

// Delete removes the endpoint. Its deliveries stay in the ledger; pending
// retries against it fail with "endpoint gone".
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	ep, err := r.store.GetEndpoint(ctx, id)
	if err == nil {
		err = r.store.DeleteEndpoint(ctx, id)
	}
	unlock()
	if err != nil {
		return err
	}

	r.log.Info().Str("endpoint_id", id).Msg("endpoint deleted")
	r.notify(ctx, notify.WebhookDeleted, ep, "")
	return nil
}

// Pause is valid from any status except DISABLED, including FAILED.
func (r *Registry) Pause(ctx context.Context, id string) (*models.Endpoint, error) {
	return r.mutate(ctx, id, notify.WebhookPaused, func(ep *models.Endpoint) error {
		if ep.Status == models.EndpointDisabled {
			return fmt.Errorf("%w: cannot pause a disabled endpoint", models.ErrInvalidState)
		}
		ep.Status = models.EndpointPaused
		return nil
	})
}

func (r *Registry) Resume(ctx context.Context, id string) (*models.Endpoint, error) {
	return r.mutate(ctx, id, notify.WebhookResumed, func(ep *models.Endpoint) error {
		if ep.Status != models.EndpointPaused {
			return fmt.Errorf("%w: cannot resume a %s endpoint", models.ErrInvalidState, ep.Status)
		}
		ep.Status = models.EndpointActive
		ep.ConsecutiveFailures = 0
		return nil
	})
}

func (r *Registry) Disable(ctx context.Context, id string) (*models.Endpoint, error) {
	return r.mutate(ctx, id, notify.WebhookDisabled, func(ep *models.Endpoint) error {
		if ep.Status == models.EndpointDisabled {
			return fmt.Errorf("%w: endpoint already disabled", models.ErrInvalidState)
		}
		ep.Status = models.EndpointDisabled
		return nil
	})
}

// Reactivate moves a FAILED endpoint straight back to ACTIVE.
func (r *Registry) Reactivate(ctx context.Context, id string) (*models.Endpoint, error) {
	return r.mutate(ctx, id, notify.WebhookReactivated, func(ep *models.Endpoint) error {
		if ep.Status != models.EndpointFailed {
			return fmt.Errorf("%w: only FAILED endpoints can be reactivated, endpoint is %s", models.ErrInvalidState, ep.Status)
		}
		ep.Status = models.EndpointActive
		ep.ConsecutiveFailures = 0
		return nil
	})
}

// RotateSecret replaces the secret. The old one stops verifying immediately.
func (r *Registry) RotateSecret(ctx context.Context, id string) (*models.Endpoint, error) {
	return r.mutate(ctx, id, notify.WebhookSecretRotated, func(ep *models.Endpoint) error {
		ep.Secret = models.NewSecret()
		return nil
	})
}

func (r *Registry) RecordSuccess(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	ep, err := r.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	ep.ConsecutiveFailures = 0
	ep.LastDeliveryAt = &now
	ep.LastSuccessAt = &now
	ep.UpdatedAt = now
	return r.store.PutEndpoint(ctx, ep)
}

// RecordFailure increments the failure counter. tripped is true only for the
// call that moved the endpoint to FAILED.
func (r *Registry) RecordFailure(ctx context.Context, id string) (ep *models.Endpoint, tripped bool, err error) {
	unlock := r.locks.Lock(id)
	ep, err = r.store.GetEndpoint(ctx, id)
	if err != nil {
		unlock()
		return nil, false, err
	}
	now := r.clock.Now()
	ep.ConsecutiveFailures++
	ep.LastDeliveryAt = &now
	ep.UpdatedAt = now
	if ep.ConsecutiveFailures >= models.FailureThreshold &&
		(ep.Status == models.EndpointActive || ep.Status == models.EndpointPaused) {
		ep.Status = models.EndpointFailed
		tripped = true
	}
	err = r.store.PutEndpoint(ctx, ep)
	unlock()
	if err != nil {
		return nil, false, err
	}

	if tripped {
		r.log.Warn().
			Str("endpoint_id", id).
			Int("consecutive_failures", ep.ConsecutiveFailures).
			Msg("circuit breaker tripped, endpoint marked FAILED")
		r.notify(ctx, notify.WebhookDisabled, ep, notify.ReasonCircuitBreaker)
	}
	return ep, tripped, nil
}

func (r *Registry) mutate(ctx context.Context, id, notification string, fn func(*models.Endpoint) error) (*models.Endpoint, error) {
	unlock := r.locks.Lock(id)
	ep, err := r.store.GetEndpoint(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := fn(ep); err != nil {
		unlock()
		return nil, err
	}
	ep.UpdatedAt = r.clock.Now()
	err = r.store.PutEndpoint(ctx, ep)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("store endpoint: %w", err)
	}

	r.log.Info().Str("endpoint_id", id).Str("status", string(ep.Status)).Msg(notification)
	reason := ""
	if notification == notify.WebhookDisabled {
		reason = notify.ReasonOperatorDisabled
	}
	r.notify(ctx, notification, ep, reason)
	return ep, nil
}

func (r *Registry) notify(ctx context.Context, typ string, ep *models.Endpoint, reason string) {
	r.notifier.Notify(ctx, notify.Notification{
		Type:       typ,
		EndpointID: ep.ID,
		TenantID:   ep.TenantID,
		Reason:     reason,
		Timestamp:  r.clock.Now(),
	})
}

func (r *Registry) validateEvents(events []string) error {
	if err := models.ValidateEvents(events); err != nil {
		return err
	}
	if !r.cfg.StrictEvents || len(r.known) == 0 {
		return nil
	}
	for _, e := range events {
		if !r.known[e] {
			return fmt.Errorf("%w: unknown event %q", models.ErrInvalidConfiguration, e)
		}
	}
	return nil
}
