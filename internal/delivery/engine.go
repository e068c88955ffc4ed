// Package delivery builds, signs and sends webhook payloads and drives the
// per-delivery retry state machine.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shohag/hookline/internal/clock"
	"github.com/shohag/hookline/internal/keylock"
	"github.com/shohag/hookline/internal/metrics"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/notify"
	"github.com/shohag/hookline/internal/signing"
	"github.com/shohag/hookline/internal/storage"
)

const TestEvent = "webhook.test"

// Registry is the part of the endpoint registry the engine depends on.
type Registry interface {
	Get(ctx context.Context, id string) (*models.Endpoint, error)
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string) (*models.Endpoint, bool, error)
}

type Options struct {
	Environment   string
	SchemaVersion string
}

type Engine struct {
	registry Registry
	store    storage.DeliveryStore
	sender   *Sender
	notifier notify.Notifier
	clock    clock.Clock
	metrics  *metrics.Metrics
	opts     Options
	locks    *keylock.Locks
	log      zerolog.Logger
}

func NewEngine(
	registry Registry,
	store storage.DeliveryStore,
	sender *Sender,
	notifier notify.Notifier,
	clk clock.Clock,
	m *metrics.Metrics,
	opts Options,
	log zerolog.Logger,
) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{
		registry: registry,
		store:    store,
		sender:   sender,
		notifier: notifier,
		clock:    clk,
		metrics:  m,
		opts:     opts,
		locks:    keylock.New(),
		log:      log.With().Str("component", "delivery").Logger(),
	}
}

// SendWebhook delivers a new occurrence of event to ep and performs the first
// attempt synchronously. Later retries run from the scheduler.
func (e *Engine) SendWebhook(ctx context.Context, ep *models.Endpoint, event string, data map[string]any) (*models.Delivery, error) {
	return e.SendEvent(ctx, ep, models.Event{
		ID:       models.NewID("evt"),
		Name:     event,
		TenantID: ep.TenantID,
		Data:     data,
	})
}

// SendEvent is SendWebhook for an event occurrence whose ID is already
// assigned, so every endpoint in a fan-out sees the same payload ID.
func (e *Engine) SendEvent(ctx context.Context, ep *models.Endpoint, ev models.Event) (*models.Delivery, error) {
	if ev.ID == "" {
		ev.ID = models.NewID("evt")
	}
	tenant := ev.TenantID
	if tenant == "" {
		tenant = ep.TenantID
	}
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}

	now := e.clock.Now()
	payload := models.Payload{
		ID:        ev.ID,
		Event:     ev.Name,
		Timestamp: now,
		Data:      data,
		Metadata: models.PayloadMetadata{
			TenantID:    tenant,
			Environment: e.opts.Environment,
			Version:     e.opts.SchemaVersion,
		},
	}
	body, sig, err := signing.SignPayload(ep.Secret, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: event data is not serializable: %v", models.ErrInvalidConfiguration, err)
	}

	d := &models.Delivery{
		ID:         models.NewID("dlv"),
		EndpointID: ep.ID,
		TenantID:   ep.TenantID,
		Event:      ev.Name,
		Payload:    payload,
		Status:     models.DeliveryPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		Body:       body,
	}
	// Locked before it is stored so the scheduler cannot pick up the
	// PENDING row while the first attempt is in flight.
	unlock := e.locks.Lock(d.ID)
	defer unlock()
	if err := e.store.PutDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("store delivery: %w", err)
	}
	e.metrics.DeliveryCreated(ev.Name)

	if err := e.attempt(ctx, d, ep, sig, true); err != nil {
		return nil, err
	}
	return d, nil
}

// RetryDelivery replays a FAILED delivery once with the endpoint's current
// secret. Any other status is ErrInvalidState.
func (e *Engine) RetryDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	d, err := e.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DeliveryFailed {
		return nil, fmt.Errorf("%w: only FAILED deliveries can be retried, delivery is %s", models.ErrInvalidState, d.Status)
	}

	ep, err := e.registry.Get(ctx, d.EndpointID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrEndpointGone, d.EndpointID)
	}
	if err != nil {
		return nil, err
	}
	if ep.Status != models.EndpointActive {
		return nil, fmt.Errorf("%w: endpoint is %s", models.ErrInvalidState, ep.Status)
	}

	e.log.Info().Str("delivery_id", d.ID).Str("endpoint_id", ep.ID).Msg("manual retry")
	if err := e.attempt(ctx, d, ep, signing.Sign(ep.Secret, d.Body), false); err != nil {
		return nil, err
	}
	return d, nil
}

// ProcessRetry runs a scheduled attempt, or the first attempt of a PENDING
// delivery left behind by a crash. It returns false without doing anything
// when another attempt on the delivery is in flight or the delivery is not due.
func (e *Engine) ProcessRetry(ctx context.Context, id string) (bool, error) {
	unlock, ok := e.locks.TryLock(id)
	if !ok {
		return false, nil
	}
	defer unlock()

	d, err := e.store.GetDelivery(ctx, id)
	if err != nil {
		return false, err
	}
	now := e.clock.Now()
	if d.Status.Terminal() || (d.NextRetryAt != nil && d.NextRetryAt.After(now)) {
		return false, nil
	}

	ep, err := e.registry.Get(ctx, d.EndpointID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		e.log.Warn().Str("delivery_id", d.ID).Str("endpoint_id", d.EndpointID).Msg("endpoint gone, failing delivery")
		return true, e.fail(ctx, d, models.ErrEndpointGone.Error())
	case err != nil:
		return false, err
	case ep.Status != models.EndpointActive:
		e.log.Info().Str("delivery_id", d.ID).Str("endpoint_id", ep.ID).Str("status", string(ep.Status)).Msg("endpoint not active, failing delivery")
		return true, e.fail(ctx, d, "endpoint "+strings.ToLower(string(ep.Status)))
	}

	if d.Status == models.DeliveryPending {
		e.log.Warn().Str("delivery_id", d.ID).Str("endpoint_id", ep.ID).Msg("resuming stale pending delivery")
	}
	return true, e.attempt(ctx, d, ep, signing.Sign(ep.Secret, d.Body), true)
}

// TestWebhook sends a synthetic webhook.test event regardless of the
// endpoint's subscriptions.
func (e *Engine) TestWebhook(ctx context.Context, endpointID string) (*models.Delivery, error) {
	ep, err := e.registry.Get(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	return e.SendWebhook(ctx, ep, TestEvent, map[string]any{
		"test":    true,
		"message": "This is a test webhook from Hookline",
	})
}

func (e *Engine) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	return e.store.GetDelivery(ctx, id)
}

func (e *Engine) ListDeliveries(ctx context.Context, f storage.DeliveryFilter) ([]models.Delivery, error) {
	return e.store.ListDeliveries(ctx, f)
}

// attempt performs one HTTP attempt and records its outcome. The caller holds
// the delivery lock and passes the signature of d.Body under ep's current
// secret. With scheduleRetry false a failed attempt is terminal.
func (e *Engine) attempt(ctx context.Context, d *models.Delivery, ep *models.Endpoint, signature string, scheduleRetry bool) error {
	number := len(d.Attempts) + 1
	log := e.log.With().
		Str("delivery_id", d.ID).
		Str("endpoint_id", ep.ID).
		Str("event", d.Event).
		Int("attempt", number).
		Logger()

	started := e.clock.Now()
	res := e.sender.Send(ctx, Request{
		Endpoint:   ep,
		DeliveryID: d.ID,
		Event:      d.Event,
		Attempt:    number,
		Body:       d.Body,
		Signature:  signature,
	})
	success := res.Success()
	e.metrics.Attempt(success, res.Duration)

	a := models.Attempt{
		AttemptNumber: number,
		Timestamp:     started,
		DurationMs:    res.Duration.Milliseconds(),
		Success:       success,
		StatusCode:    res.StatusCode,
		ResponseBody:  res.ResponseBody,
		Error:         res.Error,
	}
	if err := e.store.AppendAttempt(ctx, d.ID, a); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	d.Attempts = append(d.Attempts, a)

	now := e.clock.Now()
	d.UpdatedAt = now

	if success {
		d.Status = models.DeliveryDelivered
		d.NextRetryAt = nil
		d.FailureReason = ""
		d.CompletedAt = &now
		if err := e.store.PutDelivery(ctx, d); err != nil {
			return fmt.Errorf("store delivery: %w", err)
		}
		if err := e.registry.RecordSuccess(ctx, ep.ID); err != nil {
			log.Error().Err(err).Msg("failed to record endpoint success")
		}
		log.Info().Int("status_code", res.StatusCode).Int64("latency_ms", a.DurationMs).Msg("delivery succeeded")
		e.metrics.DeliveryCompleted(string(d.Status))
		e.notifyDelivery(ctx, notify.DeliverySucceeded, d, "")
		return nil
	}

	d.FailureReason = res.failureReason()
	if _, tripped, err := e.registry.RecordFailure(ctx, ep.ID); err != nil {
		log.Error().Err(err).Msg("failed to record endpoint failure")
	} else if tripped {
		e.metrics.CircuitTripped()
	}

	if scheduleRetry && len(d.Attempts) <= ep.RetryPolicy.MaxRetries {
		next := now.Add(Backoff(ep.RetryPolicy, len(d.Attempts)))
		d.Status = models.DeliveryRetrying
		d.NextRetryAt = &next
		if err := e.store.PutDelivery(ctx, d); err != nil {
			return fmt.Errorf("store delivery: %w", err)
		}
		log.Info().
			Int("status_code", res.StatusCode).
			Str("error", res.Error).
			Time("next_retry", next).
			Msg("delivery scheduled for retry")
		e.metrics.RetryScheduled()
		return nil
	}

	log.Warn().
		Int("status_code", res.StatusCode).
		Str("error", res.Error).
		Int("attempts", len(d.Attempts)).
		Msg("delivery permanently failed")
	return e.fail(ctx, d, d.FailureReason)
}

func (e *Engine) fail(ctx context.Context, d *models.Delivery, reason string) error {
	now := e.clock.Now()
	d.Status = models.DeliveryFailed
	d.NextRetryAt = nil
	d.FailureReason = reason
	d.CompletedAt = &now
	d.UpdatedAt = now
	if err := e.store.PutDelivery(ctx, d); err != nil {
		return fmt.Errorf("store delivery: %w", err)
	}
	e.metrics.DeliveryCompleted(string(d.Status))
	e.notifyDelivery(ctx, notify.DeliveryFailed, d, reason)
	return nil
}

func (e *Engine) notifyDelivery(ctx context.Context, typ string, d *models.Delivery, reason string) {
	e.notifier.Notify(ctx, notify.Notification{
		Type:       typ,
		EndpointID: d.EndpointID,
		TenantID:   d.TenantID,
		DeliveryID: d.ID,
		Reason:     reason,
		Data: map[string]any{
			"event":    d.Event,
			"attempts": len(d.Attempts),
		},
		Timestamp: e.clock.Now(),
	})
}
