// Package dispatch fans domain events out to the endpoints subscribed to them.
package dispatch

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/shohag/hookline/internal/eventbus"
	"github.com/shohag/hookline/internal/filter"
	"github.com/shohag/hookline/internal/metrics"
	"github.com/shohag/hookline/internal/models"
)

type Subscribers interface {
	ActiveSubscribers(ctx context.Context, tenantID, event string) ([]models.Endpoint, error)
}

type Deliverer interface {
	SendEvent(ctx context.Context, ep *models.Endpoint, ev models.Event) (*models.Delivery, error)
}

type Config struct {
	// Workers bounds concurrently dispatched events and the concurrent
	// deliveries of each event.
	Workers       int
	DefaultTenant string
}

type Dispatcher struct {
	subs    Subscribers
	engine  Deliverer
	cfg     Config
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(subs Subscribers, engine Deliverer, cfg Config, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	return &Dispatcher{
		subs:    subs,
		engine:  engine,
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// DispatchEvent delivers the event to every ACTIVE endpoint of its tenant that
// subscribes to name and whose filters match data. It blocks until every first
// attempt has finished and returns how many endpoints were targeted. Failures
// are logged, never returned.
func (d *Dispatcher) DispatchEvent(ctx context.Context, name string, data map[string]any) int {
	d.metrics.EventDispatched()

	tenant := d.resolveTenant(data)
	log := d.log.With().Str("event", name).Str("tenant_id", tenant).Logger()

	endpoints, err := d.subs.ActiveSubscribers(ctx, tenant, name)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve subscribers")
		return 0
	}

	ev := models.Event{
		ID:       models.NewID("evt"),
		Name:     name,
		TenantID: tenant,
		Data:     data,
	}

	p := pool.New().WithMaxGoroutines(d.cfg.Workers)
	targeted := 0
	for i := range endpoints {
		ep := &endpoints[i]
		if !filter.Matches(ep.Filters, data) {
			log.Debug().Str("endpoint_id", ep.ID).Msg("filtered out")
			continue
		}
		targeted++
		p.Go(func() {
			recovered := panics.Try(func() {
				if _, err := d.engine.SendEvent(ctx, ep, ev); err != nil {
					log.Error().Err(err).Str("endpoint_id", ep.ID).Msg("delivery failed to start")
				}
			})
			if recovered != nil {
				log.Error().Str("endpoint_id", ep.ID).Str("panic", recovered.String()).Msg("panic during delivery")
			}
		})
	}
	p.Wait()

	log.Info().Str("event_id", ev.ID).Int("endpoints", targeted).Msg("event dispatched")
	return targeted
}

// Run consumes src until ctx is cancelled or the source is closed. Events are
// dispatched concurrently, at most Workers at a time, so a slow endpoint only
// holds up the events that target it. Run returns after in-flight events finish.
func (d *Dispatcher) Run(ctx context.Context, src eventbus.Source) {
	d.log.Info().Int("workers", d.cfg.Workers).Msg("dispatcher started")
	p := pool.New().WithMaxGoroutines(d.cfg.Workers)
	defer p.Wait()

	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("dispatcher stopped")
			return
		case ev, ok := <-events:
			if !ok {
				d.log.Info().Msg("event source closed")
				return
			}
			p.Go(func() {
				d.DispatchEvent(ctx, ev.Name, ev.Data)
			})
		}
	}
}

func (d *Dispatcher) resolveTenant(data map[string]any) string {
	if t, ok := data["tenantId"].(string); ok && t != "" {
		return t
	}
	return d.cfg.DefaultTenant
}
