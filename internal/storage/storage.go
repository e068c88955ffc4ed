package storage

import (
	"context"
	"time"

	"github.com/shohag/hookline/internal/models"
)

// EndpointStore persists endpoint records. Get and Delete return models.ErrNotFound
// for unknown IDs.
type EndpointStore interface {
	PutEndpoint(ctx context.Context, ep *models.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error)
	ListEndpoints(ctx context.Context, f EndpointFilter) ([]models.Endpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error
}

// DeliveryStore is the delivery ledger. Attempts are append-only: AppendAttempt
// rejects an attempt whose number is not exactly one past the last recorded one.
type DeliveryStore interface {
	PutDelivery(ctx context.Context, d *models.Delivery) error
	AppendAttempt(ctx context.Context, deliveryID string, a models.Attempt) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]models.Delivery, error)
	// DueRetries returns RETRYING deliveries whose next attempt is due at now,
	// plus PENDING deliveries created at or before staleBefore, which a crash
	// interrupted before their first attempt was recorded. A zero staleBefore
	// leaves PENDING deliveries out. Results are ordered by due time.
	DueRetries(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.Delivery, error)
}

type Storage interface {
	EndpointStore
	DeliveryStore

	GetStats(ctx context.Context, tenantID string) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// EndpointFilter fields are ignored when empty.
type EndpointFilter struct {
	TenantID string
	Status   models.EndpointStatus
	Event    string
}

func (f EndpointFilter) match(ep *models.Endpoint) bool {
	if f.TenantID != "" && ep.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && ep.Status != f.Status {
		return false
	}
	if f.Event != "" && !ep.Subscribes(f.Event) {
		return false
	}
	return true
}

// DeliveryFilter fields are ignored when empty. Limit <= 0 means DefaultListLimit.
type DeliveryFilter struct {
	EndpointID string
	TenantID   string
	Status     models.DeliveryStatus
	Event      string
	Limit      int
}

const DefaultListLimit = 100

func (f DeliveryFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f DeliveryFilter) match(d *models.Delivery) bool {
	if f.EndpointID != "" && d.EndpointID != f.EndpointID {
		return false
	}
	if f.TenantID != "" && d.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Event != "" && d.Event != f.Event {
		return false
	}
	return true
}

type Stats struct {
	TotalEndpoints       int64            `json:"total_endpoints"`
	ActiveEndpoints      int64            `json:"active_endpoints"`
	EndpointsByStatus    map[string]int64 `json:"endpoints_by_status"`
	TotalDeliveries      int64            `json:"total_deliveries"`
	SuccessfulDeliveries int64            `json:"successful_deliveries"`
	FailedDeliveries     int64            `json:"failed_deliveries"`
	PendingDeliveries    int64            `json:"pending_deliveries"`
	ByStatus             map[string]int64 `json:"by_status"`
	ByEvent              map[string]int64 `json:"by_event"`
	DeliveryRate         float64          `json:"delivery_rate"`
	AverageLatencyMs     float64          `json:"average_latency_ms"`
}

func newStats() *Stats {
	return &Stats{
		EndpointsByStatus: map[string]int64{},
		ByStatus:          map[string]int64{},
		ByEvent:           map[string]int64{},
	}
}

// finish derives the aggregate fields from the per-status counts.
func (s *Stats) finish() {
	s.ActiveEndpoints = s.EndpointsByStatus[string(models.EndpointActive)]
	s.SuccessfulDeliveries = s.ByStatus[string(models.DeliveryDelivered)]
	s.FailedDeliveries = s.ByStatus[string(models.DeliveryFailed)]
	s.PendingDeliveries = s.ByStatus[string(models.DeliveryPending)] + s.ByStatus[string(models.DeliveryRetrying)]
	if s.TotalDeliveries > 0 {
		s.DeliveryRate = float64(s.SuccessfulDeliveries) / float64(s.TotalDeliveries) * 100
	}
}
