package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shohag/hookline/internal/models"
)

// MemoryStorage keeps everything in process memory. Records are copied on the
// way in and out so callers never share state with the store.
type MemoryStorage struct {
	mu         sync.RWMutex
	endpoints  map[string]*models.Endpoint
	deliveries map[string]*models.Delivery
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		endpoints:  make(map[string]*models.Endpoint),
		deliveries: make(map[string]*models.Delivery),
	}
}

func (s *MemoryStorage) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStorage) Ping(ctx context.Context) error    { return nil }
func (s *MemoryStorage) Close() error                      { return nil }

// --- Endpoints ---

func (s *MemoryStorage) PutEndpoint(ctx context.Context, ep *models.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep.Clone()
	return nil
}

func (s *MemoryStorage) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %w", id, models.ErrNotFound)
	}
	return ep.Clone(), nil
}

func (s *MemoryStorage) ListEndpoints(ctx context.Context, f EndpointFilter) ([]models.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Endpoint
	for _, ep := range s.endpoints {
		if f.match(ep) {
			out = append(out, *ep.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return out, nil
}

func (s *MemoryStorage) DeleteEndpoint(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return fmt.Errorf("endpoint %s: %w", id, models.ErrNotFound)
	}
	delete(s.endpoints, id)
	return nil
}

// --- Deliveries ---

func (s *MemoryStorage) PutDelivery(ctx context.Context, d *models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := d.Clone()
	// attempts are owned by AppendAttempt
	if existing, ok := s.deliveries[d.ID]; ok {
		c.Attempts = existing.Attempts
	} else {
		c.Attempts = nil
	}
	s.deliveries[d.ID] = c
	return nil
}

func (s *MemoryStorage) AppendAttempt(ctx context.Context, deliveryID string, a models.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return fmt.Errorf("delivery %s: %w", deliveryID, models.ErrNotFound)
	}
	if want := len(d.Attempts) + 1; a.AttemptNumber != want {
		return fmt.Errorf("%w: attempt %d appended to delivery %s, expected %d",
			models.ErrInvalidState, a.AttemptNumber, deliveryID, want)
	}
	d.Attempts = append(d.Attempts, a)
	return nil
}

func (s *MemoryStorage) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
	}
	return d.Clone(), nil
}

func (s *MemoryStorage) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Delivery
	for _, d := range s.deliveries {
		if f.match(d) {
			out = append(out, *d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *MemoryStorage) DueRetries(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Delivery
	for _, d := range s.deliveries {
		switch {
		case d.Status == models.DeliveryRetrying && d.NextRetryAt != nil && !d.NextRetryAt.After(now):
		case d.Status == models.DeliveryPending && !staleBefore.IsZero() && !d.CreatedAt.After(staleBefore):
		default:
			continue
		}
		out = append(out, *d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return dueAt(&out[i]).Before(dueAt(&out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func dueAt(d *models.Delivery) time.Time {
	if d.NextRetryAt != nil {
		return *d.NextRetryAt
	}
	return d.CreatedAt
}

// --- Stats ---

func (s *MemoryStorage) GetStats(ctx context.Context, tenantID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newStats()
	for _, ep := range s.endpoints {
		if tenantID != "" && ep.TenantID != tenantID {
			continue
		}
		stats.TotalEndpoints++
		stats.EndpointsByStatus[string(ep.Status)]++
	}

	var latencyTotal, latencyCount int64
	for _, d := range s.deliveries {
		if tenantID != "" && d.TenantID != tenantID {
			continue
		}
		stats.TotalDeliveries++
		stats.ByStatus[string(d.Status)]++
		stats.ByEvent[d.Event]++
		for _, a := range d.Attempts {
			latencyTotal += a.DurationMs
			latencyCount++
		}
	}
	if latencyCount > 0 {
		stats.AverageLatencyMs = float64(latencyTotal) / float64(latencyCount)
	}
	stats.finish()
	return stats, nil
}

// newer orders by creation time descending, then ID descending.
func newer(ta time.Time, ida string, tb time.Time, idb string) bool {
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return ida > idb
}
