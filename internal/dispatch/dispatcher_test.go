package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/hookline/internal/delivery"
	"github.com/shohag/hookline/internal/eventbus"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/registry"
	"github.com/shohag/hookline/internal/storage"
)

type staticSubscribers struct {
	endpoints []models.Endpoint
	tenants   []string
	mu        sync.Mutex
}

func (s *staticSubscribers) ActiveSubscribers(_ context.Context, tenantID, event string) ([]models.Endpoint, error) {
	s.mu.Lock()
	s.tenants = append(s.tenants, tenantID)
	s.mu.Unlock()
	var out []models.Endpoint
	for _, ep := range s.endpoints {
		if ep.TenantID == tenantID && ep.Subscribes(event) {
			out = append(out, ep)
		}
	}
	return out, nil
}

// recordingDeliverer panics or errors for configured endpoint IDs.
type recordingDeliverer struct {
	mu      sync.Mutex
	sent    []string
	eventID map[string]bool
	panicOn string
	errOn   string
}

func (r *recordingDeliverer) SendEvent(_ context.Context, ep *models.Endpoint, ev models.Event) (*models.Delivery, error) {
	if ep.ID == r.panicOn {
		panic("boom")
	}
	if ep.ID == r.errOn {
		return nil, errors.New("store unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, ep.ID)
	if r.eventID == nil {
		r.eventID = map[string]bool{}
	}
	r.eventID[ev.ID] = true
	return &models.Delivery{ID: "dlv_" + ep.ID}, nil
}

func (r *recordingDeliverer) sentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.sent...)
	sort.Strings(out)
	return out
}

func endpoint(id, tenant string, filters ...models.Filter) models.Endpoint {
	return models.Endpoint{
		ID:       id,
		TenantID: tenant,
		Events:   []string{"invoice.created"},
		Filters:  filters,
		Status:   models.EndpointActive,
	}
}

func TestDispatchEvent_IsolatesFailures(t *testing.T) {
	subs := &staticSubscribers{endpoints: []models.Endpoint{
		endpoint("ep_a", "tenant-1"),
		endpoint("ep_b", "tenant-1"),
		endpoint("ep_c", "tenant-1"),
		endpoint("ep_d", "tenant-1"),
	}}
	rec := &recordingDeliverer{panicOn: "ep_b", errOn: "ep_c"}
	d := New(subs, rec, Config{Workers: 2}, nil, zerolog.Nop())

	n := d.DispatchEvent(context.Background(), "invoice.created", map[string]any{"tenantId": "tenant-1"})
	if n != 4 {
		t.Errorf("targeted = %d, want 4", n)
	}
	got := rec.sentIDs()
	if len(got) != 2 || got[0] != "ep_a" || got[1] != "ep_d" {
		t.Errorf("sent = %v, want [ep_a ep_d]", got)
	}
	if len(rec.eventID) != 1 {
		t.Errorf("event ids = %v, want one shared id", rec.eventID)
	}
}

func TestDispatchEvent_Filters(t *testing.T) {
	subs := &staticSubscribers{endpoints: []models.Endpoint{
		endpoint("ep_big", "tenant-1", models.Filter{Field: "amount", Operator: models.FilterEquals, Value: 1000}),
		endpoint("ep_ron", "tenant-1", models.Filter{Field: "currency", Operator: models.FilterIn, Value: []any{"RON", "EUR"}}),
		endpoint("ep_all", "tenant-1"),
	}}
	rec := &recordingDeliverer{}
	d := New(subs, rec, Config{}, nil, zerolog.Nop())

	d.DispatchEvent(context.Background(), "invoice.created", map[string]any{
		"tenantId": "tenant-1",
		"amount":   500,
		"currency": "RON",
	})
	got := rec.sentIDs()
	if len(got) != 2 || got[0] != "ep_all" || got[1] != "ep_ron" {
		t.Errorf("sent = %v, want [ep_all ep_ron]", got)
	}
}

func TestDispatchEvent_TenantResolution(t *testing.T) {
	subs := &staticSubscribers{endpoints: []models.Endpoint{
		endpoint("ep_default", "default"),
		endpoint("ep_t1", "tenant-1"),
	}}
	rec := &recordingDeliverer{}
	d := New(subs, rec, Config{DefaultTenant: "default"}, nil, zerolog.Nop())
	ctx := context.Background()

	d.DispatchEvent(ctx, "invoice.created", map[string]any{"amount": 1})
	d.DispatchEvent(ctx, "invoice.created", map[string]any{"tenantId": 42})
	d.DispatchEvent(ctx, "invoice.created", map[string]any{"tenantId": "tenant-1"})
	d.DispatchEvent(ctx, "invoice.created", nil)

	want := []string{"default", "default", "tenant-1", "default"}
	for i, tenant := range subs.tenants {
		if tenant != want[i] {
			t.Errorf("dispatch %d resolved tenant %q, want %q", i, tenant, want[i])
		}
	}
	if got := rec.sentIDs(); len(got) != 4 {
		t.Errorf("sent = %v", got)
	}
}

func TestRun_ConsumesSource(t *testing.T) {
	subs := &staticSubscribers{endpoints: []models.Endpoint{endpoint("ep_a", "tenant-1")}}
	rec := &recordingDeliverer{}
	d := New(subs, rec, Config{}, nil, zerolog.Nop())

	bus := eventbus.New(10)
	bus.Publish(eventbus.Event{Name: "invoice.created", Data: map[string]any{"tenantId": "tenant-1"}})
	bus.Publish(eventbus.Event{Name: "invoice.deleted", Data: map[string]any{"tenantId": "tenant-1"}})
	bus.Publish(eventbus.Event{Name: "invoice.created", Data: map[string]any{"tenantId": "tenant-1"}})
	bus.Close()

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), bus)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after source closed")
	}

	if got := rec.sentIDs(); len(got) != 2 {
		t.Errorf("sent = %v, want two deliveries", got)
	}
}

// blockingDeliverer holds deliveries to slowID until release is closed.
type blockingDeliverer struct {
	slowID  string
	release chan struct{}
	fast    chan string
}

func (b *blockingDeliverer) SendEvent(ctx context.Context, ep *models.Endpoint, _ models.Event) (*models.Delivery, error) {
	if ep.ID == b.slowID {
		select {
		case <-b.release:
		case <-ctx.Done():
		}
		return &models.Delivery{ID: "dlv_" + ep.ID}, nil
	}
	b.fast <- ep.ID
	return &models.Delivery{ID: "dlv_" + ep.ID}, nil
}

func TestRun_SlowEndpointDoesNotStallOtherEvents(t *testing.T) {
	subs := &staticSubscribers{endpoints: []models.Endpoint{
		endpoint("ep_slow", "tenant-a"),
		endpoint("ep_fast", "tenant-b"),
	}}
	del := &blockingDeliverer{slowID: "ep_slow", release: make(chan struct{}), fast: make(chan string, 1)}
	d := New(subs, del, Config{Workers: 4}, nil, zerolog.Nop())

	bus := eventbus.New(10)
	bus.Publish(eventbus.Event{Name: "invoice.created", Data: map[string]any{"tenantId": "tenant-a"}})
	bus.Publish(eventbus.Event{Name: "invoice.created", Data: map[string]any{"tenantId": "tenant-b"}})

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), bus)
		close(done)
	}()

	select {
	case id := <-del.fast:
		if id != "ep_fast" {
			t.Errorf("delivered %s, want ep_fast", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second event waited on the slow endpoint of the first")
	}

	close(del.release)
	bus.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after source closed")
	}
}

// Fan-out through the real registry and engine: three endpoints, one of them
// broken, and no dispatch to an endpoint once its breaker has tripped.
func TestDispatch_EndToEnd(t *testing.T) {
	var (
		mu   sync.Mutex
		hits = map[string]int{}
	)
	handler := func(status int) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits[r.URL.Path]++
			mu.Unlock()
			w.WriteHeader(status)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ok1", handler(http.StatusOK))
	mux.HandleFunc("/ok2", handler(http.StatusNoContent))
	mux.HandleFunc("/broken", handler(http.StatusInternalServerError))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := storage.NewMemory()
	reg := registry.New(store, nil, nil, registry.Config{
		DefaultRetryPolicy: models.RetryPolicy{MaxRetries: 0, InitialDelayMs: 1000, MaxDelayMs: 1000, BackoffMultiplier: 1},
	}, zerolog.Nop())
	eng := delivery.NewEngine(reg, store, delivery.NewSender(5*time.Second, "Hookline/test"), nil, nil, nil,
		delivery.Options{Environment: "test", SchemaVersion: "1.0"}, zerolog.Nop())
	d := New(reg, eng, Config{Workers: 3, DefaultTenant: "tenant-1"}, nil, zerolog.Nop())
	ctx := context.Background()

	var broken *models.Endpoint
	for _, path := range []string{"/ok1", "/ok2", "/broken"} {
		ep, err := reg.Create(ctx, registry.CreateInput{
			TenantID: "tenant-1",
			URL:      srv.URL + path,
			Events:   []string{"invoice.created"},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if path == "/broken" {
			broken = ep
		}
	}

	for range models.FailureThreshold {
		if n := d.DispatchEvent(ctx, "invoice.created", map[string]any{"amount": 1}); n != 3 {
			t.Fatalf("targeted = %d, want 3", n)
		}
	}
	stored, _ := reg.Get(ctx, broken.ID)
	if stored.Status != models.EndpointFailed {
		t.Fatalf("broken endpoint status = %s, want FAILED", stored.Status)
	}

	if n := d.DispatchEvent(ctx, "invoice.created", map[string]any{"amount": 1}); n != 2 {
		t.Errorf("targeted after trip = %d, want 2", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits["/ok1"] != 11 || hits["/ok2"] != 11 || hits["/broken"] != 10 {
		t.Errorf("hits = %v", hits)
	}

	delivered, _ := store.ListDeliveries(ctx, storage.DeliveryFilter{Status: models.DeliveryDelivered, Limit: 1000})
	if len(delivered) != 22 {
		t.Errorf("delivered = %d, want 22", len(delivered))
	}
}
