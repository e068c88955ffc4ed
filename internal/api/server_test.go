package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/config"
	"github.com/shohag/hookline/internal/delivery"
	"github.com/shohag/hookline/internal/eventbus"
	"github.com/shohag/hookline/internal/metrics"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/notify"
	"github.com/shohag/hookline/internal/registry"
	"github.com/shohag/hookline/internal/storage"
)

type testAPI struct {
	handler http.Handler
	bus     *eventbus.Bus
}

func newTestAPI(t *testing.T, adminToken string) *testAPI {
	t.Helper()
	store := storage.NewMemory()
	events := notify.NewLog(100)
	m := metrics.New("hookline")
	reg := registry.New(store, events, nil, registry.Config{
		DefaultRetryPolicy: models.RetryPolicy{MaxRetries: 0, InitialDelayMs: 1000, MaxDelayMs: 60000, BackoffMultiplier: 2},
		Catalog:            []models.EventType{{Event: "invoice.created", Label: "Invoice created", Category: "billing"}},
	}, zerolog.Nop())
	eng := delivery.NewEngine(reg, store, delivery.NewSender(5*time.Second, "Hookline/test"), events, nil, m,
		delivery.Options{Environment: "test", SchemaVersion: "1.0"}, zerolog.Nop())
	bus := eventbus.New(1)

	srv := NewServer(config.ServerConfig{AdminToken: adminToken}, Deps{
		Store:    store,
		Registry: reg,
		Engine:   eng,
		Bus:      bus,
		EventLog: events,
		Metrics:  m,
	}, zerolog.Nop())
	return &testAPI{handler: srv.Handler(), bus: bus}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, "")
	rec := a.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestEndpointLifecycle(t *testing.T) {
	a := newTestAPI(t, "")
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	rec := a.do(t, http.MethodPost, "/api/v1/endpoints", map[string]any{
		"tenant_id": "tenant-1",
		"url":       receiver.URL,
		"events":    []string{"invoice.created"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	created := decode[models.Endpoint](t, rec)
	if created.Secret == "" {
		t.Error("create response has no secret")
	}

	rec = a.do(t, http.MethodGet, "/api/v1/endpoints/"+created.ID, nil)
	if got := decode[models.Endpoint](t, rec); got.Secret != "" || got.ID != created.ID {
		t.Errorf("get = %+v, want redacted endpoint", got)
	}

	rec = a.do(t, http.MethodGet, "/api/v1/endpoints?tenant_id=tenant-1&status=ACTIVE", nil)
	if list := decode[[]models.Endpoint](t, rec); len(list) != 1 || list[0].Secret != "" {
		t.Errorf("list = %+v", list)
	}

	rec = a.do(t, http.MethodPatch, "/api/v1/endpoints/"+created.ID, map[string]any{
		"retry_policy": map[string]any{"max_retries": 5},
	})
	if got := decode[models.Endpoint](t, rec); got.RetryPolicy.MaxRetries != 5 || got.RetryPolicy.InitialDelayMs != 1000 {
		t.Errorf("update = %+v", got.RetryPolicy)
	}

	rec = a.do(t, http.MethodPost, "/api/v1/endpoints/"+created.ID+"/resume", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("resume ACTIVE status = %d, want 409", rec.Code)
	}
	rec = a.do(t, http.MethodPost, "/api/v1/endpoints/"+created.ID+"/pause", nil)
	if got := decode[models.Endpoint](t, rec); got.Status != models.EndpointPaused {
		t.Errorf("pause = %s", got.Status)
	}
	rec = a.do(t, http.MethodPost, "/api/v1/endpoints/"+created.ID+"/resume", nil)
	if got := decode[models.Endpoint](t, rec); got.Status != models.EndpointActive {
		t.Errorf("resume = %s", got.Status)
	}

	rec = a.do(t, http.MethodPost, "/api/v1/endpoints/"+created.ID+"/rotate-secret", nil)
	if got := decode[models.Endpoint](t, rec); got.Secret == "" || got.Secret == created.Secret {
		t.Errorf("rotate-secret did not return a new secret")
	}

	rec = a.do(t, http.MethodPost, "/api/v1/endpoints/"+created.ID+"/test", nil)
	if got := decode[models.Delivery](t, rec); got.Status != models.DeliveryDelivered || got.Event != delivery.TestEvent {
		t.Errorf("test delivery = %s %s", got.Event, got.Status)
	}

	rec = a.do(t, http.MethodGet, "/api/v1/log?endpoint_id="+created.ID+"&limit=2", nil)
	if entries := decode[[]notify.Notification](t, rec); len(entries) != 2 || entries[0].Type != notify.DeliverySucceeded {
		t.Errorf("log = %+v", entries)
	}

	rec = a.do(t, http.MethodDelete, "/api/v1/endpoints/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = a.do(t, http.MethodGet, "/api/v1/endpoints/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestCreateEndpoint_Invalid(t *testing.T) {
	a := newTestAPI(t, "")

	rec := a.do(t, http.MethodPost, "/api/v1/endpoints", map[string]any{
		"tenant_id": "tenant-1",
		"url":       "ftp://example.com",
		"events":    []string{"invoice.created"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if msg := decode[errorResponse](t, rec).Error; !strings.Contains(msg, "invalid configuration") {
		t.Errorf("error = %q", msg)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/endpoints", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rr.Code)
	}
}

func TestDeliveries(t *testing.T) {
	a := newTestAPI(t, "")
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer receiver.Close()

	created := decode[models.Endpoint](t, a.do(t, http.MethodPost, "/api/v1/endpoints", map[string]any{
		"tenant_id": "tenant-1",
		"url":       receiver.URL,
		"events":    []string{"invoice.created"},
	}))
	failed := decode[models.Delivery](t, a.do(t, http.MethodPost, "/api/v1/endpoints/"+created.ID+"/test", nil))
	if failed.Status != models.DeliveryFailed {
		t.Fatalf("status = %s, want FAILED", failed.Status)
	}

	rec := a.do(t, http.MethodGet, "/api/v1/deliveries?endpoint_id="+created.ID+"&status=FAILED", nil)
	if list := decode[[]models.Delivery](t, rec); len(list) != 1 || list[0].ID != failed.ID {
		t.Errorf("list = %+v", list)
	}
	rec = a.do(t, http.MethodGet, "/api/v1/deliveries?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}

	status.Store(http.StatusOK)
	rec = a.do(t, http.MethodPost, "/api/v1/deliveries/"+failed.ID+"/retry", nil)
	if got := decode[models.Delivery](t, rec); got.Status != models.DeliveryDelivered || len(got.Attempts) != 2 {
		t.Errorf("retry = %s with %d attempts", got.Status, len(got.Attempts))
	}

	rec = a.do(t, http.MethodPost, "/api/v1/deliveries/"+failed.ID+"/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("retry DELIVERED status = %d, want 409", rec.Code)
	}
	rec = a.do(t, http.MethodGet, "/api/v1/deliveries/dlv_missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing delivery status = %d", rec.Code)
	}

	stats := decode[storage.Stats](t, a.do(t, http.MethodGet, "/api/v1/stats?tenant_id=tenant-1", nil))
	if stats.TotalDeliveries != 1 || stats.SuccessfulDeliveries != 1 || stats.DeliveryRate != 100 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPublishEvent(t *testing.T) {
	a := newTestAPI(t, "")

	rec := a.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"event": "invoice.created",
		"data":  map[string]any{"tenantId": "tenant-1"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	select {
	case ev := <-a.bus.Events():
		if ev.Name != "invoice.created" || ev.Data["tenantId"] != "tenant-1" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("event not published")
	}

	if rec := a.do(t, http.MethodPost, "/api/v1/events", map[string]any{"data": map[string]any{}}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing event name status = %d", rec.Code)
	}

	a.do(t, http.MethodPost, "/api/v1/events", map[string]any{"event": "a"})
	if rec := a.do(t, http.MethodPost, "/api/v1/events", map[string]any{"event": "b"}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("full bus status = %d, want 503", rec.Code)
	}

	catalog := decode[[]models.EventType](t, a.do(t, http.MethodGet, "/api/v1/events/catalog", nil))
	if len(catalog) != 1 || catalog[0].Category != "billing" {
		t.Errorf("catalog = %+v", catalog)
	}
}

func TestAdminAuth(t *testing.T) {
	a := newTestAPI(t, "s3cret")

	if rec := a.do(t, http.MethodGet, "/api/v1/endpoints", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/endpoints", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/endpoints", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d", rec.Code)
	}

	if rec := a.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health requires auth: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t, "")
	a.do(t, http.MethodPost, "/api/v1/events", map[string]any{"event": "a"})
	a.do(t, http.MethodPost, "/api/v1/events", map[string]any{"event": "b"})

	rec := a.do(t, http.MethodGet, "/metrics", nil)
	if !strings.Contains(rec.Body.String(), "hookline_events_dropped_total 1") {
		t.Errorf("metrics missing dropped counter")
	}
}
