// Package notify carries endpoint lifecycle and delivery outcome notifications.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	WebhookCreated         = "webhook.created"
	WebhookUpdated         = "webhook.updated"
	WebhookDeleted         = "webhook.deleted"
	WebhookSecretRotated   = "webhook.secret.rotated"
	WebhookPaused          = "webhook.paused"
	WebhookResumed         = "webhook.resumed"
	WebhookReactivated     = "webhook.reactivated"
	WebhookDisabled        = "webhook.disabled"
	DeliverySucceeded      = "webhook.delivery.success"
	DeliveryFailed         = "webhook.delivery.failed"
	ReasonCircuitBreaker   = "circuit_breaker"
	ReasonOperatorDisabled = "operator"
)

type Notification struct {
	Type       string         `json:"type"`
	EndpointID string         `json:"endpoint_id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	DeliveryID string         `json:"delivery_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Notifier must not block; implementations are called while per-endpoint locks
// may be held.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// Multi fans a notification out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, x := range m {
		x.Notify(ctx, n)
	}
}

// LogNotifier writes notifications to a zerolog logger.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) {
	ev := l.log.Info()
	if n.Type == WebhookDisabled || n.Type == DeliveryFailed {
		ev = l.log.Warn()
	}
	ev = ev.Str("type", n.Type).Str("endpoint_id", n.EndpointID)
	if n.DeliveryID != "" {
		ev = ev.Str("delivery_id", n.DeliveryID)
	}
	if n.Reason != "" {
		ev = ev.Str("reason", n.Reason)
	}
	ev.Msg("notification")
}

// Log keeps the most recent notifications in a fixed-size ring.
type Log struct {
	mu      sync.RWMutex
	entries []Notification
	next    int
	full    bool
}

const DefaultLogCapacity = 1000

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Log{entries: make([]Notification, capacity)}
}

func (l *Log) Notify(_ context.Context, n Notification) {
	l.mu.Lock()
	l.entries[l.next] = n
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// Entries returns notifications newest first. An empty endpointID matches all;
// limit <= 0 returns everything retained.
func (l *Log) Entries(endpointID string, limit int) []Notification {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.entries)
	}
	out := make([]Notification, 0, min(n, max(limit, 0)))
	for i := 1; i <= n; i++ {
		e := l.entries[(l.next-i+len(l.entries))%len(l.entries)]
		if endpointID != "" && e.EndpointID != endpointID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
