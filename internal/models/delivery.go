package models

import (
	"encoding/json"
	"slices"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryRetrying  DeliveryStatus = "RETRYING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// Event is one occurrence of a named domain event, as handed to the engine.
type Event struct {
	ID       string
	Name     string
	TenantID string
	Data     map[string]any
}

type PayloadMetadata struct {
	TenantID    string `json:"tenantId"`
	Environment string `json:"environment"`
	Version     string `json:"version"`
}

// Payload is the body POSTed to endpoints. Changing its shape requires a
// bump of Metadata.Version.
type Payload struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      map[string]any  `json:"data"`
	Metadata  PayloadMetadata `json:"metadata"`
}

type Attempt struct {
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	DurationMs    int64     `json:"duration_ms"`
	Success       bool      `json:"success"`
	StatusCode    int       `json:"status_code,omitempty"`
	ResponseBody  string    `json:"response_body,omitempty"`
	Error         string    `json:"error,omitempty"`
}

type Delivery struct {
	ID            string         `json:"id"`
	EndpointID    string         `json:"endpoint_id"`
	TenantID      string         `json:"tenant_id"`
	Event         string         `json:"event"`
	Payload       Payload        `json:"payload"`
	Status        DeliveryStatus `json:"status"`
	Attempts      []Attempt      `json:"attempts"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`

	// Body is the exact serialized payload; every attempt sends and signs these bytes.
	Body json.RawMessage `json:"-"`
}

// Clone returns a deep copy, including the nested maps and slices of the
// payload data, so callers cannot reach stored state through it.
func (d *Delivery) Clone() *Delivery {
	c := *d
	c.Payload.Data = cloneMap(d.Payload.Data)
	c.Attempts = slices.Clone(d.Attempts)
	c.Body = slices.Clone(d.Body)
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		c.NextRetryAt = &t
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
