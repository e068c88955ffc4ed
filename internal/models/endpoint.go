package models

import (
	"fmt"
	"net/url"
	"reflect"
	"slices"
	"time"
)

type EndpointStatus string

const (
	EndpointActive   EndpointStatus = "ACTIVE"
	EndpointPaused   EndpointStatus = "PAUSED"
	EndpointDisabled EndpointStatus = "DISABLED"
	EndpointFailed   EndpointStatus = "FAILED"
)

// FailureThreshold is the number of consecutive failed attempts after which an
// endpoint is moved to FAILED.
const FailureThreshold = 10

type FilterOperator string

const (
	FilterEquals     FilterOperator = "EQUALS"
	FilterContains   FilterOperator = "CONTAINS"
	FilterStartsWith FilterOperator = "STARTS_WITH"
	FilterIn         FilterOperator = "IN"
)

func (o FilterOperator) Valid() bool {
	switch o {
	case FilterEquals, FilterContains, FilterStartsWith, FilterIn:
		return true
	}
	return false
}

// Filter is a condition on a field of the event data. Field may be a dotted path.
type Filter struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value"`
}

type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	InitialDelayMs    int64   `json:"initial_delay_ms"`
	MaxDelayMs        int64   `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidConfiguration)
	case p.InitialDelayMs <= 0:
		return fmt.Errorf("%w: initial_delay_ms must be > 0", ErrInvalidConfiguration)
	case p.MaxDelayMs < p.InitialDelayMs:
		return fmt.Errorf("%w: max_delay_ms must be >= initial_delay_ms", ErrInvalidConfiguration)
	case p.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff_multiplier must be >= 1", ErrInvalidConfiguration)
	}
	return nil
}

// RetryPolicyPatch overlays the non-nil fields onto an existing policy.
type RetryPolicyPatch struct {
	MaxRetries        *int     `json:"max_retries,omitempty"`
	InitialDelayMs    *int64   `json:"initial_delay_ms,omitempty"`
	MaxDelayMs        *int64   `json:"max_delay_ms,omitempty"`
	BackoffMultiplier *float64 `json:"backoff_multiplier,omitempty"`
}

func (p RetryPolicy) Apply(patch *RetryPolicyPatch) RetryPolicy {
	if patch == nil {
		return p
	}
	if patch.MaxRetries != nil {
		p.MaxRetries = *patch.MaxRetries
	}
	if patch.InitialDelayMs != nil {
		p.InitialDelayMs = *patch.InitialDelayMs
	}
	if patch.MaxDelayMs != nil {
		p.MaxDelayMs = *patch.MaxDelayMs
	}
	if patch.BackoffMultiplier != nil {
		p.BackoffMultiplier = *patch.BackoffMultiplier
	}
	return p
}

type Endpoint struct {
	ID                  string            `json:"id"`
	TenantID            string            `json:"tenant_id"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	URL                 string            `json:"url"`
	Events              []string          `json:"events"`
	Filters             []Filter          `json:"filters,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
	Secret              string            `json:"secret,omitempty"`
	RetryPolicy         RetryPolicy       `json:"retry_policy"`
	RateLimit           int               `json:"rate_limit,omitempty"`
	Status              EndpointStatus    `json:"status"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastDeliveryAt      *time.Time        `json:"last_delivery_at,omitempty"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	CreatedBy           string            `json:"created_by,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func (e *Endpoint) Subscribes(event string) bool {
	return slices.Contains(e.Events, event)
}

// Redacted returns a copy safe to expose on read paths.
func (e Endpoint) Redacted() Endpoint {
	e.Secret = ""
	return e
}

// Clone returns a deep copy of the endpoint's slices and maps.
func (e *Endpoint) Clone() *Endpoint {
	c := *e
	c.Events = slices.Clone(e.Events)
	c.Filters = slices.Clone(e.Filters)
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	c.Metadata = cloneMap(e.Metadata)
	if e.LastDeliveryAt != nil {
		t := *e.LastDeliveryAt
		c.LastDeliveryAt = &t
	}
	if e.LastSuccessAt != nil {
		t := *e.LastSuccessAt
		c.LastSuccessAt = &t
	}
	return &c
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfiguration)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be a valid HTTP or HTTPS URL", ErrInvalidConfiguration)
	}
	return nil
}

func ValidateEvents(events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrInvalidConfiguration)
	}
	for _, e := range events {
		if e == "" {
			return fmt.Errorf("%w: event names must not be empty", ErrInvalidConfiguration)
		}
	}
	return nil
}

func ValidateFilters(filters []Filter) error {
	for i, f := range filters {
		if f.Field == "" {
			return fmt.Errorf("%w: filter %d has no field", ErrInvalidConfiguration, i)
		}
		if !f.Operator.Valid() {
			return fmt.Errorf("%w: filter %d has unknown operator %q", ErrInvalidConfiguration, i, f.Operator)
		}
		if f.Operator == FilterIn {
			if k := reflect.ValueOf(f.Value).Kind(); k != reflect.Slice && k != reflect.Array {
				return fmt.Errorf("%w: filter %d: IN requires a list value", ErrInvalidConfiguration, i)
			}
		}
	}
	return nil
}
