package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shohag/hookline/internal/models"
)

const (
	HeaderEvent     = "X-Hookline-Event"
	HeaderDelivery  = "X-Hookline-Delivery"
	HeaderAttempt   = "X-Hookline-Attempt"
	HeaderSignature = "X-Hookline-Signature"

	maxResponseBody = 1024
)

type Request struct {
	Endpoint   *models.Endpoint
	DeliveryID string
	Event      string
	Attempt    int
	Body       []byte
	Signature  string
}

type SendResult struct {
	StatusCode   int
	ResponseBody string
	Duration     time.Duration
	Error        string
}

func (r *SendResult) Success() bool {
	return r.Error == "" && IsSuccess(r.StatusCode)
}

func (r *SendResult) failureReason() string {
	if r.Error != "" {
		return r.Error
	}
	return fmt.Sprintf("HTTP %d", r.StatusCode)
}

type endpointLimiter struct {
	limit   int
	limiter *rate.Limiter
}

// Sender performs single HTTP attempts. Transport errors are reported in the
// result, never returned.
type Sender struct {
	client    *http.Client
	userAgent string

	mu       sync.Mutex
	limiters map[string]*endpointLimiter
}

func NewSender(timeout time.Duration, userAgent string) *Sender {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	return &Sender{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: userAgent,
		limiters:  make(map[string]*endpointLimiter),
	}
}

func (s *Sender) Send(ctx context.Context, req Request) *SendResult {
	start := time.Now()

	if lim := s.limiter(req.Endpoint); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return &SendResult{
				Error:    fmt.Sprintf("rate limit wait: %v", err),
				Duration: time.Since(start),
			}
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint.URL, bytes.NewReader(req.Body))
	if err != nil {
		return &SendResult{
			Error:    fmt.Sprintf("failed to create request: %v", err),
			Duration: time.Since(start),
		}
	}

	for k, v := range req.Endpoint.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", s.userAgent)
	httpReq.Header.Set(HeaderEvent, req.Event)
	httpReq.Header.Set(HeaderDelivery, req.DeliveryID)
	httpReq.Header.Set(HeaderAttempt, strconv.Itoa(req.Attempt))
	httpReq.Header.Set(HeaderSignature, req.Signature)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		msg := fmt.Sprintf("request failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			msg = fmt.Sprintf("request timed out: %v", err)
		}
		return &SendResult{
			Error:    msg,
			Duration: time.Since(start),
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	return &SendResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(body),
		Duration:     time.Since(start),
	}
}

// limiter returns the token bucket for the endpoint, rebuilding it when the
// configured rate changed. Zero means unlimited.
func (s *Sender) limiter(ep *models.Endpoint) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ep.RateLimit <= 0 {
		delete(s.limiters, ep.ID)
		return nil
	}
	if l, ok := s.limiters[ep.ID]; ok && l.limit == ep.RateLimit {
		return l.limiter
	}
	l := &endpointLimiter{
		limit:   ep.RateLimit,
		limiter: rate.NewLimiter(rate.Limit(ep.RateLimit), ep.RateLimit),
	}
	s.limiters[ep.ID] = l
	return l.limiter
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
