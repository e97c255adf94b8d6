// Package gateway connects the engine to the external payment gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/metrics"
	"golang.org/x/time/rate"
)

// Compile-time interface check.
var _ domain.Gateway = (*HTTPClient)(nil)

// HTTPClient implements domain.Gateway over the gateway's JSON API.
type HTTPClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a gateway client. Submissions are throttled to
// cfg.RateLimit per second; zero disables throttling.
func NewHTTPClient(cfg domain.GatewayConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Submit posts a settlement request.
func (c *HTTPClient) Submit(ctx context.Context, req *domain.GatewayRequest) (*domain.GatewayResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, unavailable("rate limiter: %v", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gateway request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	timer := time.Now()
	defer func() {
		metrics.GatewayLatency.WithLabelValues("submit").Observe(time.Since(timer).Seconds())
	}()
	return c.do(httpReq)
}

// Status fetches the current state of a payment.
func (c *HTTPClient) Status(ctx context.Context, externalID string) (*domain.GatewayResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payments/"+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	timer := time.Now()
	defer func() {
		metrics.GatewayLatency.WithLabelValues("status").Observe(time.Since(timer).Seconds())
	}()
	return c.do(httpReq)
}

// do sends the request and decodes a gateway answer. Transport failures,
// 5xx and unreadable answers are ErrGatewayUnavailable. A 4xx without a
// gateway state in its body is ErrGatewayRejected.
func (c *HTTPClient) do(req *http.Request) (*domain.GatewayResponse, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, unavailable("gateway request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, unavailable("failed to read gateway response: %v", err)
	}

	if resp.StatusCode >= 500 {
		return nil, unavailable("gateway error (status %d): %s", resp.StatusCode, truncate(body))
	}

	var out domain.GatewayResponse
	if err := json.Unmarshal(body, &out); err != nil || !validState(out.State) {
		if resp.StatusCode >= 400 {
			if resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%w: gateway payment not found", domain.ErrNotFound)
			}
			return nil, &domain.GatewayError{
				Kind:   domain.ErrGatewayRejected,
				State:  domain.GatewayFailure,
				Reason: fmt.Sprintf("gateway refused request (status %d): %s", resp.StatusCode, truncate(body)),
			}
		}
		return nil, unavailable("unexpected gateway response: %s", truncate(body))
	}
	out.Raw = body
	return &out, nil
}

func validState(s domain.GatewayState) bool {
	return s == domain.GatewaySuccess || s == domain.GatewayFailure || s == domain.GatewayPending
}

func unavailable(format string, args ...any) error {
	return &domain.GatewayError{
		Kind:   domain.ErrGatewayUnavailable,
		State:  domain.GatewayFailure,
		Reason: fmt.Sprintf(format, args...),
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
