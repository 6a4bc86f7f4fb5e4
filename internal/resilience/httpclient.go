package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 1 << 20

// StatusError reports a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = append(body[:200:200], "..."...)
	}
	return fmt.Sprintf("gateway responded %d: %s", e.StatusCode, body)
}

func (e *StatusError) temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HTTPClient calls a payment gateway JSON API behind a circuit breaker.
// Failed attempts are resent only when that cannot charge twice: the method is
// idempotent or the request carries one of IdempotencyHeaders.
type HTTPClient struct {
	Client             *http.Client
	Breaker            *Breaker
	MaxAttempts        int
	BaseBackoff        time.Duration
	Jitter             float64
	Timeout            time.Duration // per attempt
	IdempotencyHeaders []string
}

// NewHTTPClient builds a traced client guarded by a breaker named after target.
func NewHTTPClient(target string, timeout time.Duration, maxAttempts int) HTTPClient {
	return HTTPClient{
		Client:             &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Breaker:            NewBreaker(BreakerConfig{Target: target, MinRequests: 5}),
		MaxAttempts:        maxAttempts,
		BaseBackoff:        200 * time.Millisecond,
		Jitter:             0.2,
		Timeout:            timeout,
		IdempotencyHeaders: []string{"Idempotency-Key"},
	}
}

// DoJSON sends in as the JSON body (when non-nil) and decodes a 2xx response
// into out (when non-nil). Non-2xx answers are returned as *StatusError.
func (cl HTTPClient) DoJSON(ctx context.Context, method, url string, headers map[string]string, in, out any) error {
	if cl.Client == nil {
		return errors.New("resilience: http client not configured")
	}
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	header := make(http.Header, len(headers)+2)
	for k, v := range headers {
		header.Set(k, v)
	}
	header.Set("Accept", "application/json")
	if in != nil {
		header.Set("Content-Type", "application/json")
	}

	attempts := cl.MaxAttempts
	if attempts <= 0 || !cl.retryable(method, header) {
		attempts = 1
	}
	breaker := cl.Breaker
	if breaker == nil {
		breaker = NewBreaker(BreakerConfig{FailureRatio: 1, OpenFor: time.Second})
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, Backoff(cl.BaseBackoff, attempt-1, cl.Jitter)); err != nil {
				return err
			}
		}
		if !breaker.Allow(ctx) {
			return ErrOpenCircuit
		}
		data, err := cl.once(ctx, method, url, header, payload)
		var status *StatusError
		switch {
		case err == nil:
			breaker.Report(ctx, true)
			if out == nil || len(data) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		case errors.As(err, &status) && !status.temporary():
			// The gateway answered; a rejection says nothing about its health.
			breaker.Report(ctx, true)
			return err
		}
		breaker.Report(ctx, false)
		lastErr = err
	}
	return lastErr
}

func (cl HTTPClient) once(ctx context.Context, method, url string, header http.Header, payload []byte) ([]byte, error) {
	if cl.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cl.Timeout)
		defer cancel()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()
	resp, err := cl.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: data}
	}
	return data, nil
}

func (cl HTTPClient) retryable(method string, header http.Header) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	}
	for _, h := range cl.IdempotencyHeaders {
		if header.Get(h) != "" {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
