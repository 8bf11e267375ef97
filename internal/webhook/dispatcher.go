// Package webhook turns persisted job definitions into job bodies that call
// an HTTP endpoint on every due tick.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dandantas/metronome/internal/model"
	"github.com/dandantas/metronome/internal/worker"
)

// ErrCircuitOpen is returned when an endpoint's circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Attempt is the outcome of one HTTP call
type Attempt struct {
	Timestamp    time.Time `json:"timestamp"`
	StatusCode   int       `json:"status_code"`
	ResponseBody string    `json:"response_body,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
}

// Delivery records every attempt made for one payload
type Delivery struct {
	CorrelationID string    `json:"correlation_id"`
	URL           string    `json:"url"`
	Attempts      []Attempt `json:"attempts"`
	FinalStatus   string    `json:"final_status"` // "delivered" | "failed"
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Dispatcher delivers payloads with retry, keeping one circuit breaker per
// endpoint URL
type Dispatcher struct {
	httpClient *http.Client
	breakerCfg BreakerConfig
	node       string

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(timeout time.Duration, node string) *Dispatcher {
	return &Dispatcher{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breakerCfg: DefaultBreakerConfig,
		node:       node,
		breakers:   make(map[string]*CircuitBreaker),
	}
}

// WithBreakerConfig replaces the breaker settings used for new endpoints
func (d *Dispatcher) WithBreakerConfig(cfg BreakerConfig) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakerCfg = cfg
	return d
}

// NewJob returns a job body that delivers the tick to the definition's webhook
func (d *Dispatcher) NewJob(def model.JobDefinition) worker.JobFunc {
	hook := def.Webhook
	return func(ctx context.Context, run worker.Run) error {
		correlationID := uuid.New().String()
		payload := FormatTickPayload(run, d.node, correlationID)
		_, err := d.Deliver(ctx, hook, payload)
		return err
	}
}

// Deliver sends payload to the webhook, retrying per its retry config
func (d *Dispatcher) Deliver(ctx context.Context, hook model.Webhook, payload TickPayload) (*Delivery, error) {
	payload.Metadata["sent_at"] = time.Now().UTC().Format(time.RFC3339)

	delivery := &Delivery{
		CorrelationID: payload.CorrelationID,
		URL:           hook.URL,
		Attempts:      make([]Attempt, 0),
		CreatedAt:     time.Now().UTC(),
	}
	fail := func(err error) (*Delivery, error) {
		delivery.FinalStatus = "failed"
		delivery.CompletedAt = time.Now().UTC()
		return delivery, err
	}

	breaker := d.breaker(hook.URL)
	if !breaker.CanAttempt() {
		slog.Warn("Circuit breaker is open, skipping webhook delivery",
			"correlation_id", payload.CorrelationID,
			"webhook_url", hook.URL,
			"circuit_state", breaker.State().String(),
		)
		return fail(ErrCircuitOpen)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal payload: %w", err))
	}

	retry := NewRetryStrategy(hook.RetryConfig)
	for attempt := 1; attempt <= retry.GetMaxAttempts(); attempt++ {
		result, err := d.deliverOnce(ctx, hook, body)
		delivery.Attempts = append(delivery.Attempts, result)

		if err == nil {
			slog.Info("Webhook delivered",
				"job", payload.Job,
				"tick_id", payload.TickID,
				"correlation_id", payload.CorrelationID,
				"attempt", attempt,
				"status_code", result.StatusCode,
			)
			delivery.FinalStatus = "delivered"
			delivery.CompletedAt = time.Now().UTC()
			breaker.RecordSuccess()
			return delivery, nil
		}

		if !retry.ShouldRetry(attempt, result.StatusCode, err) {
			breaker.RecordFailure()
			return fail(fmt.Errorf("webhook delivery failed after %d attempts: %w", attempt, err))
		}

		slog.Warn("Webhook delivery failed, retrying",
			"job", payload.Job,
			"correlation_id", payload.CorrelationID,
			"attempt", attempt,
			"next_retry_ms", retry.CalculateDelay(attempt).Milliseconds(),
			"error", result.Error,
		)
		if err := retry.Wait(ctx, attempt); err != nil {
			return fail(err)
		}
	}

	breaker.RecordFailure()
	return fail(fmt.Errorf("webhook delivery failed after %d attempts", retry.GetMaxAttempts()))
}

// BreakerState returns the circuit state for an endpoint
func (d *Dispatcher) BreakerState(url string) CircuitState {
	return d.breaker(url).State()
}

func (d *Dispatcher) breaker(url string) *CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.breakers[url]
	if !ok {
		cb = NewCircuitBreaker(d.breakerCfg)
		d.breakers[url] = cb
	}
	return cb
}

// deliverOnce performs a single HTTP call
func (d *Dispatcher) deliverOnce(ctx context.Context, hook model.Webhook, body []byte) (Attempt, error) {
	start := time.Now()
	attempt := Attempt{Timestamp: start.UTC()}
	finish := func(err error) (Attempt, error) {
		attempt.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			attempt.Error = err.Error()
		}
		return attempt, err
	}

	req, err := http.NewRequestWithContext(ctx, hook.Method, hook.URL, bytes.NewReader(body))
	if err != nil {
		return finish(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range hook.Headers {
		req.Header.Set(key, value)
	}
	setAuthentication(req, hook.Auth)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return finish(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	// Limit to 1KB
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		slog.Warn("Failed to read webhook response body", "error", err)
	}
	attempt.StatusCode = resp.StatusCode
	attempt.ResponseBody = string(respBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return finish(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
	return finish(nil)
}

func setAuthentication(req *http.Request, auth model.Auth) {
	switch strings.ToLower(auth.Type) {
	case model.AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case model.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}
}
