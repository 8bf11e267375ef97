package webhook

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/dandantas/metronome/internal/model"
)

// RetryStrategy handles exponential backoff between delivery attempts
type RetryStrategy struct {
	config model.RetryConfig
}

// NewRetryStrategy creates a retry strategy, filling unset fields with defaults
func NewRetryStrategy(config model.RetryConfig) *RetryStrategy {
	config.SetDefaults()
	return &RetryStrategy{
		config: config,
	}
}

// CalculateDelay returns min(initial_delay * multiplier^(attempt-1), max_delay)
func (rs *RetryStrategy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delayMs := float64(rs.config.InitialDelayMs) * math.Pow(rs.config.Multiplier, float64(attempt-1))
	if delayMs > float64(rs.config.MaxDelayMs) {
		delayMs = float64(rs.config.MaxDelayMs)
	}

	return time.Duration(delayMs) * time.Millisecond
}

// ShouldRetry reports whether another attempt follows the given one
func (rs *RetryStrategy) ShouldRetry(attempt int, statusCode int, err error) bool {
	if attempt >= rs.config.MaxAttempts {
		return false
	}
	if err != nil && statusCode == 0 {
		return true
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= 500:
		return true
	case statusCode >= 400:
		return false
	case statusCode >= 300:
		return true
	}
	return false
}

// Wait sleeps for the delay after attempt, or until ctx is done
func (rs *RetryStrategy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(rs.CalculateDelay(attempt))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetMaxAttempts returns the maximum number of attempts
func (rs *RetryStrategy) GetMaxAttempts() int {
	return rs.config.MaxAttempts
}
