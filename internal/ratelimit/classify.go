// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// =============================================================================
// REASON CODES
// =============================================================================

// ReasonCode categorizes a failure so callers can render a precise,
// category-specific message instead of a generic failure string.
type ReasonCode string

const (
	ReasonOK              ReasonCode = "ok"
	ReasonRateLimit       ReasonCode = "rate_limit"
	ReasonGatewayTimeout  ReasonCode = "gateway_timeout"
	ReasonNetworkError    ReasonCode = "network_error"
	ReasonAuthError       ReasonCode = "auth_error"
	ReasonPaymentRequired ReasonCode = "payment_required"
	ReasonForbiddenTier   ReasonCode = "forbidden_tier"
	ReasonParseError      ReasonCode = "parse_error"
	ReasonUnknown         ReasonCode = "unknown"
)

// Transient reports whether retrying can ever fix this category.
func (r ReasonCode) Transient() bool {
	switch r {
	case ReasonRateLimit, ReasonGatewayTimeout, ReasonNetworkError:
		return true
	}
	return false
}

// =============================================================================
// RETRY DECISION
// =============================================================================

// RetryDecision is the pure output of classification. It carries no
// ownership implications; the effectful retry loop lives in the stream
// coordinator.
type RetryDecision struct {
	// ShouldRetry is true when the failure is transient and attempts remain.
	ShouldRetry bool

	// Wait is how long to pause before the next attempt.
	Wait time.Duration

	// Reason is always populated, including for terminal failures.
	Reason ReasonCode

	// Terminal marks failures no retry can fix (bad credentials, exhausted
	// balance, insufficient tier).
	Terminal bool
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// Default policy values.
const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// Classifier turns an HTTP status (or transport error) plus an attempt
// number into a RetryDecision. It is a pure value: no timers, no network,
// independently unit-testable.
type Classifier struct {
	// MaxAttempts bounds total connection attempts (not retries).
	MaxAttempts int

	// BaseDelay is the exponential backoff base.
	BaseDelay time.Duration

	// MaxDelay clamps the computed backoff.
	MaxDelay time.Duration

	// Jitter returns a random fraction in [0,1). Nil uses math/rand.
	// Tests inject a fixed source for determinism.
	Jitter func() float64
}

// NewClassifier returns a Classifier with default policy values.
func NewClassifier() *Classifier {
	return &Classifier{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Classify maps an HTTP response status to a RetryDecision.
// attempt is 1-based: the attempt that just failed.
func (c *Classifier) Classify(status int, header http.Header, attempt int) RetryDecision {
	switch {
	case status >= 200 && status < 300:
		return RetryDecision{Reason: ReasonOK}

	case status == http.StatusTooManyRequests:
		wait, ok := retryAfter(header)
		if !ok {
			wait = c.Backoff(attempt)
		}
		return c.transient(ReasonRateLimit, wait, attempt)

	case status == http.StatusInternalServerError,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		// Gateway timeouts are treated identically to generic server
		// errors: same backoff, no header-driven override.
		return c.transient(ReasonGatewayTimeout, c.Backoff(attempt), attempt)

	case status == http.StatusUnauthorized:
		return terminal(ReasonAuthError)
	case status == http.StatusPaymentRequired:
		return terminal(ReasonPaymentRequired)
	case status == http.StatusForbidden:
		return terminal(ReasonForbiddenTier)

	default:
		return RetryDecision{Reason: ReasonUnknown, Terminal: true}
	}
}

// ClassifyError maps a network-level failure (no HTTP status: DNS failure,
// connection reset, dropped body) to a RetryDecision. Context cancellation
// is never retryable.
func (c *Classifier) ClassifyError(err error, attempt int) RetryDecision {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return RetryDecision{Reason: ReasonNetworkError, Terminal: true}
	}
	return c.transient(ReasonNetworkError, c.Backoff(attempt), attempt)
}

// Backoff computes the exponential delay for the given 1-based attempt,
// with jitter, clamped to MaxDelay.
func (c *Classifier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > c.MaxDelay || delay <= 0 {
		delay = c.MaxDelay
	}
	// Up to 10% jitter keeps synchronized clients from retrying in lockstep.
	frac := c.Jitter
	if frac == nil {
		frac = rand.Float64
	}
	delay += time.Duration(float64(delay) * 0.1 * frac())
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

func (c *Classifier) transient(reason ReasonCode, wait time.Duration, attempt int) RetryDecision {
	return RetryDecision{
		ShouldRetry: attempt < c.MaxAttempts,
		Wait:        wait,
		Reason:      reason,
	}
}

func terminal(reason ReasonCode) RetryDecision {
	return RetryDecision{Reason: reason, Terminal: true}
}

// =============================================================================
// RETRY-AFTER PARSING
// =============================================================================

// retryAfter extracts a wait from a Retry-After header. Accepts the
// integer-seconds form and the HTTP-date form.
func retryAfter(header http.Header) (time.Duration, bool) {
	if header == nil {
		return 0, false
	}
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	if t, err := http.ParseTime(raw); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}

	return 0, false
}
