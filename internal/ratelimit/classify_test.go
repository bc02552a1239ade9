// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// noJitter makes backoff deterministic for assertions.
func noJitter() float64 { return 0 }

func testClassifier() *Classifier {
	c := NewClassifier()
	c.Jitter = noJitter
	return c
}

// =============================================================================
// STATUS CLASSIFICATION
// =============================================================================

func TestClassify_Success(t *testing.T) {
	c := testClassifier()

	for _, status := range []int{200, 201, 204} {
		d := c.Classify(status, nil, 1)
		if d.Reason != ReasonOK {
			t.Errorf("status %d: Reason = %q, want ok", status, d.Reason)
		}
		if d.ShouldRetry || d.Terminal {
			t.Errorf("status %d: unexpected retry/terminal flags", status)
		}
	}
}

func TestClassify_TerminalStatuses(t *testing.T) {
	c := testClassifier()

	tests := []struct {
		status int
		reason ReasonCode
	}{
		{http.StatusUnauthorized, ReasonAuthError},
		{http.StatusPaymentRequired, ReasonPaymentRequired},
		{http.StatusForbidden, ReasonForbiddenTier},
	}

	for _, tc := range tests {
		// Terminal regardless of attempts remaining.
		d := c.Classify(tc.status, nil, 1)
		if !d.Terminal {
			t.Errorf("status %d: Terminal = false, want true", tc.status)
		}
		if d.ShouldRetry {
			t.Errorf("status %d: ShouldRetry = true, want false", tc.status)
		}
		if d.Reason != tc.reason {
			t.Errorf("status %d: Reason = %q, want %q", tc.status, d.Reason, tc.reason)
		}
	}
}

func TestClassify_RetryableStatuses(t *testing.T) {
	c := testClassifier()

	for _, status := range []int{429, 500, 502, 503, 504} {
		d := c.Classify(status, nil, 1)
		if !d.ShouldRetry {
			t.Errorf("status %d attempt 1: ShouldRetry = false, want true", status)
		}
		if d.Terminal {
			t.Errorf("status %d: Terminal = true, want false", status)
		}
		if !d.Reason.Transient() {
			t.Errorf("status %d: reason %q should be transient", status, d.Reason)
		}
	}
}

func TestClassify_AttemptBound(t *testing.T) {
	c := testClassifier()

	// Last allowed attempt still retries.
	d := c.Classify(429, nil, c.MaxAttempts-1)
	if !d.ShouldRetry {
		t.Errorf("attempt %d: ShouldRetry = false, want true", c.MaxAttempts-1)
	}

	// Reaching MaxAttempts stops.
	d = c.Classify(429, nil, c.MaxAttempts)
	if d.ShouldRetry {
		t.Errorf("attempt %d: ShouldRetry = true, want false", c.MaxAttempts)
	}
	if d.Terminal {
		t.Error("exhausted rate limit should remain non-terminal")
	}
}

func TestClassify_UnknownStatus(t *testing.T) {
	c := testClassifier()

	d := c.Classify(418, nil, 1)
	if d.Reason != ReasonUnknown || !d.Terminal {
		t.Errorf("418: got %+v, want terminal unknown", d)
	}
}

// =============================================================================
// RETRY-AFTER
// =============================================================================

func TestClassify_RetryAfterSeconds(t *testing.T) {
	c := testClassifier()

	h := http.Header{}
	h.Set("Retry-After", "2")

	d := c.Classify(429, h, 1)
	if d.Wait != 2*time.Second {
		t.Errorf("Wait = %v, want 2s", d.Wait)
	}
	// Header must beat the default backoff for this attempt (1s base).
	if d.Wait <= c.Backoff(1) {
		t.Errorf("Retry-After wait %v not greater than default backoff %v", d.Wait, c.Backoff(1))
	}
}

func TestClassify_RetryAfterHTTPDate(t *testing.T) {
	c := testClassifier()

	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(5*time.Second).UTC().Format(http.TimeFormat))

	d := c.Classify(429, h, 1)
	if d.Wait <= 0 || d.Wait > 5*time.Second {
		t.Errorf("Wait = %v, want (0, 5s]", d.Wait)
	}
}

func TestClassify_RetryAfterMalformed(t *testing.T) {
	c := testClassifier()

	h := http.Header{}
	h.Set("Retry-After", "soon")

	d := c.Classify(429, h, 1)
	if d.Wait != c.Backoff(1) {
		t.Errorf("malformed header: Wait = %v, want backoff %v", d.Wait, c.Backoff(1))
	}
}

func TestClassify_RetryAfterIgnoredFor5xx(t *testing.T) {
	c := testClassifier()

	h := http.Header{}
	h.Set("Retry-After", "30")

	d := c.Classify(503, h, 1)
	if d.Wait != c.Backoff(1) {
		t.Errorf("5xx must ignore Retry-After: Wait = %v, want %v", d.Wait, c.Backoff(1))
	}
}

// =============================================================================
// BACKOFF
// =============================================================================

func TestBackoff_ExponentialGrowth(t *testing.T) {
	c := testClassifier()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // clamped
		{9, 10 * time.Second}, // clamped
	}

	for _, tc := range tests {
		if got := c.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoff_JitterBounded(t *testing.T) {
	c := NewClassifier()
	c.Jitter = func() float64 { return 0.999 }

	got := c.Backoff(1)
	if got < 1*time.Second || got > 1100*time.Millisecond {
		t.Errorf("Backoff(1) with max jitter = %v, want [1s, 1.1s]", got)
	}

	// Jitter never pushes past the cap.
	if got := c.Backoff(4); got > c.MaxDelay {
		t.Errorf("Backoff(4) = %v exceeds cap %v", got, c.MaxDelay)
	}
}

// =============================================================================
// NETWORK ERRORS
// =============================================================================

func TestClassifyError_Transient(t *testing.T) {
	c := testClassifier()

	d := c.ClassifyError(errors.New("connection reset by peer"), 1)
	if !d.ShouldRetry || d.Reason != ReasonNetworkError {
		t.Errorf("got %+v, want retryable network_error", d)
	}
	if d.Wait != c.Backoff(1) {
		t.Errorf("Wait = %v, want backoff %v", d.Wait, c.Backoff(1))
	}
}

func TestClassifyError_ContextCancellation(t *testing.T) {
	c := testClassifier()

	for _, err := range []error{context.Canceled, context.DeadlineExceeded} {
		d := c.ClassifyError(err, 1)
		if d.ShouldRetry {
			t.Errorf("%v: ShouldRetry = true, want false", err)
		}
		if !d.Terminal {
			t.Errorf("%v: Terminal = false, want true", err)
		}
	}
}

func TestReasonCode_Transient(t *testing.T) {
	transient := []ReasonCode{ReasonRateLimit, ReasonGatewayTimeout, ReasonNetworkError}
	for _, r := range transient {
		if !r.Transient() {
			t.Errorf("%q.Transient() = false, want true", r)
		}
	}

	terminal := []ReasonCode{ReasonAuthError, ReasonPaymentRequired, ReasonForbiddenTier, ReasonUnknown, ReasonOK}
	for _, r := range terminal {
		if r.Transient() {
			t.Errorf("%q.Transient() = true, want false", r)
		}
	}
}
