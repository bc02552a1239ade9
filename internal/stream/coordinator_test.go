// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gatechat/core/internal/chat"
	"github.com/gatechat/core/internal/ratelimit"
)

// fastClassifier keeps retry waits short and deterministic in tests.
func fastClassifier() *ratelimit.Classifier {
	return &ratelimit.Classifier{
		MaxAttempts: 4,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		Jitter:      func() float64 { return 0 },
	}
}

func newTestCoordinator(t *testing.T, handler http.HandlerFunc) (*Coordinator, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewCoordinator(Config{
		Endpoint:   srv.URL,
		Classifier: fastClassifier(),
	}, nil)
	return c, srv
}

func userRequest(prompt string) Request {
	return Request{
		Slot:     "main",
		Model:    "openai/gpt-4o",
		Messages: []*chat.Message{chat.NewUserMessage(prompt)},
	}
}

// drain collects every snapshot until the channel closes and returns them
// with the terminal snapshot last.
func drain(t *testing.T, sess *Session) []Snapshot {
	t.Helper()
	var snaps []Snapshot
	timeout := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-sess.Snapshots():
			if !ok {
				if len(snaps) == 0 || !snaps[len(snaps)-1].Final {
					t.Fatal("channel closed without a terminal snapshot")
				}
				return snaps
			}
			snaps = append(snaps, snap)
		case <-timeout:
			t.Fatal("session did not terminate")
		}
	}
}

func sseDelta(w http.ResponseWriter, content, reasoning string) {
	fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q,\"reasoning\":%q}}]}\n\n", content, reasoning)
}

func sseDone(w http.ResponseWriter) {
	fmt.Fprint(w, "data: [DONE]\n\n")
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestSession_StreamsContentAndReasoning(t *testing.T) {
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseDelta(w, "", "thinking about it")
		sseDelta(w, "Hello ", "")
		sseDelta(w, "world", "")
		sseDone(w)
	})

	sess := c.Start(context.Background(), userRequest("hi"))
	snaps := drain(t, sess)

	last := snaps[len(snaps)-1]
	if last.State != StateCompleted {
		t.Fatalf("final state = %q, want completed", last.State)
	}
	if last.Content != "Hello world" {
		t.Errorf("Content = %q, want 'Hello world'", last.Content)
	}
	if last.Reasoning != "thinking about it" {
		t.Errorf("Reasoning = %q", last.Reasoning)
	}
	if last.Err != nil {
		t.Errorf("Err = %+v, want nil", last.Err)
	}
}

func TestSession_ReasoningContentAlias(t *testing.T) {
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"hmm\"}}]}\n\n")
		sseDelta(w, "ok", "")
		sseDone(w)
	})

	sess := c.Start(context.Background(), userRequest("hi"))
	snaps := drain(t, sess)

	last := snaps[len(snaps)-1]
	if last.Reasoning != "hmm" {
		t.Errorf("Reasoning = %q, want 'hmm' via reasoning_content alias", last.Reasoning)
	}
}

func TestSession_EmptyStreamCompletes(t *testing.T) {
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		sseDone(w)
	})

	sess := c.Start(context.Background(), userRequest("hi"))
	snaps := drain(t, sess)

	last := snaps[len(snaps)-1]
	if last.State != StateCompleted || last.Content != "" {
		t.Errorf("final = %+v, want empty completed", last)
	}
}

func TestSession_MalformedChunkSkipped(t *testing.T) {
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json at all\n\n")
		sseDelta(w, "fine", "")
		sseDone(w)
	})

	sess := c.Start(context.Background(), userRequest("hi"))
	snaps := drain(t, sess)

	last := snaps[len(snaps)-1]
	if last.State != StateCompleted || last.Content != "fine" {
		t.Errorf("final = %+v, want completed 'fine'", last)
	}
}

// =============================================================================
// RETRY BEHAVIOR
// =============================================================================

func TestSession_SuccessAfterRetry(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		sseDelta(w, "Success after retry", "")
		sseDone(w)
	})

	sess := c.Start(context.Background(), userRequest("hi"))
	snaps := drain(t, sess)

	last := snaps[len(snaps)-1]
	if last.State != StateCompleted {
		t.Fatalf("final state = %q, want completed", last.State)
	}
	if last.Content != "Success after retry" {
		t.Errorf("Content = %q", last.Content)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}

	// A retrying snapshot was observable on the way.
	sawRetrying := false
	for _, s := range snaps {
		if s.State == StateRetrying {
			sawRetrying = true
			if s.Err == nil || s.Err.Reason != ratelimit.ReasonRateLimit {
				t.Errorf("retrying snapshot Err = %+v", s.Err)
			}
		}
	}
	if !sawRetrying {
		t.Error("no retrying snapshot observed")
	}
}

func TestSession_RetryBoundExhausted(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	sess := c.Start(context.Background(), userRequest("hi"))
	snaps := drain(t, sess)

	last := snaps[len(snaps)-1]
	if last.State != StateFailed {
		t.Fatalf("final state = %q, want failed", last.State)
	}
	if last.Err == nil || last.Err.Reason != ratelimit.ReasonRateLimit {
		t.Errorf("Err = %+v", last.Err)
	}
	// Exactly MaxAttempts connection attempts, no more.
	if got := calls.Load(); got != 4 {
		t.Errorf("server calls = %d, want 4", got)
	}
}

func TestSession_TerminalAuthErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	sess := c.Start(context.Background(), userRequest("hi"))
	snaps := drain(t, sess)

	last := snaps[len(snaps)-1]
	if last.State != StateFailed {
		t.Fatalf("final state = %q, want failed", last.State)
	}
	if last.Err == nil || last.Err.Reason != ratelimit.ReasonAuthError {
		t.Errorf("Err = %+v, want auth_error", last.Err)
	}
	if last.Err.Retryable {
		t.Error("auth error marked retryable")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want exactly 1", got)
	}
}

func TestSession_ServerErrorRetries(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		sseDelta(w, "recovered", "")
		sseDone(w)
	})

	sess := c.Start(context.Background(), userRequest("hi"))
	snaps := drain(t, sess)

	last := snaps[len(snaps)-1]
	if last.State != StateCompleted || last.Content != "recovered" {
		t.Errorf("final = %+v", last)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

// =============================================================================
// PARTIAL CONTENT
// =============================================================================

// breakStream writes one delta and then drops the connection mid-body. The
// oversized Content-Length makes the disconnect surface as a read error on
// the client, not a clean EOF.
func breakStream(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Length", "1000000")
	sseDelta(w, content, "")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestSession_MidStreamDropRetriesKeepingPartial(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			breakStream(w, "Hello wor")
			return
		}
		sseDelta(w, "ld", "")
		sseDone(w)
	})

	sess := c.Start(context.Background(), userRequest("hi"))
	snaps := drain(t, sess)

	last := snaps[len(snaps)-1]
	if last.State != StateCompleted {
		t.Fatalf("final state = %q, want completed after retry", last.State)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
	// The partial from the dropped attempt survives; the retry appends.
	if last.Content != "Hello world" {
		t.Errorf("Content = %q, want 'Hello world'", last.Content)
	}

	sawRetrying := false
	for _, s := range snaps {
		if s.State == StateRetrying {
			sawRetrying = true
			if s.Err == nil || s.Err.Reason != ratelimit.ReasonNetworkError {
				t.Errorf("retrying snapshot Err = %+v", s.Err)
			}
			if s.Content != "Hello wor" {
				t.Errorf("retrying snapshot Content = %q, want partial kept", s.Content)
			}
		}
	}
	if !sawRetrying {
		t.Error("no retrying snapshot observed")
	}
}

func TestSession_BrokenStreamPreservesPartial(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		breakStream(w, "Hello wor")
	})

	sess := c.Start(context.Background(), userRequest("hi"))
	snaps := drain(t, sess)

	last := snaps[len(snaps)-1]
	if last.State != StateFailed {
		t.Fatalf("final state = %q, want failed", last.State)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("server calls = %d, want MaxAttempts", got)
	}
	// Every attempt's partial accumulated; nothing was discarded.
	if want := strings.Repeat("Hello wor", 4); last.Content != want {
		t.Errorf("partial content = %q, want %q", last.Content, want)
	}
	if last.Err == nil || last.Err.Reason != ratelimit.ReasonNetworkError {
		t.Errorf("Err = %+v", last.Err)
	}
}

// =============================================================================
// CANCELLATION AND SLOTS
// =============================================================================

func TestSession_CancelIsIdempotent(t *testing.T) {
	started := make(chan struct{})
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		sseDelta(w, "partial", "")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(started)
		<-r.Context().Done()
	})

	sess := c.Start(context.Background(), userRequest("hi"))
	<-started

	sess.Cancel()
	sess.Cancel()
	c.Cancel("main")

	snaps := drain(t, sess)
	last := snaps[len(snaps)-1]
	if last.State != StateCancelled {
		t.Fatalf("final state = %q, want cancelled", last.State)
	}

	// Cancelling after termination is a no-op too.
	sess.Cancel()
}

func TestCoordinator_SlotLastWriteWins(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
			sseDelta(w, "second", "")
			sseDone(w)
		case <-r.Context().Done():
		}
	})

	first := c.Start(context.Background(), userRequest("one"))
	second := c.Start(context.Background(), userRequest("two"))
	close(release)

	firstSnaps := drain(t, first)
	if got := firstSnaps[len(firstSnaps)-1].State; got != StateCancelled {
		t.Errorf("first session final state = %q, want cancelled", got)
	}

	secondSnaps := drain(t, second)
	last := secondSnaps[len(secondSnaps)-1]
	if last.State != StateCompleted || last.Content != "second" {
		t.Errorf("second session final = %+v", last)
	}
}
