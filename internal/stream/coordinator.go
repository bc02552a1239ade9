// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatechat/core/internal/chat"
	"github.com/gatechat/core/internal/ratelimit"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// snapshotBuffer sizes the per-session observation channel.
const snapshotBuffer = 256

// Shared HTTP client for streaming requests. No client-level timeout:
// streams are long-lived and cancellation runs through the context.
var sharedStreamClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// =============================================================================
// REQUESTS
// =============================================================================

// Request starts one streaming exchange. Slot names the UI position the
// reply belongs to; starting a new request on an occupied slot cancels the
// previous session (last-write-wins).
type Request struct {
	Slot     string
	Model    string
	Messages []*chat.Message
}

// wireMessage is the flattened chat-completions message form.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Config holds coordinator settings.
type Config struct {
	// Endpoint is the chat-completions URL.
	Endpoint string

	// APIKey authenticates requests when set.
	APIKey string

	// MaxAttempts bounds connection attempts per session (default 4).
	MaxAttempts int

	// Classifier decides retry policy; nil gets the default.
	Classifier *ratelimit.Classifier

	// HTTPClient overrides the shared pooled client (tests).
	HTTPClient *http.Client
}

// Coordinator owns streaming sessions and the retry policy around them.
// One coordinator serves all slots.
type Coordinator struct {
	cfg        Config
	classifier *ratelimit.Classifier
	client     *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	slots map[string]*Session
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, logger *slog.Logger) *Coordinator {
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = ratelimit.NewClassifier()
	}
	if cfg.MaxAttempts > 0 {
		classifier.MaxAttempts = cfg.MaxAttempts
	}
	client := cfg.HTTPClient
	if client == nil {
		client = sharedStreamClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		cfg:        cfg,
		classifier: classifier,
		client:     client,
		logger:     logger,
		slots:      make(map[string]*Session),
	}
}

// Start begins a streaming session for the request. An existing session on
// the same slot is cancelled first. The returned session's Snapshots
// channel carries state transitions and accumulated content until a
// terminal snapshot closes it.
func (c *Coordinator) Start(ctx context.Context, req Request) *Session {
	ctx, cancel := context.WithCancel(ctx)

	sess := &Session{
		ID:     uuid.NewString(),
		Slot:   req.Slot,
		ch:     make(chan Snapshot, snapshotBuffer),
		cancel: cancel,
		state:  StateIdle,
	}

	c.mu.Lock()
	if prev, ok := c.slots[req.Slot]; ok {
		prev.Cancel()
	}
	c.slots[req.Slot] = sess
	c.mu.Unlock()

	go c.run(ctx, sess, req)

	return sess
}

// Cancel aborts the session occupying the slot, if any. Idempotent.
func (c *Coordinator) Cancel(slot string) {
	c.mu.Lock()
	sess := c.slots[slot]
	c.mu.Unlock()
	if sess != nil {
		sess.Cancel()
	}
}

// release removes the session from its slot unless it was already replaced.
func (c *Coordinator) release(sess *Session) {
	c.mu.Lock()
	if c.slots[sess.Slot] == sess {
		delete(c.slots, sess.Slot)
	}
	c.mu.Unlock()
}

// =============================================================================
// SESSION LOOP
// =============================================================================

// run drives one session: connect, stream, and retry transient failures
// with backoff until completion, a terminal error, exhaustion, or
// cancellation.
func (c *Coordinator) run(ctx context.Context, sess *Session, req Request) {
	defer c.release(sess)

	body, err := json.Marshal(buildWireRequest(req))
	if err != nil {
		sess.emit(StateFailed, 0, true, &ErrorDescriptor{
			Reason:  ratelimit.ReasonUnknown,
			Message: "failed to encode request: " + err.Error(),
		})
		return
	}

	for attempt := 1; ; attempt++ {
		sess.emit(StateConnecting, attempt, false, nil)

		errDesc, decision := c.attempt(ctx, sess, body, attempt)
		if errDesc == nil {
			sess.emit(StateCompleted, attempt, true, nil)
			return
		}

		if ctx.Err() != nil {
			sess.emit(StateCancelled, attempt, true, nil)
			return
		}

		if !decision.ShouldRetry {
			c.logger.Debug("stream failed",
				"session", sess.ID, "attempt", attempt, "reason", string(errDesc.Reason))
			sess.emit(StateFailed, attempt, true, errDesc)
			return
		}

		c.logger.Debug("stream retrying",
			"session", sess.ID, "attempt", attempt, "wait", decision.Wait,
			"reason", string(errDesc.Reason))
		sess.emit(StateRetrying, attempt, false, errDesc)

		// Cancellable backoff wait.
		timer := time.NewTimer(decision.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			sess.emit(StateCancelled, attempt, true, nil)
			return
		case <-timer.C:
		}
	}
}

// attempt makes one connection and streams it to the end. A nil descriptor
// means the stream completed; otherwise the accompanying decision carries
// the retry verdict and wait.
func (c *Coordinator) attempt(ctx context.Context, sess *Session, body []byte, attempt int) (*ErrorDescriptor, ratelimit.RetryDecision) {
	noRetry := ratelimit.RetryDecision{Terminal: true}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &ErrorDescriptor{Reason: ratelimit.ReasonUnknown, Message: err.Error()}, noRetry
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		d := c.classifier.ClassifyError(err, attempt)
		return &ErrorDescriptor{
			Reason:    d.Reason,
			Message:   err.Error(),
			Retryable: !d.Terminal,
		}, d
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		d := c.classifier.Classify(resp.StatusCode, resp.Header, attempt)
		return &ErrorDescriptor{
			Reason:    d.Reason,
			Message:   string(detail),
			Retryable: !d.Terminal,
		}, d
	}

	sess.emit(StateStreaming, attempt, false, nil)

	reader := newSSEReader(resp.Body, c.logger)
	for {
		if err := ctx.Err(); err != nil {
			return &ErrorDescriptor{Reason: ratelimit.ReasonNetworkError, Message: err.Error()}, noRetry
		}

		delta, err := reader.readDelta()
		if err == io.EOF {
			return nil, ratelimit.RetryDecision{}
		}
		if err != nil {
			// A dropped body mid-stream is retryable like any transport
			// error. The accumulated partial stays in the session buffers,
			// so a retry reconnects and keeps appending; exhausted attempts
			// surface the partial in the failed snapshot.
			d := c.classifier.ClassifyError(err, attempt)
			return &ErrorDescriptor{
				Reason:    d.Reason,
				Message:   err.Error(),
				Retryable: !d.Terminal,
			}, d
		}

		sess.append(delta)
		sess.emit(StateStreaming, attempt, false, nil)

		if delta.Finished {
			return nil, ratelimit.RetryDecision{}
		}
	}
}

func buildWireRequest(req Request) wireRequest {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, wireMessage{
			Role:    m.Role.String(),
			Content: m.Content(),
		})
	}
	return wireRequest{Model: req.Model, Messages: messages, Stream: true}
}
