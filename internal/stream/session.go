// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"sync"

	"github.com/gatechat/core/internal/ratelimit"
)

// =============================================================================
// SESSION STATE
// =============================================================================

// State is the lifecycle phase of a streaming session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateRetrying   State = "retrying"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// ErrorDescriptor annotates a snapshot with what went wrong.
type ErrorDescriptor struct {
	Reason    ratelimit.ReasonCode `json:"reason"`
	Message   string               `json:"message"`
	Retryable bool                 `json:"retryable"`
}

// Snapshot is the observable session state at one point in time. Content
// and Reasoning are the full accumulated buffers, not increments, so a
// consumer can always render from the latest snapshot alone. Partial
// content survives into failed and cancelled snapshots.
type Snapshot struct {
	State     State
	Content   string
	Reasoning string
	Attempt   int
	Final     bool
	Err       *ErrorDescriptor
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one in-flight streaming exchange. It is created by a
// Coordinator and owned by exactly one consumer draining Snapshots.
type Session struct {
	ID   string
	Slot string

	ch     chan Snapshot
	cancel context.CancelFunc

	mu        sync.Mutex
	content   []byte
	reasoning []byte
	state     State

	cancelOnce sync.Once
}

// Snapshots is the session's observation channel. It is closed after the
// terminal snapshot is delivered.
func (s *Session) Snapshots() <-chan Snapshot {
	return s.ch
}

// Cancel aborts the session. Safe to call more than once and after the
// session already reached a terminal state; extra calls do nothing.
func (s *Session) Cancel() {
	s.cancelOnce.Do(s.cancel)
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// append accumulates one delta into the session buffers.
func (s *Session) append(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = append(s.content, d.Content...)
	s.reasoning = append(s.reasoning, d.Reasoning...)
}

// emit publishes a snapshot built from the accumulated buffers.
func (s *Session) emit(state State, attempt int, final bool, errDesc *ErrorDescriptor) {
	s.mu.Lock()
	s.state = state
	snap := Snapshot{
		State:     state,
		Content:   string(s.content),
		Reasoning: string(s.reasoning),
		Attempt:   attempt,
		Final:     final,
		Err:       errDesc,
	}
	s.mu.Unlock()

	if !final {
		// Snapshots are cumulative, so dropping one on a lagging consumer
		// loses nothing: the next snapshot carries the full buffers.
		select {
		case s.ch <- snap:
		default:
		}
		return
	}

	// The terminal snapshot must land. Make room by discarding stale
	// intermediates rather than blocking the session goroutine.
	for {
		select {
		case s.ch <- snap:
			close(s.ch)
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}
