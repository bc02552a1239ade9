// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatechat/core/internal/ratelimit"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem only appears on the wire; the conversation view owns
	// user/assistant messages.
	RoleSystem Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// =============================================================================
// MESSAGE PARTS
// =============================================================================

// PartKind tags the type of a message part.
type PartKind string

const (
	PartText     PartKind = "text"
	PartImage    PartKind = "image"
	PartAudio    PartKind = "audio"
	PartVideo    PartKind = "video"
	PartDocument PartKind = "document"
)

// Part is one typed element of a message body. Text parts carry inline
// text; media parts carry a reference (URL or attachment id), never bytes.
type Part struct {
	Kind PartKind `json:"kind"`
	Text string   `json:"text,omitempty"`
	Ref  string   `json:"ref,omitempty"`
	MIME string   `json:"mime,omitempty"`
}

// TextPart builds an inline text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// MediaPart builds a media reference part.
func MediaPart(kind PartKind, ref, mime string) Part {
	return Part{Kind: kind, Ref: ref, MIME: mime}
}

// =============================================================================
// MESSAGE ERROR
// =============================================================================

// MessageError annotates a message with the failure that stopped it.
// Partial content already streamed stays visible alongside it.
type MessageError struct {
	Reason    ratelimit.ReasonCode `json:"reason"`
	Message   string               `json:"message"`
	Retryable bool                 `json:"retryable"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation. Assistant messages
// are created empty when a send begins, mutated in place while streaming,
// and frozen on completion or terminal error.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content. Parts is the ordered body; plain-text messages have a
	// single text part.
	Parts []Part `json:"parts"`

	// Reasoning is the model's intermediate thinking trace, kept separate
	// from the answer content.
	Reasoning string `json:"reasoning,omitempty"`

	// Model identifies which model produced an assistant message.
	Model string `json:"model,omitempty"`

	// Err is set when the message ended in a terminal failure.
	Err *MessageError `json:"error,omitempty"`

	// Streaming state
	IsStreaming bool `json:"-"`
	Stopped     bool `json:"-"`
}

// NewUserMessage creates a user message with a single text part.
func NewUserMessage(text string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Timestamp: time.Now(),
		Parts:     []Part{TextPart(text)},
	}
}

// NewUserMessageWithParts creates a user message with a typed part list.
func NewUserMessageWithParts(parts []Part) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Timestamp: time.Now(),
		Parts:     parts,
	}
}

// NewAssistantMessage creates an empty assistant message in streaming state.
func NewAssistantMessage(model string) *Message {
	return &Message{
		ID:          uuid.NewString(),
		Role:        RoleAssistant,
		Timestamp:   time.Now(),
		Model:       model,
		IsStreaming: true,
	}
}

// Content flattens the text parts into a single string.
func (m *Message) Content() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// SetContent replaces the message body with a single text part. Used while
// streaming, where the coordinator owns the accumulated buffer.
func (m *Message) SetContent(text string) {
	if len(m.Parts) == 1 && m.Parts[0].Kind == PartText {
		m.Parts[0].Text = text
		return
	}
	m.Parts = []Part{TextPart(text)}
}

// Finalize freezes the message after a completed stream.
func (m *Message) Finalize() {
	m.IsStreaming = false
}

// Fail freezes the message with a terminal error, preserving any partial
// content already present.
func (m *Message) Fail(err *MessageError) {
	m.IsStreaming = false
	m.Stopped = true
	m.Err = err
}
