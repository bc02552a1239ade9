// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat contains the data structures for conversations and messages.
//
// A Message is created on send, mutated in place while streaming, and
// frozen on completion or terminal error. Message bodies are ordered lists
// of typed parts (text, image, audio, video, document references) so
// multimodal payloads and plain text share one representation.
package chat
