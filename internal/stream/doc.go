// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream runs live chat completions over Server-Sent Events.
//
// A Coordinator starts one Session per request. The session walks a small
// state machine (connecting, streaming, retrying, then completed, failed,
// or cancelled) and publishes cumulative Snapshots on a channel: each
// snapshot carries the full accumulated answer and reasoning buffers, so a
// consumer renders from the latest one alone and missed intermediates cost
// nothing. Reasoning deltas are demultiplexed from answer content on the
// same stream.
//
// Transient connection failures (429, 5xx, transport errors) are retried
// with exponential backoff before the first byte arrives; once part of a
// reply has streamed, a broken stream fails the session with the partial
// content preserved rather than replaying it. Sessions are keyed by slot,
// last-write-wins: starting a new request on an occupied slot cancels the
// session already there.
package stream
