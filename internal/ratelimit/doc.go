// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit contains the pure retry/backoff decision logic for
// upstream gateway failures.
//
// The package deliberately performs no I/O: it maps an HTTP status (or a
// transport-level error) plus an attempt number to a RetryDecision. The
// effectful retry loop (timers, request re-issue, cancellation) lives in
// the stream coordinator, which keeps this policy independently testable
// without a network or a clock.
//
// # Key Types
//
//   - ReasonCode: the failure taxonomy (rate_limit, gateway_timeout,
//     network_error, auth_error, payment_required, forbidden_tier,
//     parse_error, unknown)
//   - RetryDecision: {ShouldRetry, Wait, Reason, Terminal}
//   - Classifier: policy values (max attempts, backoff base/cap)
//
// # Policy
//
// 429 honors a numeric or HTTP-date Retry-After header; otherwise, and for
// 500/502/503/504 and network-level failures, the wait is exponential
// backoff base*2^(attempt-1) with up to 10% jitter, clamped to the cap.
// 401, 402 and 403 are terminal: no retry can fix bad credentials, an
// exhausted balance, or an insufficient tier.
package ratelimit
