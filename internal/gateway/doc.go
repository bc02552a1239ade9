// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway fetches model lists from upstream provider gateways.
//
// A Fetcher makes exactly one HTTP request per call and reports the outcome
// as a typed Result, success or failure, so callers can aggregate across
// gateways without one slow endpoint poisoning the rest. Retry policy
// deliberately lives outside this package. The per-call timeout adapts to
// the configured network profile (fast, slow, mobile) and is bounded by a
// hard ceiling.
package gateway
