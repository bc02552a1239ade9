// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog merges model lists from every configured gateway into a
// single deduplicated catalog.
//
// A refresh fans out one fetch per gateway, waits for all of them, and
// flattens the successes in fan-out order: the first gateway to report a
// model identifier owns the record. Gateways that fail or time out are
// skipped, so a refresh degrades to whatever subset answered; an empty
// catalog is a valid outcome, not an error. Derived metadata (developer,
// speed tier, free/paid category) is filled in from identifier and pricing
// conventions, and the final list is ordered by a fixed developer priority
// followed by community popularity.
package catalog
