// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache persists catalog snapshots between runs in a local sqlite
// database.
//
// Entries are keyed by catalog schema version, so bumping the version
// silently orphans stale rows. Reads past the TTL miss and delete the row.
// Writes never propagate storage errors to the caller: a full or broken
// database costs the cache entry, not the refresh that produced it.
package cache
