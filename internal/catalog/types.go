// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"time"
)

// =============================================================================
// SCHEMA VERSION
// =============================================================================

// SchemaVersion tags persisted snapshots. Bump it whenever ModelOption's
// persisted shape changes; old cache entries are then ignored.
const SchemaVersion = 6

// =============================================================================
// MODEL OPTIONS
// =============================================================================

// SpeedTier is a coarse latency class derived from the serving provider.
type SpeedTier string

const (
	SpeedUltraFast SpeedTier = "ultra-fast"
	SpeedFast      SpeedTier = "fast"
	SpeedMedium    SpeedTier = "medium"
	SpeedSlow      SpeedTier = "slow"
	SpeedUnknown   SpeedTier = "unknown"
)

// Category tags a model as free or paid.
type Category string

const (
	CategoryFree Category = "free"
	CategoryPaid Category = "paid"
)

// ModelOption is one selectable model in the merged catalog. The first
// gateway to report an identifier owns the record; later duplicates are
// dropped without field merging.
type ModelOption struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Gateway       string    `json:"gateway"`
	Developer     string    `json:"developer"`
	ContextLength int       `json:"context_length,omitempty"`
	Modalities    []string  `json:"modalities,omitempty"`
	Speed         SpeedTier `json:"speed"`
	Category      Category  `json:"category"`
	Downloads     int64     `json:"downloads,omitempty"`
	Likes         int64     `json:"likes,omitempty"`
}

// PopularityScore weights community likes far above raw downloads so a
// heavily-liked model outranks a merely heavily-pulled one.
func (m ModelOption) PopularityScore() int64 {
	return m.Likes*1000 + m.Downloads
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is one merged catalog capture.
type Snapshot struct {
	Models        []ModelOption `json:"models"`
	TotalCount    int           `json:"total_count"`
	CapturedAt    time.Time     `json:"captured_at"`
	SchemaVersion int           `json:"schema_version"`
}

// GatewayStatus reports one gateway's contribution to a refresh, for
// callers that want failure visibility alongside the merged snapshot.
type GatewayStatus struct {
	Gateway string `json:"gateway"`
	OK      bool   `json:"ok"`
	Count   int    `json:"count"`
	Detail  string `json:"detail,omitempty"`
}

// =============================================================================
// CACHE INTERFACE
// =============================================================================

// SnapshotCache persists catalog snapshots between runs. Implementations
// tolerate storage failure: a failed Put must not fail a refresh.
type SnapshotCache interface {
	// Get returns the cached snapshot for scope, or nil when missing,
	// expired, or recorded under a different schema version.
	Get(scope string) *Snapshot

	// Put stores the snapshot under scope. Never returns an error for
	// storage-full conditions; those are handled by eviction.
	Put(scope string, snap *Snapshot) error

	// Invalidate drops the entry for scope.
	Invalidate(scope string) error
}
