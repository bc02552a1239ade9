// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gatechat/core/internal/gateway"
)

// =============================================================================
// AGGREGATOR
// =============================================================================

// DefaultPersistLimit bounds the persisted form of a snapshot so the cache
// stays well under storage quotas.
const DefaultPersistLimit = 200

// Fetcher is the single-gateway fetch dependency. *gateway.Fetcher
// satisfies it; tests substitute fakes.
type Fetcher interface {
	FetchModels(ctx context.Context, gatewayID string, opts gateway.Options) gateway.Result
}

// RefreshOptions tune one catalog refresh.
type RefreshOptions struct {
	// Force bypasses the cache and always hits the gateways.
	Force bool

	// LoadAll returns the complete merged list. Without it the returned
	// snapshot is capped at the persist limit, same as the cached form;
	// TotalCount still reports the full merged count.
	LoadAll bool

	// Search filters server-side where gateways support it.
	Search string
}

// Config holds aggregator settings.
type Config struct {
	// Endpoints are the known gateways, in fan-out priority order. The
	// order decides which gateway wins a duplicate model identifier.
	Endpoints []gateway.Endpoint

	// PersistLimit caps how many models a persisted snapshot keeps.
	PersistLimit int
}

// Aggregator merges model lists from every configured gateway into one
// deduplicated, sorted catalog snapshot.
type Aggregator struct {
	fetcher      Fetcher
	cache        SnapshotCache
	endpoints    []gateway.Endpoint
	byID         map[string]gateway.Endpoint
	persistLimit int
	logger       *slog.Logger

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewAggregator creates an aggregator. cache may be nil, which disables
// snapshot reuse but never refuses a refresh.
func NewAggregator(cfg Config, fetcher Fetcher, cache SnapshotCache, logger *slog.Logger) *Aggregator {
	if cfg.PersistLimit <= 0 {
		cfg.PersistLimit = DefaultPersistLimit
	}
	if logger == nil {
		logger = slog.Default()
	}

	byID := make(map[string]gateway.Endpoint, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		byID[ep.ID] = ep
	}

	return &Aggregator{
		fetcher:      fetcher,
		cache:        cache,
		endpoints:    cfg.Endpoints,
		byID:         byID,
		persistLimit: cfg.PersistLimit,
		logger:       logger,
		now:          time.Now,
	}
}

// GatewayIDs returns the configured gateway ids in fan-out order.
func (a *Aggregator) GatewayIDs() []string {
	ids := make([]string, len(a.endpoints))
	for i, ep := range a.endpoints {
		ids[i] = ep.ID
	}
	return ids
}

// Refresh produces the merged catalog for the given gateways (nil means all
// configured ones). A valid cached snapshot is returned without network I/O
// unless opts.Force. When every gateway fails the snapshot is empty but the
// error is nil; only context cancellation is an error.
func (a *Aggregator) Refresh(ctx context.Context, gatewayIDs []string, opts RefreshOptions) (*Snapshot, error) {
	snap, _, err := a.RefreshDetailed(ctx, gatewayIDs, opts)
	return snap, err
}

// RefreshDetailed is Refresh plus per-gateway outcomes, for callers that
// surface which gateways contributed and which failed.
func (a *Aggregator) RefreshDetailed(ctx context.Context, gatewayIDs []string, opts RefreshOptions) (*Snapshot, []GatewayStatus, error) {
	if gatewayIDs == nil {
		gatewayIDs = a.GatewayIDs()
	}
	scope := cacheScope(gatewayIDs)

	if !opts.Force && a.cache != nil {
		if snap := a.cache.Get(scope); snap != nil {
			// A truncated cached snapshot cannot satisfy LoadAll; fall
			// through to a fresh fan-out.
			if !opts.LoadAll || len(snap.Models) >= snap.TotalCount {
				a.logger.Debug("catalog cache hit", "scope", scope, "models", len(snap.Models))
				return snap, nil, nil
			}
		}
	}

	// Fan out one fetch per gateway and wait for all of them. Results land
	// in a slice indexed by issuance order so deduplication below is
	// deterministic regardless of completion order.
	results := make([]gateway.Result, len(gatewayIDs))
	var wg sync.WaitGroup
	for i, id := range gatewayIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = a.fetcher.FetchModels(ctx, id, gateway.Options{Search: opts.Search})
		}(i, id)
	}
	wg.Wait()

	// A cancelled refresh discards whatever settled.
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	// Flatten successes in issuance order; the first gateway to report a
	// model identifier owns it, later duplicates are dropped silently.
	seen := make(map[string]bool)
	var models []ModelOption
	statuses := make([]GatewayStatus, 0, len(results))
	for _, res := range results {
		st := GatewayStatus{Gateway: res.Gateway, OK: res.OK}
		if !res.OK {
			st.Detail = res.Detail
			statuses = append(statuses, st)
			a.logger.Warn("gateway unavailable during refresh",
				"gateway", res.Gateway, "reason", string(res.Reason))
			continue
		}
		ep := a.byID[res.Gateway]
		for _, raw := range res.Models {
			if raw.ID == "" || seen[raw.ID] {
				continue
			}
			seen[raw.ID] = true
			models = append(models, Derive(raw, ep))
			st.Count++
		}
		statuses = append(statuses, st)
	}

	SortModels(models)

	snap := &Snapshot{
		Models:        models,
		TotalCount:    len(models),
		CapturedAt:    a.now(),
		SchemaVersion: SchemaVersion,
	}

	bounded := a.bounded(snap)
	if a.cache != nil {
		a.cache.Put(scope, bounded)
	}

	a.logger.Info("catalog refreshed",
		"gateways", len(gatewayIDs), "models", len(models))

	if opts.LoadAll {
		return snap, statuses, nil
	}
	return bounded, statuses, nil
}

// bounded returns the snapshot with Models capped at the persist limit.
// TotalCount keeps the full merged count so callers can tell the list was
// truncated.
func (a *Aggregator) bounded(snap *Snapshot) *Snapshot {
	if len(snap.Models) <= a.persistLimit {
		return snap
	}
	capped := *snap
	capped.Models = snap.Models[:a.persistLimit]
	return &capped
}

// Invalidate drops the cached snapshot for the given gateways (nil = all
// configured).
func (a *Aggregator) Invalidate(gatewayIDs []string) error {
	if a.cache == nil {
		return nil
	}
	if gatewayIDs == nil {
		gatewayIDs = a.GatewayIDs()
	}
	return a.cache.Invalidate(cacheScope(gatewayIDs))
}

func cacheScope(gatewayIDs []string) string {
	return strings.Join(gatewayIDs, ",")
}
