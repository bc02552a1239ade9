// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gatechat/core/internal/ratelimit"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout is the per-call base timeout on a fast connection.
	DefaultTimeout = 10 * time.Second

	// DefaultHardCeiling bounds the effective timeout regardless of the
	// network profile, so a wait-all fan-out terminates in finite time.
	DefaultHardCeiling = 45 * time.Second

	// MaxResponseSize caps a model-list response body (10MB).
	MaxResponseSize = 10 * 1024 * 1024
)

// Shared HTTP client with connection pooling for all gateway requests.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
	// Per-call timeout is applied via context so the network profile can
	// scale it.
}

// =============================================================================
// NETWORK PROFILE
// =============================================================================

// NetworkProfile scales the base timeout for detected connection quality.
// The multiplier is a configuration input, not hardcoded per call site.
type NetworkProfile string

const (
	ProfileFast   NetworkProfile = "fast"
	ProfileSlow   NetworkProfile = "slow"
	ProfileMobile NetworkProfile = "mobile"
)

// Multiplier returns the timeout scale factor for the profile.
func (p NetworkProfile) Multiplier() float64 {
	switch p {
	case ProfileSlow:
		return 2.0
	case ProfileMobile:
		return 3.0
	default:
		return 1.0
	}
}

// =============================================================================
// GATEWAY ENDPOINTS
// =============================================================================

// Endpoint describes one upstream provider's model-list endpoint.
type Endpoint struct {
	// ID is the origin tag carried on every model from this gateway.
	ID string

	// BaseURL is the provider API root; models are listed at
	// BaseURL + "/models".
	BaseURL string

	// APIKey is optional; most model-list endpoints are public.
	APIKey string

	// FreeFlag means the gateway serves only free models and its records
	// may omit pricing entirely.
	FreeFlag bool
}

// =============================================================================
// RAW MODEL RECORDS
// =============================================================================

// Pricing carries per-token costs as decimal strings, matching the wire
// format the providers use.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// IsFree reports whether both prices are zero.
func (p *Pricing) IsFree() bool {
	if p == nil {
		return false
	}
	return isZeroPrice(p.Prompt) && isZeroPrice(p.Completion)
}

func isZeroPrice(s string) bool {
	if s == "" {
		return false
	}
	f, err := strconv.ParseFloat(s, 64)
	return err == nil && f == 0
}

// Architecture describes a model's modality support.
type Architecture struct {
	Modalities      []string `json:"modalities,omitempty"`
	InputModalities []string `json:"input_modalities,omitempty"`
}

// RawModel is one gateway's record for a model, before aggregation.
type RawModel struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	ContextLength int           `json:"context_length,omitempty"`
	Architecture  *Architecture `json:"architecture,omitempty"`
	Pricing       *Pricing      `json:"pricing,omitempty"`
	Free          bool          `json:"free,omitempty"`
	Downloads     int64         `json:"downloads,omitempty"`
	Likes         int64         `json:"likes,omitempty"`
}

// modelsResponse accepts the enveloped form {"data": [...], "total": n}.
type modelsResponse struct {
	Data  []RawModel `json:"data"`
	Total *int       `json:"total,omitempty"`
}

// =============================================================================
// RESULT
// =============================================================================

// Result is one gateway's outcome: a tagged success or failure, never a
// panic or a thrown error, so the aggregator can proceed with partial
// results. It is transient: consumed immediately and not retained.
type Result struct {
	Gateway string
	OK      bool
	Models  []RawModel
	Total   *int

	// Failure detail, populated when OK is false.
	Reason ratelimit.ReasonCode
	Detail string
}

func failure(gatewayID string, reason ratelimit.ReasonCode, detail string) Result {
	return Result{Gateway: gatewayID, Reason: reason, Detail: detail}
}

// =============================================================================
// FETCH OPTIONS
// =============================================================================

// Options are optional query parameters for a model-list call.
type Options struct {
	Limit  int
	Offset int
	Search string
}

func (o Options) query() string {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Search != "" {
		v.Set("search", o.Search)
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// =============================================================================
// FETCHER
// =============================================================================

// Config holds fetcher-wide settings.
type Config struct {
	// BaseTimeout is the per-call timeout before profile scaling.
	BaseTimeout time.Duration

	// Profile scales BaseTimeout (fast 1x, slow 2x, mobile 3x).
	Profile NetworkProfile

	// HardCeiling bounds the scaled timeout.
	HardCeiling time.Duration

	// RequestsPerSecond paces calls per gateway (0 = no pacing).
	RequestsPerSecond float64
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		BaseTimeout: DefaultTimeout,
		Profile:     ProfileFast,
		HardCeiling: DefaultHardCeiling,
	}
}

// Fetcher performs one outbound request to one gateway's model-list
// endpoint. It never retries internally (retry policy belongs to the
// caller) and it knows nothing about other gateways.
type Fetcher struct {
	cfg       Config
	endpoints map[string]Endpoint
	client    *http.Client
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher creates a fetcher over the given gateway endpoints.
func NewFetcher(cfg Config, endpoints []Endpoint, logger *slog.Logger) *Fetcher {
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = DefaultTimeout
	}
	if cfg.HardCeiling <= 0 {
		cfg.HardCeiling = DefaultHardCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}

	byID := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byID[ep.ID] = ep
	}

	return &Fetcher{
		cfg:       cfg,
		endpoints: byID,
		client:    sharedHTTPClient,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Endpoints returns the configured gateway ids. Order is not guaranteed;
// callers that care about fan-out order keep their own list.
func (f *Fetcher) Endpoints() []string {
	ids := make([]string, 0, len(f.endpoints))
	for id := range f.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// Timeout returns the effective per-call timeout: base scaled by the
// network profile, clamped by the hard ceiling.
func (f *Fetcher) Timeout() time.Duration {
	d := time.Duration(float64(f.cfg.BaseTimeout) * f.cfg.Profile.Multiplier())
	if d > f.cfg.HardCeiling {
		d = f.cfg.HardCeiling
	}
	return d
}

// FetchModels performs one model-list request against the given gateway.
// Timeouts and transport errors come back as a failure Result, not an
// error, so a slow or failed gateway never blocks the others.
func (f *Fetcher) FetchModels(ctx context.Context, gatewayID string, opts Options) Result {
	ep, ok := f.endpoints[gatewayID]
	if !ok {
		return failure(gatewayID, ratelimit.ReasonUnknown, "gateway not configured: "+gatewayID)
	}

	if lim := f.limiter(gatewayID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return failure(gatewayID, ratelimit.ReasonNetworkError, err.Error())
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout())
	defer cancel()

	reqURL := ep.BaseURL + "/models" + opts.query()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return failure(gatewayID, ratelimit.ReasonUnknown, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		reason := ratelimit.ReasonNetworkError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ratelimit.ReasonGatewayTimeout
		}
		f.logger.Debug("gateway fetch failed",
			"gateway", gatewayID, "reason", string(reason), "err", err)
		return failure(gatewayID, reason, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		decision := ratelimit.NewClassifier().Classify(resp.StatusCode, resp.Header, 1)
		f.logger.Debug("gateway fetch rejected",
			"gateway", gatewayID, "status", resp.StatusCode, "reason", string(decision.Reason))
		return failure(gatewayID, decision.Reason,
			fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)))
	}

	models, total, err := decodeModels(resp.Body)
	if err != nil {
		return failure(gatewayID, ratelimit.ReasonParseError, err.Error())
	}

	f.logger.Debug("gateway fetch ok",
		"gateway", gatewayID, "models", len(models), "elapsed", time.Since(start))

	return Result{Gateway: gatewayID, OK: true, Models: models, Total: total}
}

// limiter returns the per-gateway pacer, creating it on first use.
func (f *Fetcher) limiter(gatewayID string) *rate.Limiter {
	if f.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[gatewayID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.cfg.RequestsPerSecond), 1)
		f.limiters[gatewayID] = lim
	}
	return lim
}

// decodeModels accepts both the enveloped {"data": [...]} form and a bare
// JSON array of records.
func decodeModels(r io.Reader) ([]RawModel, *int, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxResponseSize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	var envelope modelsResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Data != nil {
		return envelope.Data, envelope.Total, nil
	}

	var bare []RawModel
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil, nil
	}

	return nil, nil, errors.New("unrecognized model list payload")
}
