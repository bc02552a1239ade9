// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"sort"
	"strings"
	"unicode"

	"github.com/gatechat/core/internal/gateway"
	"github.com/gatechat/core/internal/util"
)

// =============================================================================
// DERIVATION TABLES
// =============================================================================

// maxDescriptionRunes bounds stored descriptions; upstream blurbs can run
// to several kilobytes.
const maxDescriptionRunes = 280

// developerNames maps identifier prefixes to display names. Prefixes not
// listed fall back to title-casing.
var developerNames = map[string]string{
	"openai":       "OpenAI",
	"anthropic":    "Anthropic",
	"google":       "Google",
	"meta-llama":   "Meta",
	"meta":         "Meta",
	"mistralai":    "Mistral AI",
	"mistral":      "Mistral AI",
	"deepseek":     "DeepSeek",
	"qwen":         "Qwen",
	"x-ai":         "xAI",
	"xai":          "xAI",
	"cohere":       "Cohere",
	"nvidia":       "NVIDIA",
	"microsoft":    "Microsoft",
	"perplexity":   "Perplexity",
	"amazon":       "Amazon",
	"ai21":         "AI21 Labs",
	"nousresearch": "Nous Research",
}

// priorityDevelopers is the fixed head of the sort order; everything else
// ranks by popularity below them.
var priorityDevelopers = []string{
	"OpenAI",
	"Anthropic",
	"Google",
	"Meta",
	"DeepSeek",
	"Mistral AI",
	"Qwen",
	"xAI",
}

// ultraFastProviders serve from custom inference silicon.
var ultraFastProviders = map[string]bool{
	"groq":      true,
	"cerebras":  true,
	"sambanova": true,
}

// fastProviders are conventional GPU hosts with strong serving latency.
var fastProviders = map[string]bool{
	"together":  true,
	"fireworks": true,
	"deepinfra": true,
}

// =============================================================================
// PER-MODEL DERIVATION
// =============================================================================

// Derive converts one gateway record into a catalog entry, filling in the
// developer, speed tier, and free/paid category the record itself omits.
func Derive(raw gateway.RawModel, ep gateway.Endpoint) ModelOption {
	name := raw.Name
	if name == "" {
		name = raw.ID
	}

	return ModelOption{
		ID:            raw.ID,
		Name:          name,
		Description:   util.TruncateRunes(raw.Description, maxDescriptionRunes),
		Gateway:       ep.ID,
		Developer:     deriveDeveloper(raw.ID),
		ContextLength: raw.ContextLength,
		Modalities:    deriveModalities(raw.Architecture),
		Speed:         deriveSpeed(raw.ID, ep.ID),
		Category:      deriveCategory(raw, ep),
		Downloads:     raw.Downloads,
		Likes:         raw.Likes,
	}
}

// deriveDeveloper extracts the publishing organization from the model
// identifier prefix ("openai/gpt-4o" -> "OpenAI").
func deriveDeveloper(id string) string {
	prefix, _, found := strings.Cut(id, "/")
	if !found {
		prefix, _, found = strings.Cut(id, ":")
		if !found {
			return "Unknown"
		}
	}
	prefix = strings.ToLower(prefix)
	if name, ok := developerNames[prefix]; ok {
		return name
	}
	return titleCase(prefix)
}

func titleCase(s string) string {
	if s == "" {
		return "Unknown"
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '_' })
	for i, p := range parts {
		runes := []rune(p)
		runes[0] = unicode.ToUpper(runes[0])
		parts[i] = string(runes)
	}
	return strings.Join(parts, " ")
}

// deriveSpeed classifies serving latency from the gateway id and any
// provider tag embedded in the model identifier.
func deriveSpeed(modelID, gatewayID string) SpeedTier {
	probe := strings.ToLower(gatewayID + "/" + modelID)
	for p := range ultraFastProviders {
		if strings.Contains(probe, p) {
			return SpeedUltraFast
		}
	}
	for p := range fastProviders {
		if strings.Contains(probe, p) {
			return SpeedFast
		}
	}
	return SpeedUnknown
}

// deriveCategory decides free vs paid from pricing, the ":free" identifier
// suffix, the record's own flag, or a free-only gateway.
func deriveCategory(raw gateway.RawModel, ep gateway.Endpoint) Category {
	if raw.Free || ep.FreeFlag {
		return CategoryFree
	}
	if strings.HasSuffix(raw.ID, ":free") {
		return CategoryFree
	}
	if raw.Pricing.IsFree() {
		return CategoryFree
	}
	return CategoryPaid
}

func deriveModalities(arch *gateway.Architecture) []string {
	if arch == nil {
		return nil
	}
	if len(arch.InputModalities) > 0 {
		return arch.InputModalities
	}
	return arch.Modalities
}

// =============================================================================
// SORTING
// =============================================================================

// priorityRank returns the developer's position in the fixed head order, or
// len(priorityDevelopers) when not listed.
func priorityRank(developer string) int {
	for i, d := range priorityDevelopers {
		if d == developer {
			return i
		}
	}
	return len(priorityDevelopers)
}

// SortModels orders the catalog: priority developers first in their fixed
// order, then by popularity score descending, ties broken alphabetically by
// identifier so the order is stable across refreshes.
func SortModels(models []ModelOption) {
	sort.SliceStable(models, func(i, j int) bool {
		ri, rj := priorityRank(models[i].Developer), priorityRank(models[j].Developer)
		if ri != rj {
			return ri < rj
		}
		si, sj := models[i].PopularityScore(), models[j].PopularityScore()
		if si != sj {
			return si > sj
		}
		return models[i].ID < models[j].ID
	})
}
