// Package limits maps (provider, model) pairs to context-window sizes
// and the derived compaction thresholds. Lookups never fail: resolution
// falls back from exact model to provider default to a conservative
// global default, so callers always get a usable config.
package limits

import (
	"sort"
	"strings"
	"sync"
)

// ContextWindowConfig describes the token budget for one model.
// Thresholds are fractions of MaxTokens.
type ContextWindowConfig struct {
	MaxTokens                int     `yaml:"maxTokens" json:"maxTokens"`
	WarningThreshold         float64 `yaml:"warningThreshold" json:"warningThreshold"`
	CriticalThreshold        float64 `yaml:"criticalThreshold" json:"criticalThreshold"`
	HardLimit                float64 `yaml:"hardLimit" json:"hardLimit"`
	KeepRecentMessages       int     `yaml:"keepRecentMessages" json:"keepRecentMessages"`
	MinMessagesForCompaction int     `yaml:"minMessagesForCompaction" json:"minMessagesForCompaction"`
	SupportsStreaming        bool    `yaml:"supportsStreaming" json:"supportsStreaming"`
}

// Thresholds are the absolute token counts derived from the fractional
// thresholds.
type Thresholds struct {
	WarningTokens   int
	CriticalTokens  int
	HardLimitTokens int
}

// Thresholds multiplies the fractional thresholds into absolute counts.
func (c ContextWindowConfig) Thresholds() Thresholds {
	return Thresholds{
		WarningTokens:   int(float64(c.MaxTokens) * c.WarningThreshold),
		CriticalTokens:  int(float64(c.MaxTokens) * c.CriticalThreshold),
		HardLimitTokens: int(float64(c.MaxTokens) * c.HardLimit),
	}
}

// Default thresholds applied wherever a model or provider entry doesn't
// override them.
const (
	DefaultWarningThreshold  = 0.75
	DefaultCriticalThreshold = 0.90
	DefaultHardLimit         = 0.95

	DefaultKeepRecentMessages       = 10
	DefaultMinMessagesForCompaction = 20

	// GlobalDefaultMaxTokens is the conservative fallback window for
	// unknown models.
	GlobalDefaultMaxTokens = 128_000
)

func withDefaults(maxTokens int, streaming bool) ContextWindowConfig {
	return ContextWindowConfig{
		MaxTokens:                maxTokens,
		WarningThreshold:         DefaultWarningThreshold,
		CriticalThreshold:        DefaultCriticalThreshold,
		HardLimit:                DefaultHardLimit,
		KeepRecentMessages:       DefaultKeepRecentMessages,
		MinMessagesForCompaction: DefaultMinMessagesForCompaction,
		SupportsStreaming:        streaming,
	}
}

// builtinModels are exact model-ID entries shipped with the binary.
// The override file can add or replace entries at runtime.
var builtinModels = map[string]ContextWindowConfig{
	"claude-opus-4":        withDefaults(200_000, true),
	"claude-sonnet-4":      withDefaults(200_000, true),
	"claude-3-7-sonnet":    withDefaults(200_000, true),
	"claude-3-5-haiku":     withDefaults(200_000, true),
	"gpt-4o":               withDefaults(128_000, true),
	"gpt-4o-mini":          withDefaults(128_000, true),
	"gpt-4.1":              withDefaults(1_000_000, true),
	"o3-mini":              withDefaults(200_000, true),
	"gemini-2.0-flash":     withDefaults(1_000_000, true),
	"gemini-2.5-pro":       withDefaults(1_000_000, true),
	"llama3.1":             withDefaults(128_000, true),
	"qwen2.5":              withDefaults(32_768, true),
}

// builtinModelsByLength holds the builtin model IDs longest-first, so
// prefix matching is deterministic and picks the most specific base
// entry (gpt-4o-mini-2024-07-18 resolves to gpt-4o-mini, not gpt-4o).
var builtinModelsByLength = func() []string {
	keys := make([]string, 0, len(builtinModels))
	for k := range builtinModels {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}()

// builtinProviders are provider-level fallbacks, matched when no exact
// model entry exists.
var builtinProviders = map[string]ContextWindowConfig{
	"anthropic": withDefaults(200_000, true),
	"openai":    withDefaults(128_000, true),
	"google":    withDefaults(1_000_000, true),
	"ollama":    withDefaults(8_192, true),
}

// Registry resolves context-window configs. Zero value is usable; an
// override file can be attached with LoadOverrides/Watch.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]ContextWindowConfig
	providers map[string]ContextWindowConfig

	watcherStop chan struct{}
}

// NewRegistry returns a registry with the built-in tables.
func NewRegistry() *Registry {
	return &Registry{}
}

// ContextWindowConfig resolves the config for a model. Resolution order:
// exact model match, provider default, global conservative default.
// Model IDs may carry a "provider/model" prefix; the bare model name is
// also tried.
func (r *Registry) ContextWindowConfig(modelID, provider string) ContextWindowConfig {
	r.mu.RLock()
	overrideModels := r.models
	overrideProviders := r.providers
	r.mu.RUnlock()

	candidates := []string{modelID}
	if idx := strings.IndexByte(modelID, '/'); idx >= 0 {
		if provider == "" {
			provider = modelID[:idx]
		}
		candidates = append(candidates, modelID[idx+1:])
	}

	for _, id := range candidates {
		if cfg, ok := overrideModels[id]; ok {
			return cfg
		}
		if cfg, ok := builtinModels[id]; ok {
			return cfg
		}
		// Versioned IDs like claude-sonnet-4-20250514 match their base entry.
		for _, base := range builtinModelsByLength {
			if strings.HasPrefix(id, base) {
				return builtinModels[base]
			}
		}
	}

	if provider != "" {
		key := strings.ToLower(provider)
		if cfg, ok := overrideProviders[key]; ok {
			return cfg
		}
		if cfg, ok := builtinProviders[key]; ok {
			return cfg
		}
	}

	return withDefaults(GlobalDefaultMaxTokens, true)
}
