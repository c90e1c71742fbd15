// Package versioning takes point-in-time snapshots of the store, keeps them
// as full copies or deltas against a parent, reconstructs and checks them
// out, and promotes hot deltas to full copies.
package versioning

import (
	"github.com/scrypster/locai/internal/retention"
	"github.com/scrypster/locai/pkg/types"
)

// CacheStrategy picks the reconstruction cache implementation.
type CacheStrategy string

// Cache strategies
const (
	CacheAuto     CacheStrategy = "auto"
	CacheServer   CacheStrategy = "server"
	CacheEmbedded CacheStrategy = "embedded"
)

// Config controls snapshot storage, promotion and caching.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`

	// DeltaThreshold forces a full snapshot once a delta chain would reach
	// this many versions. 0 disables the rule.
	DeltaThreshold int `json:"delta_threshold" yaml:"delta_threshold" toml:"delta_threshold"`

	// MaxDeltaChainLength is the hard cap on consecutive deltas.
	MaxDeltaChainLength int `json:"max_delta_chain_length" yaml:"max_delta_chain_length" toml:"max_delta_chain_length"`

	EnableAutoPromotion      bool   `json:"enable_auto_promotion" yaml:"enable_auto_promotion" toml:"enable_auto_promotion"`
	PromotionAccessThreshold uint32 `json:"promotion_access_threshold" yaml:"promotion_access_threshold" toml:"promotion_access_threshold"`
	PromotionTimeWindowHours uint64 `json:"promotion_time_window_hours" yaml:"promotion_time_window_hours" toml:"promotion_time_window_hours"`
	PromotionCostThresholdMs uint64 `json:"promotion_cost_threshold_ms" yaml:"promotion_cost_threshold_ms" toml:"promotion_cost_threshold_ms"`

	// DeltaRetentionHours is how long a promoted version keeps its delta.
	DeltaRetentionHours uint64 `json:"delta_retention_hours" yaml:"delta_retention_hours" toml:"delta_retention_hours"`

	EnableReconstructionCache bool          `json:"enable_reconstruction_cache" yaml:"enable_reconstruction_cache" toml:"enable_reconstruction_cache"`
	CacheSize                 int           `json:"cache_size" yaml:"cache_size" toml:"cache_size"`
	CacheTTLSeconds           uint64        `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds" toml:"cache_ttl_seconds"`
	CacheStrategy             CacheStrategy `json:"cache_strategy" yaml:"cache_strategy" toml:"cache_strategy"`

	// ServerMode overrides cache strategy detection when set.
	ServerMode *bool `json:"server_mode,omitempty" yaml:"server_mode,omitempty" toml:"server_mode,omitempty"`

	// Retention tiers for the sweep; all zero disables it.
	Retention retention.Policy `json:"retention" yaml:"retention" toml:"retention"`
}

// DefaultConfig returns the default versioning configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		DeltaThreshold:            10,
		MaxDeltaChainLength:       50,
		EnableAutoPromotion:       true,
		PromotionAccessThreshold:  5,
		PromotionTimeWindowHours:  24,
		PromotionCostThresholdMs:  50,
		DeltaRetentionHours:       168,
		EnableReconstructionCache: true,
		CacheSize:                 1000,
		CacheTTLSeconds:           3600,
		CacheStrategy:             CacheAuto,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DeltaThreshold < 0 {
		return types.Errorf(types.KindConfiguration, "versioning.delta_threshold must be >= 0, got %d", c.DeltaThreshold)
	}
	if c.MaxDeltaChainLength <= 0 {
		return types.Errorf(types.KindConfiguration, "versioning.max_delta_chain_length must be > 0, got %d", c.MaxDeltaChainLength)
	}
	if c.EnableAutoPromotion && c.PromotionAccessThreshold == 0 {
		return types.NewError(types.KindConfiguration, "versioning.promotion_access_threshold must be > 0")
	}
	if c.EnableReconstructionCache && c.CacheSize <= 0 {
		return types.Errorf(types.KindConfiguration, "versioning.cache_size must be > 0, got %d", c.CacheSize)
	}
	switch c.CacheStrategy {
	case CacheAuto, CacheServer, CacheEmbedded:
	default:
		return types.Errorf(types.KindConfiguration, "versioning.cache_strategy %q is not one of auto, server, embedded", c.CacheStrategy)
	}
	return c.Retention.Validate()
}
