// Package strategies implements the pluggable account selection policies:
// sticky (cache locality), round-robin (even spread) and hybrid (scored).
// Strategies see the pool read-only; all account mutation stays in the
// pool manager.
package strategies

import (
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/store"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// SelectOptions carries per-call selection context.
type SelectOptions struct {
	// CurrentIndex is the sticky cursor owned by the pool manager.
	CurrentIndex int
	// OnSave is invoked when the strategy touched persisted account fields.
	OnSave func()
}

// SelectionResult is a strategy decision: an account, or a wait hint, or
// both (hybrid's emergency throttles return an account plus a short wait).
type SelectionResult struct {
	Account *store.Account
	Index   int
	WaitMs  int64
}

// Strategy is the capability set shared by all selection policies.
type Strategy interface {
	SelectAccount(accounts []*store.Account, modelID string, options SelectOptions) *SelectionResult
	OnSuccess(account *store.Account, modelID string)
	OnRateLimit(account *store.Account, modelID string)
	OnFailure(account *store.Account, modelID string)
}

// Config bundles the tracker tunables handed to strategies.
type Config struct {
	HealthScore config.HealthScoreConfig
	TokenBucket config.TokenBucketConfig
	Quota       config.QuotaConfig
	Weights     *WeightConfig
}

// WeightConfig holds the hybrid scoring weights.
type WeightConfig struct {
	Health float64
	Tokens float64
	Quota  float64
	LRU    float64
}

// DefaultWeights returns the default hybrid weights.
func DefaultWeights() *WeightConfig {
	return &WeightConfig{Health: 2.0, Tokens: 5.0, Quota: 3.0, LRU: 0.1}
}

// NewStrategy builds the named strategy, defaulting to hybrid.
func NewStrategy(strategyName string, cfg *Config) Strategy {
	name := strategyName
	if name == "" {
		name = config.DefaultSelectionStrategy
	}

	switch name {
	case config.StrategySticky:
		return NewStickyStrategy(cfg)
	case config.StrategyRoundRobin, "roundrobin":
		return NewRoundRobinStrategy(cfg)
	case config.StrategyHybrid:
		return NewHybridStrategy(cfg)
	default:
		utils.Warn("[Strategy] Unknown strategy %q, falling back to %s", strategyName, config.DefaultSelectionStrategy)
		return NewHybridStrategy(cfg)
	}
}

// IsValidStrategy reports whether name selects a known strategy.
func IsValidStrategy(name string) bool {
	switch name {
	case config.StrategySticky, config.StrategyRoundRobin, config.StrategyHybrid, "roundrobin":
		return true
	default:
		return false
	}
}

// GetStrategyLabel returns the display label for a strategy name.
func GetStrategyLabel(name string) string {
	if name == "" {
		name = config.DefaultSelectionStrategy
	}
	if name == "roundrobin" {
		name = config.StrategyRoundRobin
	}
	if label, ok := config.StrategyLabels[name]; ok {
		return label
	}
	return config.StrategyLabels[config.DefaultSelectionStrategy]
}
