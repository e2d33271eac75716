package strategies

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/account/strategies/trackers"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/store"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// FallbackLevel records how far down the exclusion ladder a selection had
// to reach.
type FallbackLevel string

const (
	FallbackNormal     FallbackLevel = "normal"
	FallbackQuota      FallbackLevel = "quota"
	FallbackEmergency  FallbackLevel = "emergency"
	FallbackLastResort FallbackLevel = "lastResort"
)

// HybridStrategy scores candidates by health, token bucket, quota and
// freshness:
//
//	score = health*w_h + (tokens/max*100)*w_t + quota*w_q + lruSeconds*w_lru
//
// Accounts failing a filter are excluded; when every account fails, the
// filters relax in stages (quota, then health, then the token bucket),
// each stage adding a dispatcher throttle.
type HybridStrategy struct {
	*BaseStrategy
	healthTracker      *trackers.HealthTracker
	tokenBucketTracker *trackers.TokenBucketTracker
	quotaTracker       *trackers.QuotaTracker
	weights            *WeightConfig
	globalThreshold    *float64
}

// NewHybridStrategy creates a HybridStrategy.
func NewHybridStrategy(cfg *Config) *HybridStrategy {
	weights := DefaultWeights()
	var healthCfg config.HealthScoreConfig
	var tokenCfg config.TokenBucketConfig
	var quotaCfg config.QuotaConfig
	if cfg != nil {
		healthCfg = cfg.HealthScore
		tokenCfg = cfg.TokenBucket
		quotaCfg = cfg.Quota
		if cfg.Weights != nil {
			weights = cfg.Weights
		}
	}

	return &HybridStrategy{
		BaseStrategy:       NewBaseStrategy(cfg),
		healthTracker:      trackers.NewHealthTracker(healthCfg),
		tokenBucketTracker: trackers.NewTokenBucketTracker(tokenCfg),
		quotaTracker:       trackers.NewQuotaTracker(quotaCfg),
		weights:            weights,
	}
}

// SetGlobalThreshold sets the pool-wide quota threshold.
func (s *HybridStrategy) SetGlobalThreshold(threshold *float64) {
	s.globalThreshold = threshold
}

// SelectAccount scores the candidates and picks the best one.
func (s *HybridStrategy) SelectAccount(accounts []*store.Account, modelID string, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{}
	}

	candidates, fallbackLevel := s.getCandidates(accounts, modelID)
	if len(candidates) == 0 {
		reason, waitMs := s.diagnoseNoCandidates(accounts, modelID)
		utils.Warn("[HybridStrategy] No candidates available: %s", reason)
		return &SelectionResult{WaitMs: waitMs}
	}

	type scoredCandidate struct {
		account *store.Account
		index   int
		score   float64
	}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoredCandidate{
			account: c.Account,
			index:   c.Index,
			score:   s.calculateScore(c.Account, modelID),
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	best := scored[0]
	best.account.LastUsed = time.Now().UnixMilli()

	// Last-resort mode bypassed the token check, so nothing to consume.
	if fallbackLevel != FallbackLastResort {
		s.tokenBucketTracker.Consume(best.account.Email)
	}

	if options.OnSave != nil {
		options.OnSave()
	}

	var waitMs int64
	switch fallbackLevel {
	case FallbackLastResort:
		waitMs = 500
	case FallbackEmergency:
		waitMs = 250
	}

	fallbackInfo := ""
	if fallbackLevel != FallbackNormal {
		fallbackInfo = fmt.Sprintf(", fallback: %s", fallbackLevel)
	}
	utils.Info("[HybridStrategy] Using account: %s (%d/%d, score: %.1f%s)",
		utils.MaskEmail(best.account.Email), best.index+1, len(accounts), best.score, fallbackInfo)

	return &SelectionResult{Account: best.account, Index: best.index, WaitMs: waitMs}
}

// OnSuccess rewards the account's health score.
func (s *HybridStrategy) OnSuccess(account *store.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordSuccess(account.Email)
	}
}

// OnRateLimit penalises the account's health score.
func (s *HybridStrategy) OnRateLimit(account *store.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordRateLimit(account.Email)
	}
}

// OnFailure penalises health and refunds the unconsumed token.
func (s *HybridStrategy) OnFailure(account *store.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordFailure(account.Email)
		s.tokenBucketTracker.Refund(account.Email)
	}
}

func (s *HybridStrategy) getCandidates(accounts []*store.Account, modelID string) ([]AccountWithIndex, FallbackLevel) {
	filter := func(checkHealth, checkTokens, checkQuota bool) []AccountWithIndex {
		out := make([]AccountWithIndex, 0, len(accounts))
		for i, account := range accounts {
			if !s.IsAccountUsable(account, modelID) {
				continue
			}
			if checkHealth && !s.healthTracker.IsUsable(account.Email) {
				continue
			}
			if checkTokens && !s.tokenBucketTracker.HasTokens(account.Email) {
				continue
			}
			if checkQuota && s.quotaTracker.IsQuotaCritical(account, modelID, s.effectiveThreshold(account, modelID)) {
				continue
			}
			out = append(out, AccountWithIndex{Account: account, Index: i})
		}
		return out
	}

	if candidates := filter(true, true, true); len(candidates) > 0 {
		return candidates, FallbackNormal
	}
	if candidates := filter(true, true, false); len(candidates) > 0 {
		utils.Warn("[HybridStrategy] All accounts have critical quota, using quota fallback")
		return candidates, FallbackQuota
	}
	if candidates := filter(false, true, false); len(candidates) > 0 {
		utils.Warn("[HybridStrategy] All accounts unhealthy, using emergency fallback")
		return candidates, FallbackEmergency
	}
	if candidates := filter(false, false, false); len(candidates) > 0 {
		utils.Warn("[HybridStrategy] All accounts exhausted, using last resort")
		return candidates, FallbackLastResort
	}
	return nil, FallbackNormal
}

// effectiveThreshold resolves the quota threshold: per-model, then
// per-account, then global.
func (s *HybridStrategy) effectiveThreshold(account *store.Account, modelID string) *float64 {
	if account.ModelQuotaThresholds != nil {
		if threshold, ok := account.ModelQuotaThresholds[modelID]; ok {
			return &threshold
		}
	}
	if account.QuotaThreshold != nil {
		return account.QuotaThreshold
	}
	return s.globalThreshold
}

func (s *HybridStrategy) calculateScore(account *store.Account, modelID string) float64 {
	email := account.Email

	healthComponent := s.healthTracker.GetScore(email) * s.weights.Health

	tokens := s.tokenBucketTracker.GetTokens(email)
	tokenComponent := (tokens / s.tokenBucketTracker.GetMaxTokens() * 100) * s.weights.Tokens

	quotaComponent := s.quotaTracker.GetScore(account, modelID) * s.weights.Quota

	sinceLastUse := time.Now().UnixMilli() - account.LastUsed
	if sinceLastUse > 3_600_000 {
		sinceLastUse = 3_600_000
	}
	lruComponent := float64(sinceLastUse) / 1000 * s.weights.LRU

	return healthComponent + tokenComponent + quotaComponent + lruComponent
}

func (s *HybridStrategy) diagnoseNoCandidates(accounts []*store.Account, modelID string) (string, int64) {
	var unusable, unhealthy, noTokens, criticalQuota int
	var tokenStarved []string

	for _, account := range accounts {
		switch {
		case !s.IsAccountUsable(account, modelID):
			unusable++
		case !s.healthTracker.IsUsable(account.Email):
			unhealthy++
		case !s.tokenBucketTracker.HasTokens(account.Email):
			noTokens++
			tokenStarved = append(tokenStarved, account.Email)
		case s.quotaTracker.IsQuotaCritical(account, modelID, s.effectiveThreshold(account, modelID)):
			criticalQuota++
		}
	}

	if noTokens > 0 && unusable == 0 && unhealthy == 0 {
		waitMs := s.tokenBucketTracker.GetMinTimeUntilToken(tokenStarved)
		return fmt.Sprintf("all %d account(s) exhausted token bucket, waiting for refill", noTokens), waitMs
	}

	var parts []string
	if unusable > 0 {
		parts = append(parts, fmt.Sprintf("%d unusable/disabled", unusable))
	}
	if unhealthy > 0 {
		parts = append(parts, fmt.Sprintf("%d unhealthy", unhealthy))
	}
	if noTokens > 0 {
		parts = append(parts, fmt.Sprintf("%d no tokens", noTokens))
	}
	if criticalQuota > 0 {
		parts = append(parts, fmt.Sprintf("%d critical quota", criticalQuota))
	}

	reason := "unknown"
	if len(parts) > 0 {
		reason = strings.Join(parts, ", ")
	}
	return reason, 0
}

// GetHealthTracker exposes the health tracker for status inspection.
func (s *HybridStrategy) GetHealthTracker() *trackers.HealthTracker {
	return s.healthTracker
}

// GetTokenBucketTracker exposes the token bucket for status inspection.
func (s *HybridStrategy) GetTokenBucketTracker() *trackers.TokenBucketTracker {
	return s.tokenBucketTracker
}

// GetQuotaTracker exposes the quota tracker for status inspection.
func (s *HybridStrategy) GetQuotaTracker() *trackers.QuotaTracker {
	return s.quotaTracker
}
