package account

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/account/strategies"
	"github.com/poemonsense/cloudcode-relay/internal/auth"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/errors"
	"github.com/poemonsense/cloudcode-relay/internal/store"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// Manager owns the account pool: selection, rate-limit bookkeeping,
// invalidation, credential and project caches. All mutation goes through
// the pool lock; the dispatcher never touches account fields directly.
type Manager struct {
	mu sync.RWMutex

	store    *store.Store
	accounts []*store.Account

	currentIndex int
	strategy     strategies.Strategy
	strategyName string

	credentials *Credentials
	projects    *Projects

	cfg         *config.Config
	initialized bool
}

// NewManager creates a manager over the given store.
func NewManager(st *store.Store, cfg *config.Config) *Manager {
	return &Manager{
		store:        st,
		credentials:  NewCredentials(),
		projects:     NewProjects(),
		strategyName: config.DefaultSelectionStrategy,
		cfg:          cfg,
	}
}

// Initialize loads accounts and builds the strategy. Safe to call more
// than once; later calls are no-ops until Reload.
func (m *Manager) Initialize(strategyOverride string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	if err := m.store.Load(); err != nil {
		return err
	}
	m.accounts = m.store.List()
	m.currentIndex = m.store.ActiveIndex()

	// Strategy precedence: CLI override, then config file, then default.
	if strategyOverride != "" {
		m.strategyName = strategyOverride
	} else if configured := m.cfg.GetStrategy(); configured != "" {
		m.strategyName = configured
	}

	m.strategy = strategies.NewStrategy(m.strategyName, m.strategyConfigLocked())
	if hybrid, ok := m.strategy.(*strategies.HybridStrategy); ok {
		if threshold := m.cfg.GlobalQuotaThreshold; threshold > 0 {
			hybrid.SetGlobalThreshold(&threshold)
		}
	}
	utils.Info("[AccountManager] Using %s selection strategy", strategies.GetStrategyLabel(m.strategyName))

	m.sweepExpiredLocked()
	m.initialized = true
	return nil
}

func (m *Manager) strategyConfigLocked() *strategies.Config {
	sc := &strategies.Config{Weights: strategies.DefaultWeights()}
	sel := m.cfg.AccountSelection
	if sel.HealthScore != nil {
		sc.HealthScore = *sel.HealthScore
	}
	if sel.TokenBucket != nil {
		sc.TokenBucket = *sel.TokenBucket
	}
	if sel.Quota != nil {
		sc.Quota = *sel.Quota
	}
	if sel.Weights != nil {
		sc.Weights = &strategies.WeightConfig{
			Health: sel.Weights.Health,
			Tokens: sel.Weights.Tokens,
			Quota:  sel.Weights.Quota,
			LRU:    sel.Weights.Lru,
		}
	}
	return sc
}

// Reload re-reads the store (external edits included) while preserving
// transient per-account state by email matching.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Reload(); err != nil {
		return err
	}
	m.accounts = m.store.List()
	if m.currentIndex >= len(m.accounts) {
		m.currentIndex = 0
	}
	utils.Info("[AccountManager] Accounts reloaded from disk")
	return nil
}

// SetStrategy swaps the active strategy at runtime. The pool lock
// serialises the transition; strategy-owned state starts fresh.
func (m *Manager) SetStrategy(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !strategies.IsValidStrategy(name) {
		utils.Warn("[AccountManager] Ignoring invalid strategy %q", name)
		return
	}
	m.strategyName = name
	m.strategy = strategies.NewStrategy(name, m.strategyConfigLocked())
	m.cfg.SetStrategy(name)
	utils.Info("[AccountManager] Switched to %s strategy", strategies.GetStrategyLabel(name))
}

// GetAccountCount returns the pool size.
func (m *Manager) GetAccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// GetAllAccounts returns a snapshot of the pool slice.
func (m *Manager) GetAllAccounts() []*store.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// SelectionResult is the outcome of a selection call.
type SelectionResult struct {
	Account *store.Account
	WaitMs  int64
}

// SelectAccount sweeps expired rate-limit marks and delegates to the
// active strategy.
func (m *Manager) SelectAccount(modelID string) (*SelectionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, errors.New("account manager not initialized", "NOT_INITIALIZED", false, nil)
	}
	if len(m.accounts) == 0 {
		return nil, errors.NewNoAccountsError("No accounts configured", false)
	}

	m.sweepExpiredLocked()

	result := m.strategy.SelectAccount(m.accounts, modelID, strategies.SelectOptions{
		CurrentIndex: m.currentIndex,
		OnSave:       func() { _ = m.store.Save() },
	})

	if result.Account == nil && result.WaitMs == 0 {
		return nil, errors.NewNoAccountsError("No available accounts", m.isAllRateLimitedLocked(modelID))
	}

	if result.Account != nil {
		m.currentIndex = result.Index
	}
	return &SelectionResult{Account: result.Account, WaitMs: result.WaitMs}, nil
}

// sweepExpiredLocked clears rate-limit entries whose reset has passed.
func (m *Manager) sweepExpiredLocked() {
	now := time.Now().UnixMilli()
	for _, acc := range m.accounts {
		for modelID, info := range acc.ModelRateLimits {
			if info.IsRateLimited && info.ResetTime > 0 && now >= info.ResetTime {
				acc.ClearRateLimit(modelID)
			}
		}
	}
}

// SweepExpiredRateLimits is the exported sweep used at attempt entry.
func (m *Manager) SweepExpiredRateLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepExpiredLocked()
}

// GetAvailableAccounts lists enabled, valid, non-rate-limited accounts.
func (m *Manager) GetAvailableAccounts(modelID string) []*store.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	out := make([]*store.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if acc.CoolingDownUntil > 0 && now.UnixMilli() < acc.CoolingDownUntil {
			continue
		}
		if !acc.IsRateLimitedFor(modelID, now) {
			out = append(out, acc)
		}
	}
	return out
}

// IsAllRateLimited reports whether every eligible account is rate-limited
// for the model.
func (m *Manager) IsAllRateLimited(modelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isAllRateLimitedLocked(modelID)
}

func (m *Manager) isAllRateLimitedLocked(modelID string) bool {
	now := time.Now()
	sawEligible := false
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		sawEligible = true
		if !acc.IsRateLimitedFor(modelID, now) &&
			!(acc.CoolingDownUntil > 0 && now.UnixMilli() < acc.CoolingDownUntil) {
			return false
		}
	}
	return sawEligible
}

// GetMinWaitTimeMs returns the minimum positive reset delay across
// accounts, or 0 when any account is available.
func (m *Manager) GetMinWaitTimeMs(modelID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var minWait int64 = -1

	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}

		var wait int64
		if info := acc.RateLimitFor(modelID); info != nil && info.IsRateLimited && info.ResetTime > 0 {
			wait = info.ResetTime - now.UnixMilli()
		} else if acc.CoolingDownUntil > 0 && now.UnixMilli() < acc.CoolingDownUntil {
			wait = acc.CoolingDownUntil - now.UnixMilli()
		}

		if wait <= 0 {
			return 0 // this account is available right now
		}
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}

	if minWait < 0 {
		return 0
	}
	return minWait
}

// MarkRateLimited records a rate-limit mark for (email, model) lasting
// delayMs, and counts it against the account's failure streak.
func (m *Manager) MarkRateLimited(email string, delayMs int64, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	acc.SetRateLimit(modelID, &store.RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     time.Now().UnixMilli() + delayMs,
		ActualResetMs: delayMs,
	})
	acc.ConsecutiveFailures++
	_ = m.store.Save()
}

// NotifySuccess clears the (account, model) rate-limit entry, resets the
// failure streak, bumps last-used and informs the strategy.
func (m *Manager) NotifySuccess(acc *store.Account, modelID string) {
	if acc == nil {
		return
	}

	m.mu.Lock()
	acc.ClearRateLimit(modelID)
	acc.ConsecutiveFailures = 0
	acc.CoolingDownUntil = 0
	acc.CooldownReason = ""
	acc.LastUsed = time.Now().UnixMilli()
	strategy := m.strategy
	_ = m.store.Save()
	m.mu.Unlock()

	if strategy != nil {
		strategy.OnSuccess(acc, modelID)
	}
}

// NotifyRateLimit forwards a rate-limit outcome to the strategy.
func (m *Manager) NotifyRateLimit(acc *store.Account, modelID string) {
	m.mu.RLock()
	strategy := m.strategy
	m.mu.RUnlock()
	if strategy != nil {
		strategy.OnRateLimit(acc, modelID)
	}
}

// NotifyFailure forwards a failure outcome to the strategy.
func (m *Manager) NotifyFailure(acc *store.Account, modelID string) {
	m.mu.RLock()
	strategy := m.strategy
	m.mu.RUnlock()
	if strategy != nil {
		strategy.OnFailure(acc, modelID)
	}
}

// RecordFailure bumps the account's failure streak and returns the new
// count. When the streak reaches the configured ceiling the account goes
// on extended cooldown.
func (m *Manager) RecordFailure(email, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return 0
	}
	acc.ConsecutiveFailures++
	if acc.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures {
		acc.CoolingDownUntil = time.Now().UnixMilli() + m.cfg.ExtendedCooldownMs
		acc.CooldownReason = reason
		utils.Warn("[AccountManager] %s hit %d consecutive failures, extended cooldown %s",
			utils.MaskEmail(email), acc.ConsecutiveFailures, utils.FormatDuration(m.cfg.ExtendedCooldownMs))
	}
	return acc.ConsecutiveFailures
}

// GetConsecutiveFailures returns the account's failure streak.
func (m *Manager) GetConsecutiveFailures(email string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc := m.findLocked(email); acc != nil {
		return acc.ConsecutiveFailures
	}
	return 0
}

// MarkInvalid flags an account invalid. Invalid accounts stay in the pool
// but are never selected until explicit re-enrolment.
func (m *Manager) MarkInvalid(email, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	acc.IsInvalid = true
	acc.InvalidReason = reason
	acc.InvalidAt = time.Now().UnixMilli()
	_ = m.store.Save()
	utils.Error("[AccountManager] Account %s marked invalid: %s", utils.MaskEmail(email), reason)
}

// ResetAllRateLimits clears every rate-limit mark. Used as an optimistic
// lever at dispatch entry when the whole pool appears exhausted.
func (m *Manager) ResetAllRateLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		acc.ModelRateLimits = nil
	}
	_ = m.store.Save()
}

// GetTokenForAccount resolves an access token, invalidating the account on
// permanent auth failures. Transient failures propagate as retryable.
func (m *Manager) GetTokenForAccount(ctx context.Context, acc *store.Account) (string, error) {
	token, err := m.credentials.GetAccessToken(ctx, acc)
	if err != nil {
		if IsPermanentAuthError(err) {
			m.MarkInvalid(acc.Email, err.Error())
		}
		return "", err
	}

	// A working credential clears a stale invalid flag.
	if acc.IsInvalid {
		m.mu.Lock()
		acc.IsInvalid = false
		acc.InvalidReason = ""
		_ = m.store.Save()
		m.mu.Unlock()
	}
	return token, nil
}

// GetProjectForAccount resolves the project id for an account.
func (m *Manager) GetProjectForAccount(ctx context.Context, acc *store.Account, token string) string {
	return m.projects.resolve(ctx, acc, token,
		func() { _ = m.store.Save() },
		func(info *auth.SubscriptionInfo) {
			m.UpdateAccountSubscription(acc.Email, info.Tier, info.ProjectID)
		})
}

// ClearTokenCache drops all cached tokens.
func (m *Manager) ClearTokenCache() { m.credentials.ClearCache() }

// ClearTokenCacheFor drops one account's cached token.
func (m *Manager) ClearTokenCacheFor(email string) { m.credentials.ClearCacheFor(email) }

// ClearProjectCache drops all cached project ids.
func (m *Manager) ClearProjectCache() { m.projects.ClearCache() }

// ClearProjectCacheFor drops one account's cached project id.
func (m *Manager) ClearProjectCacheFor(email string) { m.projects.ClearCacheFor(email) }

// SaveToDisk persists the pool.
func (m *Manager) SaveToDisk() error {
	return m.store.Save()
}

// UpdateAccountSubscription records a detected subscription tier.
func (m *Manager) UpdateAccountSubscription(email, tier, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	if acc.Subscription == nil {
		acc.Subscription = &store.SubscriptionInfo{}
	}
	acc.Subscription.Tier = tier
	acc.Subscription.ProjectID = projectID
	acc.Subscription.DetectedAt = time.Now().UnixMilli()
	_ = m.store.Save()
}

// QuotaSnapshot is one model's quota reading.
type QuotaSnapshot struct {
	RemainingFraction float64
	ResetTime         string
}

// UpdateAccountQuota stores a fresh quota snapshot for an account.
func (m *Manager) UpdateAccountQuota(email string, quotas map[string]QuotaSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	if acc.Quota == nil {
		acc.Quota = &store.QuotaInfo{Models: make(map[string]*store.ModelQuotaInfo)}
	}
	acc.Quota.LastChecked = time.Now().UnixMilli()
	for modelID, q := range quotas {
		acc.Quota.Models[modelID] = &store.ModelQuotaInfo{
			RemainingFraction: q.RemainingFraction,
			ResetTime:         q.ResetTime,
		}
	}
	_ = m.store.Save()
}

// AddOrUpdateAccount inserts or replaces an account, refreshing the live
// pool slice.
func (m *Manager) AddOrUpdateAccount(acc *store.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Upsert(acc); err != nil {
		return err
	}
	m.accounts = m.store.List()
	utils.Info("[AccountManager] Account %s saved", utils.MaskEmail(acc.Email))
	return nil
}

// RemoveAccount deletes an account from pool and disk.
func (m *Manager) RemoveAccount(email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Remove(email); err != nil {
		return err
	}
	m.accounts = m.store.List()
	if m.currentIndex >= len(m.accounts) {
		m.currentIndex = 0
	}
	return nil
}

// SetAccountEnabled toggles an account.
func (m *Manager) SetAccountEnabled(email string, enabled bool) error {
	return m.store.SetEnabled(email, enabled)
}

// SetAccountThresholds updates quota thresholds for an account.
func (m *Manager) SetAccountThresholds(email string, accountThreshold *float64, perModel map[string]float64) error {
	return m.store.SetThresholds(email, accountThreshold, perModel)
}

// GetAccountByEmail looks an account up.
func (m *Manager) GetAccountByEmail(email string) *store.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(email)
}

func (m *Manager) findLocked(email string) *store.Account {
	for _, acc := range m.accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// GetStrategyName returns the active strategy name.
func (m *Manager) GetStrategyName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategyName
}

// GetStrategyLabel returns the active strategy's display label.
func (m *Manager) GetStrategyLabel() string {
	return strategies.GetStrategyLabel(m.GetStrategyName())
}

// ManagerStatus summarises the pool for the status endpoints.
type ManagerStatus struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	RateLimited int              `json:"rateLimited"`
	Invalid     int              `json:"invalid"`
	Summary     string           `json:"summary"`
	Accounts    []*AccountStatus `json:"accounts"`
}

// AccountStatus is one account's status line.
type AccountStatus struct {
	Email                string                          `json:"email"`
	Source               string                          `json:"source"`
	Enabled              bool                            `json:"enabled"`
	ProjectID            string                          `json:"projectId,omitempty"`
	Tier                 string                          `json:"tier,omitempty"`
	IsInvalid            bool                            `json:"isInvalid"`
	InvalidReason        string                          `json:"invalidReason,omitempty"`
	LastUsed             int64                           `json:"lastUsed,omitempty"`
	ConsecutiveFailures  int                             `json:"consecutiveFailures,omitempty"`
	QuotaThreshold       *float64                        `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64              `json:"modelQuotaThresholds,omitempty"`
	ModelRateLimits      map[string]*store.RateLimitInfo `json:"modelRateLimits,omitempty"`
}

// GetStatus builds the pool summary.
func (m *Manager) GetStatus() *ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	status := &ManagerStatus{
		Total:    len(m.accounts),
		Accounts: make([]*AccountStatus, 0, len(m.accounts)),
	}

	for _, acc := range m.accounts {
		entry := &AccountStatus{
			Email:                acc.Email,
			Source:               acc.Source,
			Enabled:              acc.Enabled,
			ProjectID:            acc.ProjectID,
			IsInvalid:            acc.IsInvalid,
			InvalidReason:        acc.InvalidReason,
			LastUsed:             acc.LastUsed,
			ConsecutiveFailures:  acc.ConsecutiveFailures,
			QuotaThreshold:       acc.QuotaThreshold,
			ModelQuotaThresholds: acc.ModelQuotaThresholds,
			ModelRateLimits:      acc.ModelRateLimits,
		}
		if acc.Subscription != nil {
			entry.Tier = acc.Subscription.Tier
		}

		switch {
		case !acc.Enabled || acc.IsInvalid:
			status.Invalid++
		case rateLimitedForAny(acc, now):
			status.RateLimited++
		default:
			status.Available++
		}

		status.Accounts = append(status.Accounts, entry)
	}

	switch {
	case status.Total == 0:
		status.Summary = "No accounts configured"
	case status.Available == status.Total:
		status.Summary = "All accounts available"
	default:
		status.Summary = utils.TruncateString(
			formatSummary(status.Available, status.RateLimited, status.Invalid, status.Total), 100)
	}
	return status
}

func rateLimitedForAny(acc *store.Account, now time.Time) bool {
	for modelID := range acc.ModelRateLimits {
		if acc.IsRateLimitedFor(modelID, now) {
			return true
		}
	}
	return false
}

func formatSummary(available, rateLimited, invalid, total int) string {
	var parts []string
	if available > 0 {
		parts = append(parts, fmt.Sprintf("%d available", available))
	}
	if rateLimited > 0 {
		parts = append(parts, fmt.Sprintf("%d rate-limited", rateLimited))
	}
	if invalid > 0 {
		parts = append(parts, fmt.Sprintf("%d invalid/disabled", invalid))
	}
	return fmt.Sprintf("%s of %d", strings.Join(parts, ", "), total)
}

// StrategyHealthData reports per-account strategy internals.
type StrategyHealthData struct {
	Strategy    string              `json:"strategy"`
	Accounts    []AccountHealthData `json:"accounts"`
	LastUpdated int64               `json:"lastUpdated"`
}

// AccountHealthData is one account's strategy view.
type AccountHealthData struct {
	Email            string  `json:"email"`
	HealthScore      float64 `json:"healthScore"`
	TokensAvailable  float64 `json:"tokensAvailable"`
	ConsecutiveFails int     `json:"consecutiveFails"`
	LastUsed         int64   `json:"lastUsed"`
}

// GetStrategyHealthData exposes hybrid tracker internals for the status
// endpoints; other strategies report zeros.
func (m *Manager) GetStrategyHealthData() *StrategyHealthData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data := &StrategyHealthData{
		Strategy:    m.strategyName,
		LastUpdated: time.Now().UnixMilli(),
	}

	hybrid, _ := m.strategy.(*strategies.HybridStrategy)

	for _, acc := range m.accounts {
		entry := AccountHealthData{
			Email:            acc.Email,
			LastUsed:         acc.LastUsed,
			ConsecutiveFails: acc.ConsecutiveFailures,
		}
		if hybrid != nil {
			entry.HealthScore = hybrid.GetHealthTracker().GetScore(acc.Email)
			entry.TokensAvailable = hybrid.GetTokenBucketTracker().GetTokens(acc.Email)
		}
		data.Accounts = append(data.Accounts, entry)
	}
	return data
}
