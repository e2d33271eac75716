package strategies

import (
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/store"
)

// BaseStrategy carries the usability checks shared by every policy.
type BaseStrategy struct {
	config *Config
}

// NewBaseStrategy creates the shared base.
func NewBaseStrategy(cfg *Config) *BaseStrategy {
	return &BaseStrategy{config: cfg}
}

// IsAccountUsable reports whether an account may serve the model right
// now: enabled, valid, not cooling down, not rate-limited for the model.
func (s *BaseStrategy) IsAccountUsable(account *store.Account, modelID string) bool {
	if account == nil || account.IsInvalid || !account.Enabled {
		return false
	}
	if s.IsAccountCoolingDown(account) {
		return false
	}
	if modelID != "" && account.IsRateLimitedFor(modelID, time.Now()) {
		return false
	}
	return true
}

// IsAccountCoolingDown checks the extended-cooldown window, clearing it
// once elapsed.
func (s *BaseStrategy) IsAccountCoolingDown(account *store.Account) bool {
	if account == nil || account.CoolingDownUntil == 0 {
		return false
	}
	if time.Now().UnixMilli() >= account.CoolingDownUntil {
		account.CoolingDownUntil = 0
		account.CooldownReason = ""
		return false
	}
	return true
}

// AccountWithIndex pairs an account with its pool index.
type AccountWithIndex struct {
	Account *store.Account
	Index   int
}

// GetUsableAccounts filters the pool for the model.
func (s *BaseStrategy) GetUsableAccounts(accounts []*store.Account, modelID string) []AccountWithIndex {
	result := make([]AccountWithIndex, 0, len(accounts))
	for i, account := range accounts {
		if s.IsAccountUsable(account, modelID) {
			result = append(result, AccountWithIndex{Account: account, Index: i})
		}
	}
	return result
}

// OnSuccess is a no-op default.
func (s *BaseStrategy) OnSuccess(account *store.Account, modelID string) {}

// OnRateLimit is a no-op default.
func (s *BaseStrategy) OnRateLimit(account *store.Account, modelID string) {}

// OnFailure is a no-op default.
func (s *BaseStrategy) OnFailure(account *store.Account, modelID string) {}
