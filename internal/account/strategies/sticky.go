package strategies

import (
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/store"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// StickyStrategy keeps hitting the same account for prompt-cache
// continuity, only switching when it becomes unavailable for longer than
// the wait threshold.
type StickyStrategy struct {
	*BaseStrategy
}

// NewStickyStrategy creates a StickyStrategy.
func NewStickyStrategy(cfg *Config) *StickyStrategy {
	return &StickyStrategy{BaseStrategy: NewBaseStrategy(cfg)}
}

// SelectAccount prefers the current account. When it is briefly
// rate-limited (reset within the wait threshold) and no other account is
// free, it returns a wait hint instead of switching; otherwise it rotates
// to the next usable account.
func (s *StickyStrategy) SelectAccount(accounts []*store.Account, modelID string, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Index: options.CurrentIndex}
	}

	index := options.CurrentIndex
	if index >= len(accounts) || index < 0 {
		index = 0
	}
	current := accounts[index]

	if s.IsAccountUsable(current, modelID) {
		current.LastUsed = time.Now().UnixMilli()
		if options.OnSave != nil {
			options.OnSave()
		}
		return &SelectionResult{Account: current, Index: index}
	}

	// Another account is free: switch immediately.
	if len(s.GetUsableAccounts(accounts, modelID)) > 0 {
		if account, idx := s.pickNext(accounts, index, modelID, options.OnSave); account != nil {
			utils.Info("[StickyStrategy] Switched to account (failover): %s", utils.MaskEmail(account.Email))
			return &SelectionResult{Account: account, Index: idx}
		}
	}

	// Nothing else is free; wait for the sticky account if its reset is
	// close enough.
	if shouldWait, waitMs := s.shouldWaitForAccount(current, modelID); shouldWait {
		utils.Info("[StickyStrategy] Waiting %s for sticky account: %s",
			utils.FormatDuration(waitMs), utils.MaskEmail(current.Email))
		return &SelectionResult{Index: index, WaitMs: waitMs}
	}

	account, idx := s.pickNext(accounts, index, modelID, options.OnSave)
	return &SelectionResult{Account: account, Index: idx}
}

func (s *StickyStrategy) pickNext(accounts []*store.Account, currentIndex int, modelID string, onSave func()) (*store.Account, int) {
	for i := 1; i <= len(accounts); i++ {
		idx := (currentIndex + i) % len(accounts)
		account := accounts[idx]
		if s.IsAccountUsable(account, modelID) {
			account.LastUsed = time.Now().UnixMilli()
			if onSave != nil {
				onSave()
			}
			utils.Info("[StickyStrategy] Using account: %s (%d/%d)",
				utils.MaskEmail(account.Email), idx+1, len(accounts))
			return account, idx
		}
	}
	return nil, currentIndex
}

func (s *StickyStrategy) shouldWaitForAccount(account *store.Account, modelID string) (bool, int64) {
	if account == nil || account.IsInvalid || !account.Enabled {
		return false, 0
	}

	var waitMs int64
	if modelID != "" {
		if info := account.RateLimitFor(modelID); info != nil && info.IsRateLimited && info.ResetTime > 0 {
			waitMs = info.ResetTime - time.Now().UnixMilli()
		}
	}

	if waitMs > 0 && waitMs <= config.MaxWaitBeforeErrorMs {
		return true, waitMs
	}
	return false, 0
}
