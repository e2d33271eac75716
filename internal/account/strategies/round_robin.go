package strategies

import (
	"sync"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/store"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// RoundRobinStrategy rotates through the pool on every request. No cache
// continuity, maximum concurrency spread.
type RoundRobinStrategy struct {
	*BaseStrategy
	mu     sync.Mutex
	cursor int
}

// NewRoundRobinStrategy creates a RoundRobinStrategy.
func NewRoundRobinStrategy(cfg *Config) *RoundRobinStrategy {
	return &RoundRobinStrategy{BaseStrategy: NewBaseStrategy(cfg)}
}

// SelectAccount advances the cursor to the next usable account, skipping
// disabled, invalid and rate-limited entries. It never suggests waiting;
// an exhausted pool returns an empty result.
func (s *RoundRobinStrategy) SelectAccount(accounts []*store.Account, modelID string, options SelectOptions) *SelectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(accounts) == 0 {
		return &SelectionResult{}
	}

	if s.cursor >= len(accounts) {
		s.cursor = 0
	}

	start := (s.cursor + 1) % len(accounts)
	for i := 0; i < len(accounts); i++ {
		idx := (start + i) % len(accounts)
		account := accounts[idx]

		if s.IsAccountUsable(account, modelID) {
			account.LastUsed = time.Now().UnixMilli()
			s.cursor = idx
			if options.OnSave != nil {
				options.OnSave()
			}
			utils.Info("[RoundRobinStrategy] Using account: %s (%d/%d)",
				utils.MaskEmail(account.Email), idx+1, len(accounts))
			return &SelectionResult{Account: account, Index: idx}
		}
	}

	return &SelectionResult{Index: s.cursor}
}

// ResetCursor rewinds the rotation (strategy switch hook).
func (s *RoundRobinStrategy) ResetCursor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
}
