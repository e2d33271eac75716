// Package trackers holds the per-account state trackers feeding the
// hybrid selection strategy.
package trackers

import (
	"sync"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/config"
)

// HealthRecord is the tracked health state for one account.
type HealthRecord struct {
	Score               float64
	LastUpdated         time.Time
	ConsecutiveFailures int
}

// HealthTracker scores accounts by outcome history. Success nudges the
// score up, rate limits and failures push it down, and idle time recovers
// it linearly.
type HealthTracker struct {
	mu     sync.RWMutex
	scores map[string]*HealthRecord
	config config.HealthScoreConfig
}

// NewHealthTracker creates a tracker, filling unset config with defaults.
func NewHealthTracker(cfg config.HealthScoreConfig) *HealthTracker {
	if cfg.Initial == 0 {
		cfg.Initial = 70
	}
	if cfg.SuccessReward == 0 {
		cfg.SuccessReward = 1
	}
	if cfg.RateLimitPenalty == 0 {
		cfg.RateLimitPenalty = -10
	}
	if cfg.FailurePenalty == 0 {
		cfg.FailurePenalty = -20
	}
	if cfg.RecoveryPerHour == 0 {
		cfg.RecoveryPerHour = 10
	}
	if cfg.MinUsable == 0 {
		cfg.MinUsable = 50
	}
	if cfg.MaxScore == 0 {
		cfg.MaxScore = 100
	}

	return &HealthTracker{
		scores: make(map[string]*HealthRecord),
		config: cfg,
	}
}

// GetScore returns the current score with passive recovery applied.
func (t *HealthTracker) GetScore(email string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scoreLocked(email)
}

func (t *HealthTracker) scoreLocked(email string) float64 {
	record, ok := t.scores[email]
	if !ok {
		return t.config.Initial
	}
	recovered := record.Score + time.Since(record.LastUpdated).Hours()*t.config.RecoveryPerHour
	if recovered > t.config.MaxScore {
		return t.config.MaxScore
	}
	return recovered
}

// RecordSuccess rewards an account and resets its failure streak.
func (t *HealthTracker) RecordSuccess(email string) {
	t.adjust(email, t.config.SuccessReward, true)
}

// RecordRateLimit penalises an account for a rate limit.
func (t *HealthTracker) RecordRateLimit(email string) {
	t.adjust(email, t.config.RateLimitPenalty, false)
}

// RecordFailure penalises an account for a non-rate-limit failure.
func (t *HealthTracker) RecordFailure(email string) {
	t.adjust(email, t.config.FailurePenalty, false)
}

func (t *HealthTracker) adjust(email string, delta float64, resetFailures bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	score := t.scoreLocked(email) + delta
	if score > t.config.MaxScore {
		score = t.config.MaxScore
	}
	if score < 0 {
		score = 0
	}

	failures := 0
	if !resetFailures {
		if record, ok := t.scores[email]; ok {
			failures = record.ConsecutiveFailures
		}
		failures++
	}

	t.scores[email] = &HealthRecord{
		Score:               score,
		LastUpdated:         time.Now(),
		ConsecutiveFailures: failures,
	}
}

// IsUsable reports whether the score clears the usability floor.
func (t *HealthTracker) IsUsable(email string) bool {
	return t.GetScore(email) >= t.config.MinUsable
}

// GetMinUsable returns the usability floor.
func (t *HealthTracker) GetMinUsable() float64 { return t.config.MinUsable }

// GetMaxScore returns the score cap.
func (t *HealthTracker) GetMaxScore() float64 { return t.config.MaxScore }

// GetConsecutiveFailures returns the tracked failure streak.
func (t *HealthTracker) GetConsecutiveFailures(email string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if record, ok := t.scores[email]; ok {
		return record.ConsecutiveFailures
	}
	return 0
}

// Reset restores an account to the initial score.
func (t *HealthTracker) Reset(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores[email] = &HealthRecord{Score: t.config.Initial, LastUpdated: time.Now()}
}

// Clear drops all tracked state.
func (t *HealthTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores = make(map[string]*HealthRecord)
}
