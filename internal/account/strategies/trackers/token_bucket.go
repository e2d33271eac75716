package trackers

import (
	"math"
	"sync"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/config"
)

// TokenBucket is the bucket state for one account.
type TokenBucket struct {
	Tokens      float64
	LastUpdated time.Time
}

// TokenBucketTracker applies client-side pacing: every request consumes a
// token, tokens regenerate over time, and empty accounts are deprioritised
// before the upstream ever rate-limits them.
type TokenBucketTracker struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	config  config.TokenBucketConfig
}

// NewTokenBucketTracker creates a tracker, filling unset config with defaults.
func NewTokenBucketTracker(cfg config.TokenBucketConfig) *TokenBucketTracker {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 50
	}
	if cfg.TokensPerMinute == 0 {
		cfg.TokensPerMinute = 6
	}
	if cfg.InitialTokens == 0 {
		cfg.InitialTokens = 50
	}

	return &TokenBucketTracker{
		buckets: make(map[string]*TokenBucket),
		config:  cfg,
	}
}

// GetTokens returns the current token count with regeneration applied.
func (t *TokenBucketTracker) GetTokens(email string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tokensLocked(email)
}

func (t *TokenBucketTracker) tokensLocked(email string) float64 {
	bucket, ok := t.buckets[email]
	if !ok {
		return t.config.InitialTokens
	}
	current := bucket.Tokens + time.Since(bucket.LastUpdated).Minutes()*t.config.TokensPerMinute
	if current > t.config.MaxTokens {
		return t.config.MaxTokens
	}
	return current
}

// HasTokens reports whether at least one full token is available.
func (t *TokenBucketTracker) HasTokens(email string) bool {
	return t.GetTokens(email) >= 1
}

// Consume takes one token; returns false when the bucket is empty.
func (t *TokenBucketTracker) Consume(email string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.tokensLocked(email)
	if current < 1 {
		return false
	}
	t.buckets[email] = &TokenBucket{Tokens: current - 1, LastUpdated: time.Now()}
	return true
}

// Refund returns a token, e.g. when the request never reached upstream.
func (t *TokenBucketTracker) Refund(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.tokensLocked(email) + 1
	if current > t.config.MaxTokens {
		current = t.config.MaxTokens
	}
	t.buckets[email] = &TokenBucket{Tokens: current, LastUpdated: time.Now()}
}

// GetMaxTokens returns the bucket capacity.
func (t *TokenBucketTracker) GetMaxTokens() float64 { return t.config.MaxTokens }

// Reset refills an account's bucket.
func (t *TokenBucketTracker) Reset(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[email] = &TokenBucket{Tokens: t.config.InitialTokens, LastUpdated: time.Now()}
}

// Clear drops all buckets.
func (t *TokenBucketTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = make(map[string]*TokenBucket)
}

// GetTimeUntilNextToken returns milliseconds until one token regenerates.
func (t *TokenBucketTracker) GetTimeUntilNextToken(email string) int64 {
	current := t.GetTokens(email)
	if current >= 1 {
		return 0
	}
	minutesNeeded := (1 - current) / t.config.TokensPerMinute
	return int64(math.Ceil(minutesNeeded * 60 * 1000))
}

// GetMinTimeUntilToken returns the soonest token availability across the
// given accounts, 0 when any of them already has one.
func (t *TokenBucketTracker) GetMinTimeUntilToken(emails []string) int64 {
	if len(emails) == 0 {
		return 0
	}

	minWait := int64(math.MaxInt64)
	for _, email := range emails {
		wait := t.GetTimeUntilNextToken(email)
		if wait == 0 {
			return 0
		}
		if wait < minWait {
			minWait = wait
		}
	}
	if minWait == int64(math.MaxInt64) {
		return 0
	}
	return minWait
}
