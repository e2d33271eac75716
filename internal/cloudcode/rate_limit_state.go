package cloudcode

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// rateLimitState tracks consecutive 429s per (account, model).
type rateLimitState struct {
	Consecutive429 int
	LastAt         time.Time
}

// The dedup map is shared by every in-flight attempt; a sweeper evicts
// idle entries.
var rateLimitStates = struct {
	sync.Mutex
	m    map[string]*rateLimitState
	stop chan struct{}
	once sync.Once
}{
	m: make(map[string]*rateLimitState),
}

// BackoffResult is the dedup/backoff verdict for one 429.
type BackoffResult struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

func dedupKey(email, model string) string {
	return email + ":" + model
}

// GetRateLimitBackoff applies the dedup window and exponential escalation.
// Inside the 2s window after the previous 429, the result is flagged as a
// duplicate (the caller should switch accounts, not retry). Outside the
// window the consecutive counter escalates the delay as
// max(base, base*2^(attempt-1)), clamped at 60s; after 2 minutes idle the
// state resets.
func GetRateLimitBackoff(email, model string, serverRetryAfterMs int64) *BackoffResult {
	now := time.Now()
	key := dedupKey(email, model)

	rateLimitStates.Lock()
	defer rateLimitStates.Unlock()

	previous := rateLimitStates.m[key]

	baseDelay := serverRetryAfterMs
	if baseDelay <= 0 {
		baseDelay = config.FirstRetryDelayMs
	}

	if previous != nil && now.Sub(previous.LastAt).Milliseconds() < config.RateLimitDedupWindowMs {
		backoff := int64(math.Min(float64(baseDelay)*math.Pow(2, float64(previous.Consecutive429-1)), 60_000))
		utils.Debug("[CloudCode] Rate limit on %s:%s within dedup window (attempt %d)",
			utils.MaskEmail(email), model, previous.Consecutive429)
		return &BackoffResult{
			Attempt:     previous.Consecutive429,
			DelayMs:     utils.Max(baseDelay, backoff),
			IsDuplicate: true,
		}
	}

	attempt := 1
	if previous != nil && now.Sub(previous.LastAt).Milliseconds() < config.RateLimitStateResetMs {
		attempt = previous.Consecutive429 + 1
	}
	rateLimitStates.m[key] = &rateLimitState{Consecutive429: attempt, LastAt: now}

	backoff := int64(math.Min(float64(baseDelay)*math.Pow(2, float64(attempt-1)), 60_000))
	return &BackoffResult{
		Attempt: attempt,
		DelayMs: utils.Max(baseDelay, backoff),
	}
}

// ClearRateLimitState forgets the (account, model) entry after a success.
func ClearRateLimitState(email, model string) {
	rateLimitStates.Lock()
	delete(rateLimitStates.m, dedupKey(email, model))
	rateLimitStates.Unlock()
}

// IsPermanentAuthFailure matches wording that means the credential is dead.
func IsPermanentAuthFailure(errorText string) bool {
	lower := strings.ToLower(errorText)
	return utils.ContainsAny(lower,
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"token_revoked",
		"invalid_client",
		"credentials are invalid")
}

// IsModelCapacityExhausted matches shared-capacity wording (not a quota
// problem for this account).
func IsModelCapacityExhausted(errorText string) bool {
	lower := strings.ToLower(errorText)
	return utils.ContainsAny(lower,
		"model_capacity_exhausted",
		"capacity_exhausted",
		"model is currently overloaded",
		"service temporarily unavailable")
}

// CalculateSmartBackoff picks the error-kind-specific delay when the
// server gives a hint or not. A server-provided delay always wins, with a
// 2s floor.
func CalculateSmartBackoff(errorText string, serverResetMs int64, consecutiveFailures int) int64 {
	if serverResetMs > 0 {
		return utils.Max(serverResetMs, config.MinBackoffMs)
	}

	switch ParseRateLimitReason(errorText, 0) {
	case ReasonQuotaExhausted:
		tier := consecutiveFailures
		if tier >= len(config.QuotaExhaustedBackoffTiersMs) {
			tier = len(config.QuotaExhaustedBackoffTiersMs) - 1
		}
		return config.QuotaExhaustedBackoffTiersMs[tier]
	case ReasonRateLimitExceeded:
		return config.BackoffByErrorType["RATE_LIMIT_EXCEEDED"]
	case ReasonModelCapacityExhausted:
		return config.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"] + utils.GenerateJitter(config.CapacityJitterMaxMs)
	case ReasonServerError:
		return config.BackoffByErrorType["SERVER_ERROR"]
	default:
		return config.BackoffByErrorType["UNKNOWN"]
	}
}

// StartRateLimitStateCleanup launches the 60s sweeper that evicts entries
// idle past the state-reset interval.
func StartRateLimitStateCleanup() {
	rateLimitStates.once.Do(func() {
		stopCh := make(chan struct{})
		rateLimitStates.Lock()
		rateLimitStates.stop = stopCh
		rateLimitStates.Unlock()

		go func() {
			ticker := time.NewTicker(60 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-stopCh:
					return
				case <-ticker.C:
					sweepStaleRateLimitStates()
				}
			}
		}()
	})
}

// StopRateLimitStateCleanup terminates the sweeper (process teardown).
func StopRateLimitStateCleanup() {
	rateLimitStates.Lock()
	defer rateLimitStates.Unlock()
	if rateLimitStates.stop != nil {
		close(rateLimitStates.stop)
		rateLimitStates.stop = nil
	}
}

func sweepStaleRateLimitStates() {
	cutoff := time.Now().Add(-time.Duration(config.RateLimitStateResetMs) * time.Millisecond)

	rateLimitStates.Lock()
	defer rateLimitStates.Unlock()
	for key, state := range rateLimitStates.m {
		if state.LastAt.Before(cutoff) {
			delete(rateLimitStates.m, key)
		}
	}
}
