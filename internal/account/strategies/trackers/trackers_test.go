package trackers

import (
	"testing"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/store"
)

func TestHealthScoreLifecycle(t *testing.T) {
	h := NewHealthTracker(config.HealthScoreConfig{})

	if got := h.GetScore("a@x.com"); got != 70 {
		t.Fatalf("initial score = %v, want 70", got)
	}

	h.RecordSuccess("a@x.com")
	if got := h.GetScore("a@x.com"); got < 70 || got > 72 {
		t.Errorf("score after success = %v", got)
	}

	h.RecordRateLimit("a@x.com")
	if got := h.GetScore("a@x.com"); got > 62 {
		t.Errorf("score after rate limit = %v, want <= 61-ish", got)
	}
	if h.GetConsecutiveFailures("a@x.com") != 1 {
		t.Error("rate limit should count as a failure")
	}

	h.RecordFailure("a@x.com")
	if h.GetConsecutiveFailures("a@x.com") != 2 {
		t.Error("failures should accumulate")
	}

	h.RecordSuccess("a@x.com")
	if h.GetConsecutiveFailures("a@x.com") != 0 {
		t.Error("success should reset the failure streak")
	}
}

func TestHealthScoreClampsToZero(t *testing.T) {
	h := NewHealthTracker(config.HealthScoreConfig{})
	for range 10 {
		h.RecordFailure("a@x.com")
	}
	if got := h.GetScore("a@x.com"); got < 0 {
		t.Errorf("score went negative: %v", got)
	}
	if h.IsUsable("a@x.com") {
		t.Error("account with zero health should not be usable")
	}
}

func TestHealthPassiveRecovery(t *testing.T) {
	h := NewHealthTracker(config.HealthScoreConfig{})
	h.RecordFailure("a@x.com") // 50
	h.RecordFailure("a@x.com") // 30

	// Simulate two hours of idleness: +10/hour.
	h.mu.Lock()
	h.scores["a@x.com"].LastUpdated = time.Now().Add(-2 * time.Hour)
	h.mu.Unlock()

	if got := h.GetScore("a@x.com"); got < 49 || got > 51 {
		t.Errorf("recovered score = %v, want ~50", got)
	}
}

func TestTokenBucketConsumeAndRefill(t *testing.T) {
	b := NewTokenBucketTracker(config.TokenBucketConfig{MaxTokens: 3, TokensPerMinute: 6, InitialTokens: 3})

	for i := range 3 {
		if !b.Consume("a@x.com") {
			t.Fatalf("consume %d should succeed", i)
		}
	}
	if b.Consume("a@x.com") {
		t.Fatal("bucket should be empty")
	}
	if b.HasTokens("a@x.com") {
		t.Error("HasTokens should be false when empty")
	}
	if wait := b.GetTimeUntilNextToken("a@x.com"); wait <= 0 || wait > 10_001 {
		t.Errorf("wait for next token = %dms, want ~10s at 6/min", wait)
	}

	// Simulate a minute passing: 6 tokens regenerate, capped at 3.
	b.mu.Lock()
	b.buckets["a@x.com"].LastUpdated = time.Now().Add(-time.Minute)
	b.mu.Unlock()
	if got := b.GetTokens("a@x.com"); got != 3 {
		t.Errorf("tokens after refill = %v, want capped at 3", got)
	}
}

func TestTokenBucketRefund(t *testing.T) {
	b := NewTokenBucketTracker(config.TokenBucketConfig{MaxTokens: 2, TokensPerMinute: 1, InitialTokens: 2})
	b.Consume("a@x.com")
	b.Refund("a@x.com")
	if got := b.GetTokens("a@x.com"); got < 2 {
		t.Errorf("tokens after refund = %v, want 2", got)
	}
}

func TestQuotaTrackerCritical(t *testing.T) {
	q := NewQuotaTracker(config.QuotaConfig{})

	fresh := &store.Account{
		Email: "a@x.com",
		Quota: &store.QuotaInfo{
			Models: map[string]*store.ModelQuotaInfo{
				"m": {RemainingFraction: 0.03},
			},
			LastChecked: time.Now().UnixMilli(),
		},
	}
	if !q.IsQuotaCritical(fresh, "m", nil) {
		t.Error("3% remaining should be critical at the 5% default")
	}

	override := 0.02
	if q.IsQuotaCritical(fresh, "m", &override) {
		t.Error("override below the fraction should not be critical")
	}

	// Stale snapshots are treated as unknown.
	stale := &store.Account{
		Email: "a@x.com",
		Quota: &store.QuotaInfo{
			Models:      map[string]*store.ModelQuotaInfo{"m": {RemainingFraction: 0.03}},
			LastChecked: time.Now().Add(-10 * time.Minute).UnixMilli(),
		},
	}
	if q.IsQuotaCritical(stale, "m", nil) {
		t.Error("stale quota must not exclude an account")
	}

	if q.IsQuotaCritical(&store.Account{Email: "b@x.com"}, "m", nil) {
		t.Error("unknown quota must not exclude an account")
	}
}

func TestQuotaScore(t *testing.T) {
	q := NewQuotaTracker(config.QuotaConfig{})

	unknown := &store.Account{Email: "a@x.com"}
	if got := q.GetScore(unknown, "m"); got != 50 {
		t.Errorf("unknown quota score = %v, want 50", got)
	}

	fresh := &store.Account{
		Quota: &store.QuotaInfo{
			Models:      map[string]*store.ModelQuotaInfo{"m": {RemainingFraction: 0.8}},
			LastChecked: time.Now().UnixMilli(),
		},
	}
	if got := q.GetScore(fresh, "m"); got != 80 {
		t.Errorf("fresh quota score = %v, want 80", got)
	}

	stale := &store.Account{
		Quota: &store.QuotaInfo{
			Models:      map[string]*store.ModelQuotaInfo{"m": {RemainingFraction: 0.8}},
			LastChecked: time.Now().Add(-10 * time.Minute).UnixMilli(),
		},
	}
	if got := q.GetScore(stale, "m"); got != 72 {
		t.Errorf("stale quota score = %v, want 72 (10%% damping)", got)
	}
}
