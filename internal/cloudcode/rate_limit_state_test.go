package cloudcode

import (
	"testing"
	"time"
)

func resetDedupState() {
	rateLimitStates.Lock()
	rateLimitStates.m = make(map[string]*rateLimitState)
	rateLimitStates.Unlock()
}

func TestBackoffFirstHit(t *testing.T) {
	resetDedupState()

	r := GetRateLimitBackoff("a@x.com", "m", 0)
	if r.Attempt != 1 || r.IsDuplicate {
		t.Fatalf("first hit: attempt=%d duplicate=%v", r.Attempt, r.IsDuplicate)
	}
	if r.DelayMs != 1000 {
		t.Errorf("first delay = %d, want base 1000", r.DelayMs)
	}
}

func TestBackoffDuplicateWithinWindow(t *testing.T) {
	resetDedupState()

	GetRateLimitBackoff("a@x.com", "m", 0)
	r := GetRateLimitBackoff("a@x.com", "m", 0)
	if !r.IsDuplicate {
		t.Error("second hit within 2s should be a duplicate")
	}
	if r.Attempt != 1 {
		t.Errorf("duplicate must not advance the counter, got %d", r.Attempt)
	}
}

func TestBackoffEscalatesOutsideWindow(t *testing.T) {
	resetDedupState()

	GetRateLimitBackoff("a@x.com", "m", 0)

	// Age the entry past the dedup window but inside the reset interval.
	rateLimitStates.Lock()
	rateLimitStates.m["a@x.com:m"].LastAt = time.Now().Add(-5 * time.Second)
	rateLimitStates.Unlock()

	r := GetRateLimitBackoff("a@x.com", "m", 0)
	if r.IsDuplicate {
		t.Error("outside the dedup window should not be a duplicate")
	}
	if r.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", r.Attempt)
	}
	if r.DelayMs != 2000 {
		t.Errorf("delay = %d, want 1000*2^1", r.DelayMs)
	}
}

func TestBackoffResetsAfterIdle(t *testing.T) {
	resetDedupState()

	GetRateLimitBackoff("a@x.com", "m", 0)
	rateLimitStates.Lock()
	rateLimitStates.m["a@x.com:m"].LastAt = time.Now().Add(-3 * time.Minute)
	rateLimitStates.Unlock()

	r := GetRateLimitBackoff("a@x.com", "m", 0)
	if r.Attempt != 1 {
		t.Errorf("after 2min idle the counter must reset, got attempt %d", r.Attempt)
	}
}

func TestBackoffClampsAt60s(t *testing.T) {
	resetDedupState()

	GetRateLimitBackoff("a@x.com", "m", 0)
	for i := 2; i <= 10; i++ {
		rateLimitStates.Lock()
		rateLimitStates.m["a@x.com:m"].LastAt = time.Now().Add(-5 * time.Second)
		rateLimitStates.Unlock()
		r := GetRateLimitBackoff("a@x.com", "m", 0)
		if r.DelayMs > 60_000 {
			t.Fatalf("attempt %d: delay %d exceeds 60s clamp", i, r.DelayMs)
		}
	}
}

func TestBackoffKeysAreIndependent(t *testing.T) {
	resetDedupState()

	GetRateLimitBackoff("a@x.com", "m", 0)
	r := GetRateLimitBackoff("b@x.com", "m", 0)
	if r.IsDuplicate {
		t.Error("different accounts must not share dedup state")
	}
	r = GetRateLimitBackoff("a@x.com", "other-model", 0)
	if r.IsDuplicate {
		t.Error("different models must not share dedup state")
	}
}

func TestClearRateLimitState(t *testing.T) {
	resetDedupState()

	GetRateLimitBackoff("a@x.com", "m", 0)
	ClearRateLimitState("a@x.com", "m")
	r := GetRateLimitBackoff("a@x.com", "m", 0)
	if r.Attempt != 1 || r.IsDuplicate {
		t.Error("cleared state should behave like a first hit")
	}
}

func TestCalculateSmartBackoffServerHintWins(t *testing.T) {
	if got := CalculateSmartBackoff("whatever", 45_000, 0); got != 45_000 {
		t.Errorf("server hint = %d, want 45000", got)
	}
	// The 2s floor prevents tight retry loops.
	if got := CalculateSmartBackoff("whatever", 100, 0); got != 2000 {
		t.Errorf("floored hint = %d, want 2000", got)
	}
}

func TestCalculateSmartBackoffByKind(t *testing.T) {
	if got := CalculateSmartBackoff("rate limit exceeded", 0, 0); got != 30_000 {
		t.Errorf("rate limit backoff = %d, want 30000", got)
	}
	if got := CalculateSmartBackoff("internal server error", 0, 0); got != 20_000 {
		t.Errorf("server error backoff = %d, want 20000", got)
	}
	if got := CalculateSmartBackoff("novel failure", 0, 0); got != 60_000 {
		t.Errorf("unknown backoff = %d, want 60000", got)
	}

	// Capacity carries +/-5s jitter around 15s.
	got := CalculateSmartBackoff("model_capacity_exhausted", 0, 0)
	if got < 10_000 || got > 20_000 {
		t.Errorf("capacity backoff = %d, want 15s +/- 5s", got)
	}
}

func TestQuotaExhaustedProgressiveTiers(t *testing.T) {
	wants := []int64{60_000, 300_000, 1_800_000, 7_200_000, 7_200_000}
	for failures, want := range wants {
		if got := CalculateSmartBackoff("quota exceeded", 0, failures); got != want {
			t.Errorf("tier %d = %d, want %d", failures, got, want)
		}
	}
}

func TestIsPermanentAuthFailure(t *testing.T) {
	for _, s := range []string{
		`{"error":"invalid_grant"}`,
		"Token has been expired or revoked",
		"invalid_client: bad secret",
		"credentials are invalid",
	} {
		if !IsPermanentAuthFailure(s) {
			t.Errorf("%q should be permanent", s)
		}
	}
	if IsPermanentAuthFailure("connection timed out") {
		t.Error("network errors are not permanent auth failures")
	}
}
