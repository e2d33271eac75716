package cloudcode

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

func headersWith(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestParseResetTimeRetryAfterSeconds(t *testing.T) {
	got := ParseResetTime(headersWith("Retry-After", "30"), "")
	if got != 30_000 {
		t.Errorf("ParseResetTime = %d, want 30000", got)
	}
}

func TestParseResetTimeRetryAfterZeroGetsFloor(t *testing.T) {
	// Retry-After: 0 parses to the 500ms floor.
	got := ParseResetTime(headersWith("Retry-After", "0"), "")
	if got != 500 {
		t.Errorf("ParseResetTime = %d, want 500", got)
	}
}

func TestParseResetTimeHeaderPrecedence(t *testing.T) {
	h := headersWith(
		"Retry-After", "10",
		"x-ratelimit-reset-after", "99",
	)
	if got := ParseResetTime(h, ""); got != 10_000 {
		t.Errorf("Retry-After should win, got %d", got)
	}

	h = headersWith("x-ratelimit-reset-after", "42")
	if got := ParseResetTime(h, ""); got != 42_000 {
		t.Errorf("x-ratelimit-reset-after = %d, want 42000", got)
	}

	unix := time.Now().Add(25 * time.Second).Unix()
	h = headersWith("x-ratelimit-reset", fmt.Sprintf("%d", unix))
	got := ParseResetTime(h, "")
	if got < 20_000 || got > 25_000 {
		t.Errorf("x-ratelimit-reset = %d, want ~25000", got)
	}
}

func TestParseResetTimeBodyPatterns(t *testing.T) {
	cases := []struct {
		body string
		lo   int64
		hi   int64
	}{
		{`"quotaResetDelay": "754.431528ms"`, 754, 754},         // >= 500 passes through
		{`"quotaResetDelay": "120ms"`, 320, 320},                // +200ms buffer under 500
		{`"quotaResetDelay": "120s"`, 120_000, 120_000},         // long quota delay
		{`"retryDelay": "1.5s"`, 1500, 1500},                    // seconds form first
		{`retry-after-ms: 2500`, 2500, 2500},                    // ms form
		{`please retry after 60 seconds`, 60_000, 60_000},       // free-form
		{`limit resets in 1h23m45s`, 5_025_000, 5_025_000},      // duration
		{`limit resets in 23m45s`, 1_425_000, 1_425_000},        // m+s duration
		{`wait 45s before retrying`, 45_000, 45_000},            // bare seconds
	}
	for _, c := range cases {
		got := ParseResetTime(http.Header{}, c.body)
		if got < c.lo || got > c.hi {
			t.Errorf("ParseResetTime(%q) = %d, want [%d, %d]", c.body, got, c.lo, c.hi)
		}
	}
}

func TestParseResetTimeISOTimestamp(t *testing.T) {
	reset := time.Now().Add(90 * time.Second).UTC().Format(time.RFC3339)
	got := ParseResetTime(http.Header{}, `reset: `+reset)
	if got < 85_000 || got > 90_000 {
		t.Errorf("ISO reset = %d, want ~90000", got)
	}
}

func TestParseResetTimeNothingFound(t *testing.T) {
	if got := ParseResetTime(http.Header{}, "some unrelated error"); got != -1 {
		t.Errorf("ParseResetTime = %d, want -1", got)
	}
}

func TestParseRateLimitReasonStatusOverrides(t *testing.T) {
	if got := ParseRateLimitReason("rate limit exceeded", 529); got != ReasonModelCapacityExhausted {
		t.Errorf("529 = %s, want capacity", got)
	}
	if got := ParseRateLimitReason("quota exceeded", 503); got != ReasonModelCapacityExhausted {
		t.Errorf("503 = %s, want capacity", got)
	}
	if got := ParseRateLimitReason("quota exceeded", 500); got != ReasonServerError {
		t.Errorf("500 = %s, want server error (status beats body)", got)
	}
}

func TestParseRateLimitReasonBodyClassification(t *testing.T) {
	cases := []struct {
		body string
		want RateLimitReason
	}{
		{"RESOURCE_EXHAUSTED: daily limit reached", ReasonQuotaExhausted},
		{"quota exceeded for project", ReasonQuotaExhausted},
		{"MODEL_CAPACITY_EXHAUSTED", ReasonModelCapacityExhausted},
		{"the model is currently overloaded", ReasonModelCapacityExhausted},
		{"Too many requests, throttling", ReasonRateLimitExceeded},
		{"rate limit exceeded", ReasonRateLimitExceeded},
		{"internal server error", ReasonServerError},
		{"upstream 502 bad gateway", ReasonServerError},
		{"something novel", ReasonUnknown},
	}
	for _, c := range cases {
		if got := ParseRateLimitReason(c.body, 429); got != c.want {
			t.Errorf("ParseRateLimitReason(%q) = %s, want %s", c.body, got, c.want)
		}
	}
}
