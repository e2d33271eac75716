package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "accounts.json"), 3)
	require.NoError(t, s.Load())
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Upsert(&Account{Email: "a@example.com", Source: SourceOAuth, Enabled: true}))
	acc := s.Get("a@example.com")
	require.NotNil(t, acc)
	require.True(t, acc.Enabled)
	require.NotZero(t, acc.CreatedAt)
}

func TestUpsertRejectsMissingEmail(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.Upsert(&Account{Source: SourceManual}))
}

func TestMaxAccountsCap(t *testing.T) {
	s := newTestStore(t)
	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		require.NoError(t, s.Upsert(&Account{Email: email, Enabled: true}))
	}
	err := s.Upsert(&Account{Email: "d@x.com", Enabled: true})
	require.Error(t, err)

	// Updating an existing account is not an insert and must still work.
	require.NoError(t, s.Upsert(&Account{Email: "a@x.com", Enabled: false}))
}

func TestSaveIsAtomicAndReadable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Account{Email: "a@x.com", Source: SourceOAuth, Enabled: true}))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Contains(t, doc, "accounts")
	require.Contains(t, doc, "settings")
	require.Contains(t, doc, "activeIndex")

	// No temp file left behind.
	_, err = os.Stat(s.Path() + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestReloadPreservesTransientState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Account{Email: "a@x.com", Enabled: true}))

	acc := s.Get("a@x.com")
	acc.ConsecutiveFailures = 2
	acc.CoolingDownUntil = time.Now().Add(time.Minute).UnixMilli()
	acc.SetRateLimit("claude-sonnet-4-5", &RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     time.Now().Add(time.Minute).UnixMilli(),
	})

	// Simulate an external edit: rewrite the file with the same account but
	// a changed enabled flag and no runtime state.
	doc := map[string]any{
		"accounts":    []map[string]any{{"email": "a@x.com", "source": "oauth", "enabled": false}},
		"settings":    map[string]any{},
		"activeIndex": 0,
	}
	data, _ := json.Marshal(doc)
	require.NoError(t, os.WriteFile(s.Path(), data, 0o600))

	require.NoError(t, s.Reload())

	reloaded := s.Get("a@x.com")
	require.NotNil(t, reloaded)
	require.False(t, reloaded.Enabled, "external edit must win for persisted fields")
	require.Equal(t, 2, reloaded.ConsecutiveFailures, "transient state must survive reload")
	require.True(t, reloaded.IsRateLimitedFor("claude-sonnet-4-5", time.Now()))
}

func TestSetInvalidIsSticky(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Account{Email: "a@x.com", Enabled: true}))
	require.NoError(t, s.SetInvalid("a@x.com", "token revoked"))

	acc := s.Get("a@x.com")
	require.True(t, acc.IsInvalid)
	require.Equal(t, "token revoked", acc.InvalidReason)
	require.NotZero(t, acc.InvalidAt)

	require.NoError(t, s.ClearInvalid("a@x.com"))
	require.False(t, s.Get("a@x.com").IsInvalid)
}

func TestSetThresholdsValidation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Account{Email: "a@x.com", Enabled: true}))

	bad := 1.0
	require.Error(t, s.SetThresholds("a@x.com", &bad, nil))

	ok := 0.25
	require.NoError(t, s.SetThresholds("a@x.com", &ok, map[string]float64{"gemini-3-flash": 0.1}))
	acc := s.Get("a@x.com")
	require.InDelta(t, 0.25, *acc.QuotaThreshold, 1e-9)
	require.InDelta(t, 0.1, acc.ModelQuotaThresholds["gemini-3-flash"], 1e-9)

	require.Error(t, s.SetThresholds("a@x.com", nil, map[string]float64{"m": -0.1}))
}

func TestRateLimitExpiry(t *testing.T) {
	acc := &Account{Email: "a@x.com"}
	acc.SetRateLimit("m", &RateLimitInfo{IsRateLimited: true, ResetTime: time.Now().Add(-time.Second).UnixMilli()})
	if acc.IsRateLimitedFor("m", time.Now()) {
		t.Error("expired entry should not count as rate-limited")
	}
	acc.SetRateLimit("m", &RateLimitInfo{IsRateLimited: true, ResetTime: time.Now().Add(time.Minute).UnixMilli()})
	if !acc.IsRateLimitedFor("m", time.Now()) {
		t.Error("future entry should count as rate-limited")
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Account{Email: "a@x.com", Enabled: true}))
	require.NoError(t, s.Remove("a@x.com"))
	require.Nil(t, s.Get("a@x.com"))
	require.Error(t, s.Remove("a@x.com"))
}
