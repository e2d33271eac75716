package account

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/errors"
	"github.com/poemonsense/cloudcode-relay/internal/store"
)

const testModel = "claude-sonnet-4-5"

func newTestManager(t *testing.T, strategy string, emails ...string) *Manager {
	t.Helper()

	st := store.NewStore(filepath.Join(t.TempDir(), "accounts.json"), 10)
	require.NoError(t, st.Load())
	for _, email := range emails {
		require.NoError(t, st.Upsert(&store.Account{Email: email, Source: store.SourceOAuth, Enabled: true}))
	}

	cfg := config.DefaultConfig()
	cfg.AccountSelection.Strategy = strategy

	m := NewManager(st, cfg)
	require.NoError(t, m.Initialize(""))
	return m
}

func TestMarkRateLimitedThenExpires(t *testing.T) {
	m := newTestManager(t, "round-robin", "a@x.com", "b@x.com")

	m.MarkRateLimited("a@x.com", 100, testModel)

	available := m.GetAvailableAccounts(testModel)
	require.Len(t, available, 1)
	require.Equal(t, "b@x.com", available[0].Email)
	require.Equal(t, 1, m.GetConsecutiveFailures("a@x.com"))

	// After the reset (plus slack) the account is available again.
	time.Sleep(150 * time.Millisecond)
	m.SweepExpiredRateLimits()
	require.Len(t, m.GetAvailableAccounts(testModel), 2)
}

func TestNotifySuccessClearsState(t *testing.T) {
	m := newTestManager(t, "round-robin", "a@x.com")
	acc := m.GetAccountByEmail("a@x.com")

	m.MarkRateLimited("a@x.com", 60_000, testModel)
	require.True(t, m.IsAllRateLimited(testModel))

	m.NotifySuccess(acc, testModel)
	require.Zero(t, m.GetConsecutiveFailures("a@x.com"))
	require.False(t, m.IsAllRateLimited(testModel))
	require.NotZero(t, acc.LastUsed)
}

func TestInvalidAccountsNeverSelected(t *testing.T) {
	m := newTestManager(t, "round-robin", "a@x.com", "b@x.com")
	m.MarkInvalid("a@x.com", "token revoked")

	for range 5 {
		result, err := m.SelectAccount(testModel)
		require.NoError(t, err)
		require.NotNil(t, result.Account)
		require.Equal(t, "b@x.com", result.Account.Email)
	}

	// Invalid is sticky across sweeps and rate-limit churn.
	m.SweepExpiredRateLimits()
	require.True(t, m.GetAccountByEmail("a@x.com").IsInvalid)
}

func TestSelectAccountErrorsWhenPoolEmpty(t *testing.T) {
	m := newTestManager(t, "hybrid")
	_, err := m.SelectAccount(testModel)
	require.Error(t, err)
	noAccounts, ok := err.(*errors.NoAccountsError)
	require.True(t, ok)
	require.False(t, noAccounts.AllRateLimited)
}

func TestSelectAccountReportsAllRateLimited(t *testing.T) {
	m := newTestManager(t, "round-robin", "a@x.com")
	m.MarkRateLimited("a@x.com", 60_000, testModel)

	_, err := m.SelectAccount(testModel)
	require.Error(t, err)
	noAccounts, ok := err.(*errors.NoAccountsError)
	require.True(t, ok)
	require.True(t, noAccounts.AllRateLimited)
}

func TestGetMinWaitTimeMs(t *testing.T) {
	m := newTestManager(t, "round-robin", "a@x.com", "b@x.com")

	// One account free: no wait.
	m.MarkRateLimited("a@x.com", 60_000, testModel)
	require.Zero(t, m.GetMinWaitTimeMs(testModel))

	// Both limited: minimum of the two resets.
	m.MarkRateLimited("b@x.com", 30_000, testModel)
	wait := m.GetMinWaitTimeMs(testModel)
	require.Greater(t, wait, int64(25_000))
	require.LessOrEqual(t, wait, int64(30_000))
}

func TestResetAllRateLimits(t *testing.T) {
	m := newTestManager(t, "round-robin", "a@x.com", "b@x.com")
	m.MarkRateLimited("a@x.com", 60_000, testModel)
	m.MarkRateLimited("b@x.com", 60_000, testModel)
	require.True(t, m.IsAllRateLimited(testModel))

	m.ResetAllRateLimits()
	require.False(t, m.IsAllRateLimited(testModel))
	require.Len(t, m.GetAvailableAccounts(testModel), 2)
}

func TestRecordFailureTriggersExtendedCooldown(t *testing.T) {
	m := newTestManager(t, "round-robin", "a@x.com")

	for i := range m.cfg.MaxConsecutiveFailures {
		count := m.RecordFailure("a@x.com", "network error")
		require.Equal(t, i+1, count)
	}

	acc := m.GetAccountByEmail("a@x.com")
	require.Greater(t, acc.CoolingDownUntil, time.Now().UnixMilli())
	require.Empty(t, m.GetAvailableAccounts(testModel))
	require.True(t, m.IsAllRateLimited(testModel))
}

func TestRateLimitIsPerModel(t *testing.T) {
	m := newTestManager(t, "round-robin", "a@x.com")
	m.MarkRateLimited("a@x.com", 60_000, testModel)

	require.Empty(t, m.GetAvailableAccounts(testModel))
	require.Len(t, m.GetAvailableAccounts("gemini-3-flash"), 1)
}

func TestStatusCounts(t *testing.T) {
	m := newTestManager(t, "hybrid", "a@x.com", "b@x.com", "c@x.com")
	m.MarkInvalid("a@x.com", "revoked")
	m.MarkRateLimited("b@x.com", 60_000, testModel)

	status := m.GetStatus()
	require.Equal(t, 3, status.Total)
	require.Equal(t, 1, status.Invalid)
	require.Equal(t, 1, status.RateLimited)
	require.Equal(t, 1, status.Available)
	require.Len(t, status.Accounts, 3)
	require.NotEmpty(t, status.Summary)
}

func TestSetStrategySwapsAtRuntime(t *testing.T) {
	m := newTestManager(t, "hybrid", "a@x.com")
	require.Equal(t, "hybrid", m.GetStrategyName())

	m.SetStrategy("sticky")
	require.Equal(t, "sticky", m.GetStrategyName())

	m.SetStrategy("not-a-strategy")
	require.Equal(t, "sticky", m.GetStrategyName(), "invalid names are ignored")
}
