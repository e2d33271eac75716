package modules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackCountsThreeLevels(t *testing.T) {
	u := NewUsageStats()
	u.Track("claude-opus-4-6-thinking")
	u.Track("claude-sonnet-4-5")
	u.Track("gemini-3-flash")
	u.Track("claude-opus-4-6-thinking")

	history := u.GetHistory()
	require.Len(t, history, 1)

	for _, bucket := range history {
		b := bucket.(map[string]any)
		require.Equal(t, 4, b["_total"])

		claude := b["claude"].(map[string]any)
		require.Equal(t, 3, claude["_subtotal"])
		require.Equal(t, 2, claude["opus-4-6-thinking"])
		require.Equal(t, 1, claude["sonnet-4-5"])

		gemini := b["gemini"].(map[string]any)
		require.Equal(t, 1, gemini["_subtotal"])
		require.Equal(t, 1, gemini["flash"])
	}
}

func TestGetFamilyAndShortName(t *testing.T) {
	require.Equal(t, "claude", GetFamily("claude-opus-4-6"))
	require.Equal(t, "gemini", GetFamily("gemini-3-pro-high"))
	require.Equal(t, "other", GetFamily("mystery-model"))

	require.Equal(t, "opus-4-6", GetShortName("claude-opus-4-6", "claude"))
	require.Equal(t, "3-pro-high", GetShortName("gemini-3-pro-high", "gemini"))
	require.Equal(t, "mystery-model", GetShortName("mystery-model", "other"))
}

func TestPruneDropsOldBuckets(t *testing.T) {
	u := NewUsageStats()
	u.Track("claude-sonnet-4-5")

	// Inject a bucket far past the retention window.
	oldKey := hourKey(time.Now().AddDate(0, 0, -40))
	u.mu.Lock()
	u.history[oldKey] = map[string]familyStats{"claude": {"sonnet-4-5": 1, "_subtotal": 1}}
	u.totals[oldKey] = 1
	u.mu.Unlock()

	pruned := u.prune()
	require.Equal(t, 1, pruned)
	require.Len(t, u.GetHistory(), 1)
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	u := NewUsageStats()
	u.path = t.TempDir() + "/usage-history.json"
	u.Track("claude-sonnet-4-5")
	u.Track("gemini-3-flash")
	u.flush()

	restored := NewUsageStats()
	restored.path = u.path
	require.NoError(t, restored.load())

	history := restored.GetHistory()
	require.Len(t, history, 1)
	for _, bucket := range history {
		b := bucket.(map[string]any)
		require.Equal(t, 2, b["_total"])
	}
}

func TestHourBucketKeyIsUTCTruncated(t *testing.T) {
	ts := time.Date(2026, 7, 31, 14, 37, 12, 0, time.UTC)
	require.Equal(t, "2026-07-31T14:00:00.000Z", hourKey(ts))
}
