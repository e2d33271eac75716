package trackers

import (
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/store"
)

// staleDamping discounts scores derived from snapshots past the
// staleness window.
const staleDamping = 0.9

// quotaReading is one decoded (account, model) snapshot.
type quotaReading struct {
	fraction float64
	known    bool
	fresh    bool
}

// QuotaTracker turns the quota snapshots stored on accounts into
// selection signals. Stale snapshots are distrusted: they dampen the
// score but never exclude an account.
type QuotaTracker struct {
	config config.QuotaConfig
}

// NewQuotaTracker creates a tracker, filling unset config with defaults.
func NewQuotaTracker(cfg config.QuotaConfig) *QuotaTracker {
	if cfg.LowThreshold == 0 {
		cfg.LowThreshold = 0.10
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = 0.05
	}
	if cfg.StaleMs == 0 {
		cfg.StaleMs = 300_000
	}
	if cfg.UnknownScore == 0 {
		cfg.UnknownScore = 50
	}
	return &QuotaTracker{config: cfg}
}

// read decodes the snapshot for (account, model) into a quotaReading.
func (t *QuotaTracker) read(account *store.Account, modelID string) quotaReading {
	if account == nil || account.Quota == nil {
		return quotaReading{}
	}

	reading := quotaReading{fresh: t.snapshotFresh(account.Quota)}
	if modelQuota := account.Quota.Models[modelID]; modelQuota != nil {
		reading.known = true
		reading.fraction = modelQuota.RemainingFraction
	}
	return reading
}

func (t *QuotaTracker) snapshotFresh(quota *store.QuotaInfo) bool {
	if quota.LastChecked == 0 {
		return false
	}
	age := time.Since(time.UnixMilli(quota.LastChecked))
	return age < time.Duration(t.config.StaleMs)*time.Millisecond
}

// GetQuotaFraction returns the remaining fraction for (account, model),
// or -1 when unknown.
func (t *QuotaTracker) GetQuotaFraction(account *store.Account, modelID string) float64 {
	reading := t.read(account, modelID)
	if !reading.known {
		return -1
	}
	return reading.fraction
}

// IsQuotaFresh reports whether the account's snapshot is recent enough to
// act on.
func (t *QuotaTracker) IsQuotaFresh(account *store.Account) bool {
	return account != nil && account.Quota != nil && t.snapshotFresh(account.Quota)
}

// IsQuotaCritical reports whether the account must be excluded for the
// model. Only a fresh, known reading at or below the threshold excludes.
func (t *QuotaTracker) IsQuotaCritical(account *store.Account, modelID string, thresholdOverride *float64) bool {
	reading := t.read(account, modelID)
	if !reading.known || !reading.fresh {
		return false
	}

	threshold := t.config.CriticalThreshold
	if thresholdOverride != nil && *thresholdOverride > 0 {
		threshold = *thresholdOverride
	}
	return reading.fraction <= threshold
}

// IsQuotaLow reports low-but-not-critical quota.
func (t *QuotaTracker) IsQuotaLow(account *store.Account, modelID string) bool {
	reading := t.read(account, modelID)
	return reading.known &&
		reading.fraction > t.config.CriticalThreshold &&
		reading.fraction <= t.config.LowThreshold
}

// GetScore maps the reading onto 0-100. Unknown lands on the configured
// middle score; stale readings are damped.
func (t *QuotaTracker) GetScore(account *store.Account, modelID string) float64 {
	reading := t.read(account, modelID)
	if !reading.known {
		return t.config.UnknownScore
	}

	score := reading.fraction * 100
	if !reading.fresh {
		score *= staleDamping
	}
	return score
}

// GetCriticalThreshold returns the exclusion threshold.
func (t *QuotaTracker) GetCriticalThreshold() float64 { return t.config.CriticalThreshold }

// GetLowThreshold returns the damping threshold.
func (t *QuotaTracker) GetLowThreshold() float64 { return t.config.LowThreshold }
