package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-relay/internal/account"
	"github.com/poemonsense/cloudcode-relay/internal/cloudcode"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// HealthHandler serves GET /health.
type HealthHandler struct {
	accountManager *account.Manager
	client         *cloudcode.Client
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(mgr *account.Manager, client *cloudcode.Client) *HealthHandler {
	return &HealthHandler{accountManager: mgr, client: client}
}

// Health reports pool status with per-account quota detail.
func (h *HealthHandler) Health(c *gin.Context) {
	start := time.Now()
	ctx := c.Request.Context()

	status := h.accountManager.GetStatus()
	allAccounts := h.accountManager.GetAllAccounts()

	type accountDetail struct {
		Email                      string         `json:"email"`
		Status                     string         `json:"status"`
		Error                      string         `json:"error,omitempty"`
		LastUsed                   string         `json:"lastUsed,omitempty"`
		ModelRateLimits            map[string]any `json:"modelRateLimits,omitempty"`
		RateLimitCooldownRemaining int64          `json:"rateLimitCooldownRemaining"`
		Models                     map[string]any `json:"models,omitempty"`
	}

	details := make([]accountDetail, 0, len(allAccounts))
	now := time.Now().UnixMilli()

	for _, acc := range allAccounts {
		detail := accountDetail{
			Email:           acc.Email,
			ModelRateLimits: make(map[string]any),
			Models:          make(map[string]any),
		}

		if acc.LastUsed > 0 {
			detail.LastUsed = time.UnixMilli(acc.LastUsed).Format(time.RFC3339)
		}

		var soonestReset int64
		isRateLimited := false
		for modelID, limit := range acc.ModelRateLimits {
			if limit.IsRateLimited && limit.ResetTime > now {
				isRateLimited = true
				if soonestReset == 0 || limit.ResetTime < soonestReset {
					soonestReset = limit.ResetTime
				}
			}
			detail.ModelRateLimits[modelID] = map[string]any{
				"isRateLimited": limit.IsRateLimited,
				"resetTime":     limit.ResetTime,
			}
		}
		if soonestReset > 0 {
			detail.RateLimitCooldownRemaining = soonestReset - now
		}

		if acc.IsInvalid {
			detail.Status = "invalid"
			detail.Error = acc.InvalidReason
			details = append(details, detail)
			continue
		}

		token, err := h.accountManager.GetTokenForAccount(ctx, acc)
		if err != nil {
			detail.Status = "error"
			detail.Error = err.Error()
			details = append(details, detail)
			continue
		}

		projectID := ""
		if acc.Subscription != nil {
			projectID = acc.Subscription.ProjectID
		}
		quotas, err := h.client.GetModelQuotas(ctx, token, projectID)
		if err != nil {
			detail.Status = "error"
			detail.Error = err.Error()
			details = append(details, detail)
			continue
		}

		for modelID, info := range quotas {
			remaining := "N/A"
			var fraction float64
			if info.RemainingFraction != nil && *info.RemainingFraction >= 0 {
				fraction = *info.RemainingFraction
				remaining = utils.FormatPercent(fraction)
			}
			resetTime := ""
			if info.ResetTime != nil {
				resetTime = *info.ResetTime
			}
			detail.Models[modelID] = map[string]any{
				"remaining":         remaining,
				"remainingFraction": fraction,
				"resetTime":         resetTime,
			}
		}

		if isRateLimited {
			detail.Status = "rate-limited"
		} else {
			detail.Status = "ok"
		}
		details = append(details, detail)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"latencyMs": time.Since(start).Milliseconds(),
		"summary":   status.Summary,
		"counts": gin.H{
			"total":       status.Total,
			"available":   status.Available,
			"rateLimited": status.RateLimited,
			"invalid":     status.Invalid,
		},
		"accounts": details,
	})
}
