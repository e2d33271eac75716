package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-relay/internal/account"
	"github.com/poemonsense/cloudcode-relay/internal/auth"
	"github.com/poemonsense/cloudcode-relay/internal/cloudcode"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/modules"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// AccountsHandler serves GET /account-limits.
type AccountsHandler struct {
	accountManager *account.Manager
	client         *cloudcode.Client
	cfg            *config.Config
	usageStats     *modules.UsageStats
}

// NewAccountsHandler creates an AccountsHandler.
func NewAccountsHandler(mgr *account.Manager, client *cloudcode.Client, cfg *config.Config, stats *modules.UsageStats) *AccountsHandler {
	return &AccountsHandler{accountManager: mgr, client: client, cfg: cfg, usageStats: stats}
}

type accountLimitResult struct {
	Email        string                           `json:"email"`
	Status       string                           `json:"status"`
	Error        string                           `json:"error,omitempty"`
	Subscription *auth.SubscriptionInfo           `json:"subscription,omitempty"`
	Models       map[string]*cloudcode.ModelQuota `json:"models"`
}

// AccountLimits reports per-account, per-model quota. ?format=table
// renders plain text; ?includeHistory=true appends usage history.
func (h *AccountsHandler) AccountLimits(c *gin.Context) {
	ctx := c.Request.Context()
	allAccounts := h.accountManager.GetAllAccounts()
	wantTable := c.Query("format") == "table"
	includeHistory := c.Query("includeHistory") == "true"

	results := make([]*accountLimitResult, 0, len(allAccounts))

	for _, acc := range allAccounts {
		result := &accountLimitResult{
			Email:  acc.Email,
			Models: make(map[string]*cloudcode.ModelQuota),
		}

		if acc.IsInvalid {
			result.Status = "invalid"
			result.Error = acc.InvalidReason
			results = append(results, result)
			continue
		}

		token, err := h.accountManager.GetTokenForAccount(ctx, acc)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			results = append(results, result)
			continue
		}

		subscription, err := auth.GetSubscriptionInfo(ctx, token)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			if acc.Subscription != nil {
				result.Subscription = &auth.SubscriptionInfo{
					Tier:      acc.Subscription.Tier,
					ProjectID: acc.Subscription.ProjectID,
				}
			}
			results = append(results, result)
			continue
		}
		result.Subscription = subscription

		quotas, err := h.client.GetModelQuotas(ctx, token, subscription.ProjectID)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			results = append(results, result)
			continue
		}

		result.Status = "ok"
		result.Models = quotas

		// Write the fresh readings back into the pool for the hybrid
		// strategy's quota tracker.
		h.accountManager.UpdateAccountSubscription(acc.Email, subscription.Tier, subscription.ProjectID)
		snapshots := make(map[string]account.QuotaSnapshot, len(quotas))
		for modelID, quota := range quotas {
			snapshot := account.QuotaSnapshot{}
			if quota.RemainingFraction != nil {
				snapshot.RemainingFraction = *quota.RemainingFraction
			}
			if quota.ResetTime != nil {
				snapshot.ResetTime = *quota.ResetTime
			}
			snapshots[modelID] = snapshot
		}
		h.accountManager.UpdateAccountQuota(acc.Email, snapshots)

		results = append(results, result)
	}

	modelIDSet := make(map[string]bool)
	for _, result := range results {
		for modelID := range result.Models {
			modelIDSet[modelID] = true
		}
	}
	sortedModels := make([]string, 0, len(modelIDSet))
	for modelID := range modelIDSet {
		sortedModels = append(sortedModels, modelID)
	}
	sort.Strings(sortedModels)

	if wantTable {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.String(http.StatusOK, h.buildTable(results, sortedModels))
		return
	}

	accountStatus := h.accountManager.GetStatus()
	accountsData := make([]map[string]any, 0, len(results))

	for _, result := range results {
		var metadata *account.AccountStatus
		for _, s := range accountStatus.Accounts {
			if s.Email == result.Email {
				metadata = s
				break
			}
		}

		accData := map[string]any{
			"email":        result.Email,
			"status":       result.Status,
			"subscription": result.Subscription,
		}
		if result.Error != "" {
			accData["error"] = result.Error
		}
		if metadata != nil {
			accData["source"] = metadata.Source
			accData["enabled"] = metadata.Enabled
			accData["projectId"] = metadata.ProjectID
			accData["isInvalid"] = metadata.IsInvalid
			accData["invalidReason"] = metadata.InvalidReason
			accData["lastUsed"] = metadata.LastUsed
			accData["modelRateLimits"] = metadata.ModelRateLimits
			if metadata.QuotaThreshold != nil {
				accData["quotaThreshold"] = metadata.QuotaThreshold
			}
			if len(metadata.ModelQuotaThresholds) > 0 {
				accData["modelQuotaThresholds"] = metadata.ModelQuotaThresholds
			}
		}

		limits := make(map[string]any, len(sortedModels))
		for _, modelID := range sortedModels {
			quota := result.Models[modelID]
			if quota == nil {
				limits[modelID] = nil
				continue
			}
			remaining := "N/A"
			var fraction float64
			if quota.RemainingFraction != nil {
				fraction = *quota.RemainingFraction
				remaining = utils.FormatPercent(fraction)
			}
			resetTime := ""
			if quota.ResetTime != nil {
				resetTime = *quota.ResetTime
			}
			limits[modelID] = map[string]any{
				"remaining":         remaining,
				"remainingFraction": fraction,
				"resetTime":         resetTime,
			}
		}
		accData["limits"] = limits
		accountsData = append(accountsData, accData)
	}

	responseData := gin.H{
		"timestamp":            time.Now().Format(time.RFC3339),
		"totalAccounts":        len(allAccounts),
		"models":               sortedModels,
		"modelConfig":          h.cfg.ModelMapping,
		"globalQuotaThreshold": h.cfg.GlobalQuotaThreshold,
		"accounts":             accountsData,
	}
	if includeHistory && h.usageStats != nil {
		responseData["history"] = h.usageStats.GetHistory()
	}

	c.JSON(http.StatusOK, responseData)
}

// buildTable renders two plain-text tables: account status and per-model
// quota percentages.
func (h *AccountsHandler) buildTable(results []*accountLimitResult, sortedModels []string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Account Limits (%s)\n", time.Now().Format(time.RFC1123)))
	status := h.accountManager.GetStatus()
	sb.WriteString(fmt.Sprintf("Accounts: %d total, %d available, %d rate-limited, %d invalid\n\n",
		status.Total, status.Available, status.RateLimited, status.Invalid))

	const accCol, statusCol, lastUsedCol = 25, 18, 32
	sb.WriteString(fmt.Sprintf("%-*s%-*s%-*s%s\n", accCol, "Account", statusCol, "Status", lastUsedCol, "Last Used", "Quota Reset"))
	sb.WriteString(strings.Repeat("-", accCol+statusCol+lastUsedCol+25) + "\n")

	for _, entry := range status.Accounts {
		shortEmail := localPart(entry.Email, 22)

		lastUsed := "never"
		if entry.LastUsed > 0 {
			lastUsed = time.UnixMilli(entry.LastUsed).Format(time.RFC1123)
		}

		var accResult *accountLimitResult
		for _, r := range results {
			if r.Email == entry.Email {
				accResult = r
				break
			}
		}

		accStatus := "unknown"
		switch {
		case entry.IsInvalid:
			accStatus = "invalid"
		case accResult != nil && accResult.Status == "error":
			accStatus = "error"
		case accResult != nil:
			exhausted := 0
			for _, q := range accResult.Models {
				if q.RemainingFraction == nil || *q.RemainingFraction <= 0 {
					exhausted++
				}
			}
			if exhausted == 0 {
				accStatus = "ok"
			} else {
				accStatus = fmt.Sprintf("(%d/%d) limited", exhausted, len(accResult.Models))
			}
		}

		resetTime := "-"
		if accResult != nil {
			for _, modelID := range sortedModels {
				if q := accResult.Models[modelID]; q != nil && q.ResetTime != nil && *q.ResetTime != "" {
					resetTime = *q.ResetTime
					break
				}
			}
		}

		sb.WriteString(fmt.Sprintf("%-*s%-*s%-*s%s\n", accCol, shortEmail, statusCol, accStatus, lastUsedCol, lastUsed, resetTime))
		if accResult != nil && accResult.Error != "" {
			sb.WriteString(fmt.Sprintf("  -> %s\n", accResult.Error))
		}
	}
	sb.WriteString("\n")

	modelCol := 28
	for _, m := range sortedModels {
		if len(m)+2 > modelCol {
			modelCol = len(m) + 2
		}
	}
	const accountCol = 30

	sb.WriteString(fmt.Sprintf("%-*s", modelCol, "Model"))
	for _, r := range results {
		sb.WriteString(fmt.Sprintf("%-*s", accountCol, localPart(r.Email, 26)))
	}
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("-", modelCol+len(results)*accountCol) + "\n")

	for _, modelID := range sortedModels {
		sb.WriteString(fmt.Sprintf("%-*s", modelCol, modelID))
		for _, r := range results {
			var cell string
			switch {
			case r.Status != "ok":
				cell = fmt.Sprintf("[%s]", r.Status)
			case r.Models[modelID] == nil:
				cell = "-"
			default:
				quota := r.Models[modelID]
				if quota.RemainingFraction == nil || *quota.RemainingFraction <= 0 {
					cell = "0% (exhausted)"
					if quota.ResetTime != nil && *quota.ResetTime != "" {
						if waitMs := msUntil(*quota.ResetTime); waitMs > 0 {
							cell = fmt.Sprintf("0%% (wait %s)", utils.FormatDuration(waitMs))
						}
					}
				} else {
					cell = fmt.Sprintf("%d%%", int(*quota.RemainingFraction*100))
				}
			}
			sb.WriteString(fmt.Sprintf("%-*s", accountCol, cell))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func localPart(email string, maxLen int) string {
	short := email
	if idx := strings.Index(short, "@"); idx > 0 {
		short = short[:idx]
	}
	if len(short) > maxLen {
		short = short[:maxLen]
	}
	return short
}

func msUntil(resetTime string) int64 {
	t, err := time.Parse(time.RFC3339, resetTime)
	if err != nil {
		return 0
	}
	return time.Until(t).Milliseconds()
}
