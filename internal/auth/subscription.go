package auth

import (
	"context"
	"strings"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// SubscriptionInfo is the detected tier and project for an account.
type SubscriptionInfo struct {
	Tier      string `json:"tier"` // free, pro, ultra, unknown
	ProjectID string `json:"projectId,omitempty"`
}

// ParseTierID maps raw tier ids onto subscription levels.
func ParseTierID(tierID string) string {
	if tierID == "" {
		return "unknown"
	}
	lower := strings.ToLower(tierID)

	if strings.Contains(lower, "ultra") {
		return "ultra"
	}
	// standard-tier is the paid, project-based plan.
	if lower == "standard-tier" {
		return "pro"
	}
	if strings.Contains(lower, "pro") || strings.Contains(lower, "premium") {
		return "pro"
	}
	if lower == "free-tier" || strings.Contains(lower, "free") {
		return "free"
	}
	return "unknown"
}

// GetSubscriptionInfo fetches the subscription tier via loadCodeAssist.
// Tier sources are consulted in order: paidTier, currentTier, then the
// default entry of allowedTiers.
func GetSubscriptionInfo(ctx context.Context, token string) (*SubscriptionInfo, error) {
	reqBody := map[string]any{
		"metadata": map[string]string{
			"ideType":     "IDE_UNSPECIFIED",
			"platform":    "PLATFORM_UNSPECIFIED",
			"pluginType":  "GEMINI",
			"duetProject": config.DefaultProjectID,
		},
	}

	for _, endpoint := range config.LoadCodeAssistEndpoints {
		data, err := postJSON(ctx, endpoint+"/v1internal:loadCodeAssist", token, reqBody)
		if err != nil {
			utils.Warn("[Auth] loadCodeAssist failed at %s: %v", endpoint, err)
			continue
		}

		var projectID string
		switch v := data["cloudaicompanionProject"].(type) {
		case string:
			projectID = v
		case map[string]any:
			if id, ok := v["id"].(string); ok {
				projectID = id
			}
		}

		tier := "unknown"
		var tierID, tierSource string

		if paid, ok := data["paidTier"].(map[string]any); ok {
			if id, ok := paid["id"].(string); ok && id != "" {
				tierID, tierSource = id, "paidTier"
				tier = ParseTierID(id)
			}
		}
		if tier == "unknown" {
			if current, ok := data["currentTier"].(map[string]any); ok {
				if id, ok := current["id"].(string); ok && id != "" {
					tierID, tierSource = id, "currentTier"
					tier = ParseTierID(id)
				}
			}
		}
		if tier == "unknown" {
			if id := defaultTierID(data); id != "" {
				tierID, tierSource = id, "allowedTiers"
				tier = ParseTierID(id)
			}
		}

		utils.Debug("[Auth] Subscription detected: %s (tierId: %s, source: %s), project: %s",
			tier, tierID, tierSource, projectID)
		return &SubscriptionInfo{Tier: tier, ProjectID: projectID}, nil
	}

	utils.Warn("[Auth] Failed to detect subscription tier from all endpoints, defaulting to free")
	return &SubscriptionInfo{Tier: "free"}, nil
}
