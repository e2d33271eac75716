package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// DiscoverProjectID resolves the Cloud Code project for a freshly enrolled
// account: loadCodeAssist across endpoints, then onboarding if the account
// has no project yet.
func DiscoverProjectID(ctx context.Context, accessToken string) (string, error) {
	var loadCodeAssistData map[string]any

	for _, endpoint := range config.LoadCodeAssistEndpoints {
		projectID, data, err := tryLoadCodeAssist(ctx, accessToken, endpoint)
		if err != nil {
			utils.Warn("[OAuth] Project discovery failed at %s: %v", endpoint, err)
			continue
		}
		if projectID != "" {
			return projectID, nil
		}
		loadCodeAssistData = data
		utils.Info("[OAuth] No project in loadCodeAssist response, attempting onboardUser...")
		break
	}

	if loadCodeAssistData != nil {
		tierID := defaultTierID(loadCodeAssistData)
		if tierID == "" {
			tierID = "free-tier"
		}
		utils.Info("[OAuth] Onboarding user with tier: %s", tierID)

		onboarded, err := OnboardUser(ctx, accessToken, tierID, "", 10, 5000)
		if err == nil && onboarded != "" {
			utils.Success("[OAuth] Successfully onboarded, project: %s", onboarded)
			return onboarded, nil
		}
	}

	return "", nil
}

func tryLoadCodeAssist(ctx context.Context, accessToken, endpoint string) (string, map[string]any, error) {
	reqBody := map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}

	data, err := postJSON(ctx, endpoint+"/v1internal:loadCodeAssist", accessToken, reqBody)
	if err != nil {
		return "", nil, err
	}

	// The project comes back either as a plain string or an object with id.
	switch v := data["cloudaicompanionProject"].(type) {
	case string:
		if v != "" {
			return v, data, nil
		}
	case map[string]any:
		if id, ok := v["id"].(string); ok && id != "" {
			return id, data, nil
		}
	}

	return "", data, nil
}

// defaultTierID picks the tier marked default from allowedTiers, falling
// back to the first entry.
func defaultTierID(data map[string]any) string {
	allowedTiers, ok := data["allowedTiers"].([]any)
	if !ok || len(allowedTiers) == 0 {
		return ""
	}

	for _, tier := range allowedTiers {
		tierMap, ok := tier.(map[string]any)
		if !ok {
			continue
		}
		if isDefault, _ := tierMap["isDefault"].(bool); isDefault {
			if id, ok := tierMap["id"].(string); ok {
				return id
			}
		}
	}

	if first, ok := allowedTiers[0].(map[string]any); ok {
		if id, ok := first["id"].(string); ok {
			return id
		}
	}
	return ""
}

// OnboardUser provisions a managed project, polling until the long-running
// operation reports done.
func OnboardUser(ctx context.Context, token, tierID, projectID string, maxAttempts int, delayMs int64) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if delayMs <= 0 {
		delayMs = 5000
	}

	metadata := map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
	if projectID != "" {
		metadata["duetProject"] = projectID
	}

	// cloudaicompanionProject must stay out of the body: auto-provisioned
	// tiers reject it with a 400.
	requestBody := map[string]any{
		"tierId":   tierID,
		"metadata": metadata,
	}

	utils.Debug("[Onboarding] Starting onboard with tierId: %s, projectID: %s", tierID, projectID)

	for _, endpoint := range config.OnboardUserEndpoints {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			result, err := postJSON(ctx, endpoint+"/v1internal:onboardUser", token, requestBody)
			if err != nil {
				utils.Warn("[Onboarding] onboardUser failed at %s: %v", endpoint, err)
				break // next endpoint
			}

			if done, _ := result["done"].(bool); done {
				if response, ok := result["response"].(map[string]any); ok {
					if proj, ok := response["cloudaicompanionProject"].(map[string]any); ok {
						if id, ok := proj["id"].(string); ok && id != "" {
							return id, nil
						}
					}
				}
				if projectID != "" {
					return projectID, nil
				}
			}

			if attempt < maxAttempts-1 {
				utils.Debug("[Onboarding] onboardUser not complete, waiting %dms...", delayMs)
				if err := utils.Sleep(ctx, delayMs); err != nil {
					return "", err
				}
			}
		}
	}

	return "", fmt.Errorf("all onboarding attempts failed")
}

func postJSON(ctx context.Context, url, token string, body any) (map[string]any, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.UpstreamHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}
