package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// Model validation cache: one fetch at a time (single-flight), 5-minute
// TTL, shared process-wide.
var modelCache = struct {
	sync.RWMutex
	validModels map[string]bool
	lastFetched time.Time
	group       singleflight.Group
}{
	validModels: make(map[string]bool),
}

var modelHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	},
}

// ModelInfo is the upstream's per-model metadata.
type ModelInfo struct {
	DisplayName string          `json:"displayName,omitempty"`
	QuotaInfo   *ModelQuotaInfo `json:"quotaInfo,omitempty"`
}

// ModelQuotaInfo is the quota block inside ModelInfo.
type ModelQuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

// FetchModelsResponse is the fetchAvailableModels payload.
type FetchModelsResponse struct {
	Models map[string]*ModelInfo `json:"models,omitempty"`
}

// ModelListResponse lists models in the inbound API's format.
type ModelListResponse struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ModelEntry is one listed model.
type ModelEntry struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Description string `json:"description"`
}

// ModelQuota is one model's quota snapshot.
type ModelQuota struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

func isSupportedModel(modelID string) bool {
	family := config.GetModelFamily(modelID)
	return family == config.ModelFamilyClaude || family == config.ModelFamilyGemini
}

// ListModels returns the supported models in list format and warms the
// validation cache.
func ListModels(ctx context.Context, token string) (*ModelListResponse, error) {
	data, err := FetchAvailableModels(ctx, token, "")
	if err != nil {
		return nil, err
	}
	if data == nil || data.Models == nil {
		return &ModelListResponse{Object: "list", Data: []ModelEntry{}}, nil
	}

	now := time.Now().Unix()
	modelList := make([]ModelEntry, 0, len(data.Models))
	for modelID, modelData := range data.Models {
		if !isSupportedModel(modelID) {
			continue
		}
		description := modelID
		if modelData != nil && modelData.DisplayName != "" {
			description = modelData.DisplayName
		}
		modelList = append(modelList, ModelEntry{
			ID:          modelID,
			Object:      "model",
			Created:     now,
			OwnedBy:     "anthropic",
			Description: description,
		})
	}

	modelCache.Lock()
	modelCache.validModels = make(map[string]bool, len(modelList))
	for _, m := range modelList {
		modelCache.validModels[m.ID] = true
	}
	modelCache.lastFetched = time.Now()
	modelCache.Unlock()

	return &ModelListResponse{Object: "list", Data: modelList}, nil
}

// FetchAvailableModels calls fetchAvailableModels across the endpoint
// fallbacks. The project id, when known, yields per-project quota data.
func FetchAvailableModels(ctx context.Context, token, projectID string) (*FetchModelsResponse, error) {
	body := make(map[string]string)
	if projectID != "" {
		body["project"] = projectID
	}
	bodyBytes, _ := json.Marshal(body)

	for _, endpoint := range config.EndpointFallbacks {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v1internal:fetchAvailableModels", bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range config.UpstreamHeaders() {
			req.Header.Set(k, v)
		}

		resp, err := modelHTTPClient.Do(req)
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels failed at %s: %v", endpoint, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			utils.Warn("[CloudCode] fetchAvailableModels error at %s: %d", endpoint, resp.StatusCode)
			continue
		}

		var data FetchModelsResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels decode error at %s: %v", endpoint, err)
			continue
		}
		return &data, nil
	}

	return nil, fmt.Errorf("failed to fetch available models from all endpoints")
}

// GetModelQuotas extracts per-model quota snapshots for an account. A
// resetTime with no remainingFraction means the quota is spent.
func GetModelQuotas(ctx context.Context, token, projectID string) (map[string]*ModelQuota, error) {
	data, err := FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		return nil, err
	}
	if data == nil || data.Models == nil {
		return make(map[string]*ModelQuota), nil
	}

	quotas := make(map[string]*ModelQuota)
	for modelID, modelData := range data.Models {
		if !isSupportedModel(modelID) || modelData == nil || modelData.QuotaInfo == nil {
			continue
		}
		quota := &ModelQuota{ResetTime: modelData.QuotaInfo.ResetTime}
		if modelData.QuotaInfo.RemainingFraction != nil {
			quota.RemainingFraction = modelData.QuotaInfo.RemainingFraction
		} else if modelData.QuotaInfo.ResetTime != nil {
			zero := 0.0
			quota.RemainingFraction = &zero
		}
		quotas[modelID] = quota
	}
	return quotas, nil
}

// populateModelCache refreshes the validation cache under single-flight:
// concurrent validators wait on one fetch.
func populateModelCache(ctx context.Context, token, projectID string) error {
	modelCache.RLock()
	fresh := len(modelCache.validModels) > 0 &&
		time.Since(modelCache.lastFetched) < time.Duration(config.ModelValidationCacheTTLMs)*time.Millisecond
	modelCache.RUnlock()
	if fresh {
		return nil
	}

	_, err, _ := modelCache.group.Do("models", func() (any, error) {
		modelCache.RLock()
		fresh := len(modelCache.validModels) > 0 &&
			time.Since(modelCache.lastFetched) < time.Duration(config.ModelValidationCacheTTLMs)*time.Millisecond
		modelCache.RUnlock()
		if fresh {
			return nil, nil
		}

		data, err := FetchAvailableModels(ctx, token, projectID)
		if err != nil {
			return nil, err
		}

		if data != nil && data.Models != nil {
			modelCache.Lock()
			modelCache.validModels = make(map[string]bool, len(data.Models))
			for modelID := range data.Models {
				if isSupportedModel(modelID) {
					modelCache.validModels[modelID] = true
				}
			}
			modelCache.lastFetched = time.Now()
			modelCache.Unlock()
			utils.Debug("[CloudCode] Model cache populated with %d models", len(data.Models))
		}
		return nil, nil
	})
	return err
}

// IsValidModel validates a model id against the upstream list. An empty
// cache (fetch failed) fails open and lets the API decide.
func IsValidModel(ctx context.Context, modelID, token, projectID string) bool {
	_ = populateModelCache(ctx, token, projectID)

	modelCache.RLock()
	defer modelCache.RUnlock()
	if len(modelCache.validModels) > 0 {
		return modelCache.validModels[modelID]
	}
	return true
}
