package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// ServerPresetConfig is the tunable bundle carried by a server preset.
type ServerPresetConfig struct {
	MaxRetries             int                    `json:"maxRetries"`
	RetryBaseMs            int64                  `json:"retryBaseMs"`
	RetryMaxMs             int64                  `json:"retryMaxMs"`
	DefaultCooldownMs      int64                  `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs   int64                  `json:"maxWaitBeforeErrorMs"`
	MaxAccounts            int                    `json:"maxAccounts"`
	GlobalQuotaThreshold   float64                `json:"globalQuotaThreshold"`
	RateLimitDedupWindowMs int64                  `json:"rateLimitDedupWindowMs"`
	MaxConsecutiveFailures int                    `json:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64                  `json:"extendedCooldownMs"`
	MaxCapacityRetries     int                    `json:"maxCapacityRetries"`
	SwitchAccountDelayMs   int64                  `json:"switchAccountDelayMs"`
	CapacityBackoffTiersMs []int64                `json:"capacityBackoffTiersMs"`
	AccountSelection       AccountSelectionConfig `json:"accountSelection"`
}

// ServerPreset is a named server tuning bundle. Built-ins are merged on read
// and can never be edited or deleted.
type ServerPreset struct {
	Name        string             `json:"name"`
	BuiltIn     bool               `json:"builtIn,omitempty"`
	Description string             `json:"description,omitempty"`
	Config      ServerPresetConfig `json:"config"`
}

// ClaudePreset is a named client-environment bundle for Claude CLI users.
type ClaudePreset struct {
	Name    string            `json:"name"`
	BuiltIn bool              `json:"builtIn,omitempty"`
	Config  map[string]string `json:"config"`
}

// DefaultServerPresets are the built-in server tuning bundles.
var DefaultServerPresets = []ServerPreset{
	{
		Name:    "Default (3-5 Accounts)",
		BuiltIn: true,
		Config: ServerPresetConfig{
			MaxRetries:             5,
			RetryBaseMs:            1000,
			RetryMaxMs:             30_000,
			DefaultCooldownMs:      10_000,
			MaxWaitBeforeErrorMs:   120_000,
			MaxAccounts:            10,
			GlobalQuotaThreshold:   0,
			RateLimitDedupWindowMs: 2000,
			MaxConsecutiveFailures: 3,
			ExtendedCooldownMs:     60_000,
			MaxCapacityRetries:     5,
			SwitchAccountDelayMs:   5000,
			CapacityBackoffTiersMs: []int64{5000, 10_000, 20_000, 30_000, 60_000},
			AccountSelection: AccountSelectionConfig{
				Strategy: StrategyHybrid,
				HealthScore: &HealthScoreConfig{
					Initial: 70, SuccessReward: 1, RateLimitPenalty: -10,
					FailurePenalty: -20, RecoveryPerHour: 10, MinUsable: 50, MaxScore: 100,
				},
				TokenBucket: &TokenBucketConfig{MaxTokens: 50, TokensPerMinute: 6, InitialTokens: 50},
				Quota:       &QuotaConfig{LowThreshold: 0.10, CriticalThreshold: 0.05, StaleMs: 300_000},
				Weights:     &WeightsConfig{Health: 2, Tokens: 5, Quota: 3, Lru: 0.1},
			},
		},
	},
	{
		Name:    "Many Accounts (10+)",
		BuiltIn: true,
		Config: ServerPresetConfig{
			MaxRetries:             3,
			RetryBaseMs:            500,
			RetryMaxMs:             15_000,
			DefaultCooldownMs:      5000,
			MaxWaitBeforeErrorMs:   60_000,
			MaxAccounts:            50,
			GlobalQuotaThreshold:   0.10,
			RateLimitDedupWindowMs: 1000,
			MaxConsecutiveFailures: 2,
			ExtendedCooldownMs:     30_000,
			MaxCapacityRetries:     3,
			SwitchAccountDelayMs:   3000,
			CapacityBackoffTiersMs: []int64{3000, 6000, 12_000, 20_000, 40_000},
			AccountSelection: AccountSelectionConfig{
				Strategy: StrategyHybrid,
				HealthScore: &HealthScoreConfig{
					Initial: 70, SuccessReward: 1, RateLimitPenalty: -15,
					FailurePenalty: -25, RecoveryPerHour: 5, MinUsable: 40, MaxScore: 100,
				},
				TokenBucket: &TokenBucketConfig{MaxTokens: 30, TokensPerMinute: 8, InitialTokens: 30},
				Quota:       &QuotaConfig{LowThreshold: 0.15, CriticalThreshold: 0.05, StaleMs: 180_000},
				Weights:     &WeightsConfig{Health: 5, Tokens: 2, Quota: 3, Lru: 0.01},
			},
		},
	},
	{
		Name:    "Conservative",
		BuiltIn: true,
		Config: ServerPresetConfig{
			MaxRetries:             8,
			RetryBaseMs:            2000,
			RetryMaxMs:             60_000,
			DefaultCooldownMs:      20_000,
			MaxWaitBeforeErrorMs:   240_000,
			MaxAccounts:            10,
			GlobalQuotaThreshold:   0.20,
			RateLimitDedupWindowMs: 3000,
			MaxConsecutiveFailures: 5,
			ExtendedCooldownMs:     120_000,
			MaxCapacityRetries:     8,
			SwitchAccountDelayMs:   8000,
			CapacityBackoffTiersMs: []int64{8000, 15_000, 30_000, 45_000, 90_000},
			AccountSelection: AccountSelectionConfig{
				Strategy: StrategySticky,
				HealthScore: &HealthScoreConfig{
					Initial: 80, SuccessReward: 2, RateLimitPenalty: -5,
					FailurePenalty: -10, RecoveryPerHour: 3, MinUsable: 50, MaxScore: 100,
				},
				TokenBucket: &TokenBucketConfig{MaxTokens: 80, TokensPerMinute: 4, InitialTokens: 80},
				Quota:       &QuotaConfig{LowThreshold: 0.20, CriticalThreshold: 0.10, StaleMs: 300_000},
				Weights:     &WeightsConfig{Health: 3, Tokens: 4, Quota: 2, Lru: 0.05},
			},
		},
	},
}

// DefaultClaudePresets are the built-in client environment bundles.
var DefaultClaudePresets = []ClaudePreset{
	{
		Name:    "Claude Thinking",
		BuiltIn: true,
		Config: map[string]string{
			"ANTHROPIC_AUTH_TOKEN":           "test",
			"ANTHROPIC_BASE_URL":             "http://localhost:8080",
			"ANTHROPIC_MODEL":                "claude-opus-4-6-thinking",
			"ANTHROPIC_DEFAULT_OPUS_MODEL":   "claude-opus-4-6-thinking",
			"ANTHROPIC_DEFAULT_SONNET_MODEL": "claude-sonnet-4-5-thinking",
			"ANTHROPIC_DEFAULT_HAIKU_MODEL":  "claude-sonnet-4-5",
		},
	},
	{
		Name:    "Gemini 1M",
		BuiltIn: true,
		Config: map[string]string{
			"ANTHROPIC_AUTH_TOKEN":           "test",
			"ANTHROPIC_BASE_URL":             "http://localhost:8080",
			"ANTHROPIC_MODEL":                "gemini-3-pro-high[1m]",
			"ANTHROPIC_DEFAULT_OPUS_MODEL":   "gemini-3-pro-high[1m]",
			"ANTHROPIC_DEFAULT_SONNET_MODEL": "gemini-3-flash[1m]",
			"ANTHROPIC_DEFAULT_HAIKU_MODEL":  "gemini-3-flash[1m]",
		},
	},
}

// ServerPresetsManager reads and writes server preset bundles.
type ServerPresetsManager struct {
	mu   sync.RWMutex
	path string
}

// NewServerPresetsManager creates a manager writing to the default path.
func NewServerPresetsManager() *ServerPresetsManager {
	return &ServerPresetsManager{path: ServerPresetsPath}
}

func builtInServerNames() map[string]bool {
	names := make(map[string]bool)
	for _, p := range DefaultServerPresets {
		names[p.Name] = true
	}
	return names
}

// ReadServerPresets returns built-ins merged with user custom presets.
// Creates the file with defaults when missing.
func (m *ServerPresetsManager) ReadServerPresets() ([]ServerPreset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readLocked()
}

func (m *ServerPresetsManager) readLocked() ([]ServerPreset, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			if writeErr := m.writeLocked(DefaultServerPresets); writeErr != nil {
				utils.Warn("[ServerPresets] Could not create presets file: %v", writeErr)
			}
			return DefaultServerPresets, nil
		}
		return nil, err
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return DefaultServerPresets, nil
	}

	var userPresets []ServerPreset
	if err := json.Unmarshal(data, &userPresets); err != nil {
		utils.Error("[ServerPresets] Invalid JSON at %s, returning defaults", m.path)
		return DefaultServerPresets, nil
	}

	// Built-ins always come from code (latest version), then custom presets.
	builtIn := builtInServerNames()
	result := make([]ServerPreset, 0, len(DefaultServerPresets)+len(userPresets))
	result = append(result, DefaultServerPresets...)
	for _, p := range userPresets {
		if !builtIn[p.Name] && !p.BuiltIn {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *ServerPresetsManager) writeLocked(presets []ServerPreset) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(presets, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// SaveServerPreset adds or updates a custom preset. Built-ins are protected.
func (m *ServerPresetsManager) SaveServerPreset(name string, cfg ServerPresetConfig, description string) ([]ServerPreset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if builtInServerNames()[name] {
		return nil, errors.New("cannot overwrite built-in preset " + quote(name))
	}

	all, err := m.readLocked()
	if err != nil {
		return nil, err
	}

	preset := ServerPreset{Name: name, Config: cfg, Description: strings.TrimSpace(description)}

	updated := false
	for i, p := range all {
		if p.Name == name && !p.BuiltIn {
			all[i] = preset
			updated = true
			break
		}
	}
	if !updated {
		all = append(all, preset)
	}

	if err := m.writeLocked(all); err != nil {
		return nil, err
	}
	return all, nil
}

// DeleteServerPreset removes a custom preset. Built-ins are protected.
func (m *ServerPresetsManager) DeleteServerPreset(name string) ([]ServerPreset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if builtInServerNames()[name] {
		return nil, errors.New("cannot delete built-in preset " + quote(name))
	}

	all, err := m.readLocked()
	if err != nil {
		return nil, err
	}

	filtered := make([]ServerPreset, 0, len(all))
	for _, p := range all {
		if p.Name != name {
			filtered = append(filtered, p)
		}
	}

	if err := m.writeLocked(filtered); err != nil {
		return nil, err
	}
	return filtered, nil
}

// ReadClaudePresets returns built-in client bundles merged with user ones.
func ReadClaudePresets() ([]ClaudePreset, error) {
	data, err := os.ReadFile(ClaudePresetsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultClaudePresets, nil
		}
		return nil, err
	}

	var userPresets []ClaudePreset
	if err := json.Unmarshal(data, &userPresets); err != nil {
		return DefaultClaudePresets, nil
	}

	builtIn := make(map[string]bool)
	for _, p := range DefaultClaudePresets {
		builtIn[p.Name] = true
	}

	result := make([]ClaudePreset, 0, len(DefaultClaudePresets)+len(userPresets))
	result = append(result, DefaultClaudePresets...)
	for _, p := range userPresets {
		if !builtIn[p.Name] && !p.BuiltIn {
			result = append(result, p)
		}
	}
	return result, nil
}

func quote(s string) string {
	return "\"" + s + "\""
}

var (
	globalPresetsManager     *ServerPresetsManager
	globalPresetsManagerOnce sync.Once
)

// GetServerPresetsManager returns the process-wide presets manager.
func GetServerPresetsManager() *ServerPresetsManager {
	globalPresetsManagerOnce.Do(func() {
		globalPresetsManager = NewServerPresetsManager()
	})
	return globalPresetsManager
}
