package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// HealthScoreConfig tunes the hybrid strategy's health tracker.
type HealthScoreConfig struct {
	Initial          float64 `json:"initial"`
	SuccessReward    float64 `json:"successReward"`
	RateLimitPenalty float64 `json:"rateLimitPenalty"`
	FailurePenalty   float64 `json:"failurePenalty"`
	RecoveryPerHour  float64 `json:"recoveryPerHour"`
	MinUsable        float64 `json:"minUsable"`
	MaxScore         float64 `json:"maxScore"`
}

// TokenBucketConfig tunes the hybrid strategy's client-side token bucket.
type TokenBucketConfig struct {
	MaxTokens       float64 `json:"maxTokens"`
	TokensPerMinute float64 `json:"tokensPerMinute"`
	InitialTokens   float64 `json:"initialTokens"`
}

// QuotaConfig tunes quota-based exclusion in the hybrid strategy.
type QuotaConfig struct {
	LowThreshold      float64 `json:"lowThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`
	StaleMs           int64   `json:"staleMs"`
	UnknownScore      float64 `json:"unknownScore"`
}

// WeightsConfig holds the hybrid scoring weights.
type WeightsConfig struct {
	Health float64 `json:"health"`
	Tokens float64 `json:"tokens"`
	Quota  float64 `json:"quota"`
	Lru    float64 `json:"lru"`
}

// AccountSelectionConfig selects and tunes the pool strategy.
type AccountSelectionConfig struct {
	Strategy    string             `json:"strategy"`
	HealthScore *HealthScoreConfig `json:"healthScore,omitempty"`
	TokenBucket *TokenBucketConfig `json:"tokenBucket,omitempty"`
	Quota       *QuotaConfig       `json:"quota,omitempty"`
	Weights     *WeightsConfig     `json:"weights,omitempty"`
}

// Config is the runtime configuration, loaded from config.json under the
// user config directory and overridden by environment variables.
type Config struct {
	mu sync.RWMutex

	APIKey        string `json:"apiKey"`
	WebUIPassword string `json:"webuiPassword"`

	Debug    bool   `json:"debug"`
	DevMode  bool   `json:"devMode"`
	LogLevel string `json:"logLevel"`

	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`

	MaxAccounts          int     `json:"maxAccounts"`
	GlobalQuotaThreshold float64 `json:"globalQuotaThreshold"`

	RateLimitDedupWindowMs int64 `json:"rateLimitDedupWindowMs"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64 `json:"extendedCooldownMs"`
	MaxCapacityRetries     int   `json:"maxCapacityRetries"`
	SwitchAccountDelayMs   int64 `json:"switchAccountDelayMs"`

	ModelMapping map[string]string `json:"modelMapping"`

	AccountSelection AccountSelectionConfig `json:"accountSelection"`

	// Optional shared cache backend for signature data.
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	Port int    `json:"port"`
	Host string `json:"host"`

	FallbackEnabled bool `json:"fallbackEnabled"`
}

// DefaultConfig returns a Config with every tunable at its default.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:             "info",
		MaxRetries:           MaxRetries,
		RetryBaseMs:          FirstRetryDelayMs,
		RetryMaxMs:           30_000,
		DefaultCooldownMs:    DefaultCooldownMs,
		MaxWaitBeforeErrorMs: MaxWaitBeforeErrorMs,
		MaxAccounts:          MaxAccounts,
		GlobalQuotaThreshold: 0, // disabled
		RateLimitDedupWindowMs: RateLimitDedupWindowMs,
		MaxConsecutiveFailures: MaxConsecutiveFailures,
		ExtendedCooldownMs:     ExtendedCooldownMs,
		MaxCapacityRetries:     MaxCapacityRetries,
		SwitchAccountDelayMs:   SwitchAccountDelayMs,
		ModelMapping:           make(map[string]string),
		AccountSelection: AccountSelectionConfig{
			Strategy: DefaultSelectionStrategy,
			HealthScore: &HealthScoreConfig{
				Initial:          70,
				SuccessReward:    1,
				RateLimitPenalty: -10,
				FailurePenalty:   -20,
				RecoveryPerHour:  10,
				MinUsable:        50,
				MaxScore:         100,
			},
			TokenBucket: &TokenBucketConfig{
				MaxTokens:       50,
				TokensPerMinute: 6,
				InitialTokens:   50,
			},
			Quota: &QuotaConfig{
				LowThreshold:      0.10,
				CriticalThreshold: 0.05,
				StaleMs:           300_000,
				UnknownScore:      50,
			},
			Weights: &WeightsConfig{Health: 2, Tokens: 5, Quota: 3, Lru: 0.1},
		},
		Port: DefaultPort,
		Host: "0.0.0.0",
	}
}

var (
	configDir  = filepath.Join(utils.GetHomeDir(), ".config", ConfigDirName)
	configFile = filepath.Join(utils.GetHomeDir(), ".config", ConfigDirName, "config.json")
)

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the loaded process-wide config.
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		globalConfig.Load()
	})
	return globalConfig
}

// Load reads config.json (if present) and applies environment overrides.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := utils.EnsureDir(configDir); err != nil {
		utils.Warn("[Config] Failed to create config directory: %v", err)
	}

	if utils.FileExists(configFile) {
		if err := c.loadFromFile(configFile); err != nil {
			utils.Warn("[Config] Failed to load %s: %v", configFile, err)
		}
	}

	c.loadFromEnv()
	c.clampLocked()

	if c.Debug && !c.DevMode {
		c.DevMode = true
	}
	utils.SetDebug(c.Debug || c.DevMode)

	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Unmarshal over a defaults-populated copy so missing fields keep their
	// defaults, then adopt the result wholesale.
	loaded := DefaultConfig()
	if err := json.Unmarshal(data, loaded); err != nil {
		return err
	}

	c.APIKey = loaded.APIKey
	c.WebUIPassword = loaded.WebUIPassword
	c.Debug = loaded.Debug
	c.DevMode = loaded.DevMode
	c.LogLevel = loaded.LogLevel
	c.MaxRetries = loaded.MaxRetries
	c.RetryBaseMs = loaded.RetryBaseMs
	c.RetryMaxMs = loaded.RetryMaxMs
	c.DefaultCooldownMs = loaded.DefaultCooldownMs
	c.MaxWaitBeforeErrorMs = loaded.MaxWaitBeforeErrorMs
	c.MaxAccounts = loaded.MaxAccounts
	c.GlobalQuotaThreshold = loaded.GlobalQuotaThreshold
	c.RateLimitDedupWindowMs = loaded.RateLimitDedupWindowMs
	c.MaxConsecutiveFailures = loaded.MaxConsecutiveFailures
	c.ExtendedCooldownMs = loaded.ExtendedCooldownMs
	c.MaxCapacityRetries = loaded.MaxCapacityRetries
	c.SwitchAccountDelayMs = loaded.SwitchAccountDelayMs
	c.ModelMapping = loaded.ModelMapping
	c.AccountSelection = loaded.AccountSelection
	c.RedisAddr = loaded.RedisAddr
	c.RedisPassword = loaded.RedisPassword
	c.RedisDB = loaded.RedisDB
	c.Port = loaded.Port
	c.Host = loaded.Host
	c.FallbackEnabled = loaded.FallbackEnabled

	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("WEBUI_PASSWORD"); v != "" {
		c.WebUIPassword = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
	if v := os.Getenv("PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
}

// clampLocked keeps externally edited values inside their valid ranges.
func (c *Config) clampLocked() {
	c.MaxRetries = int(utils.Clamp(int64(c.MaxRetries), 1, 20))
	c.MaxAccounts = int(utils.Clamp(int64(c.MaxAccounts), 1, 100))
	c.MaxConsecutiveFailures = int(utils.Clamp(int64(c.MaxConsecutiveFailures), 1, 20))
	c.MaxCapacityRetries = int(utils.Clamp(int64(c.MaxCapacityRetries), 0, 20))
	c.DefaultCooldownMs = utils.Clamp(c.DefaultCooldownMs, 1000, 600_000)
	c.MaxWaitBeforeErrorMs = utils.Clamp(c.MaxWaitBeforeErrorMs, 10_000, 1_800_000)
	c.RateLimitDedupWindowMs = utils.Clamp(c.RateLimitDedupWindowMs, 500, 30_000)
	c.ExtendedCooldownMs = utils.Clamp(c.ExtendedCooldownMs, 5000, 3_600_000)
	c.SwitchAccountDelayMs = utils.Clamp(c.SwitchAccountDelayMs, 0, 60_000)
	c.GlobalQuotaThreshold = utils.ClampFloat(c.GlobalQuotaThreshold, 0, 0.99)
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = DefaultPort
	}
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := utils.EnsureDir(configDir); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp := configFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, configFile)
}

// Update applies a partial update and saves.
func (c *Config) Update(updates map[string]any) error {
	c.mu.Lock()

	for key, value := range updates {
		switch key {
		case "apiKey":
			if v, ok := value.(string); ok {
				c.APIKey = v
			}
		case "webuiPassword":
			if v, ok := value.(string); ok {
				c.WebUIPassword = v
			}
		case "debug":
			if v, ok := value.(bool); ok {
				c.Debug = v
			}
		case "devMode":
			if v, ok := value.(bool); ok {
				c.DevMode = v
			}
		case "globalQuotaThreshold":
			if v, ok := value.(float64); ok {
				c.GlobalQuotaThreshold = v
			}
		case "maxAccounts":
			if v, ok := value.(float64); ok {
				c.MaxAccounts = int(v)
			}
		case "fallbackEnabled":
			if v, ok := value.(bool); ok {
				c.FallbackEnabled = v
			}
		case "strategy":
			if v, ok := value.(string); ok {
				c.AccountSelection.Strategy = v
			}
		}
	}

	c.clampLocked()
	utils.SetDebug(c.Debug || c.DevMode)
	c.mu.Unlock()

	return c.Save()
}

// GetPublic returns the config with secrets redacted.
func (c *Config) GetPublic() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]any{
		"apiKey":                 redact(c.APIKey),
		"webuiPassword":          redact(c.WebUIPassword),
		"debug":                  c.Debug,
		"devMode":                c.DevMode,
		"logLevel":               c.LogLevel,
		"maxRetries":             c.MaxRetries,
		"retryBaseMs":            c.RetryBaseMs,
		"retryMaxMs":             c.RetryMaxMs,
		"defaultCooldownMs":      c.DefaultCooldownMs,
		"maxWaitBeforeErrorMs":   c.MaxWaitBeforeErrorMs,
		"maxAccounts":            c.MaxAccounts,
		"globalQuotaThreshold":   c.GlobalQuotaThreshold,
		"rateLimitDedupWindowMs": c.RateLimitDedupWindowMs,
		"maxConsecutiveFailures": c.MaxConsecutiveFailures,
		"extendedCooldownMs":     c.ExtendedCooldownMs,
		"maxCapacityRetries":     c.MaxCapacityRetries,
		"switchAccountDelayMs":   c.SwitchAccountDelayMs,
		"modelMapping":           c.ModelMapping,
		"accountSelection":       c.AccountSelection,
		"redisAddr":              c.RedisAddr,
		"redisPassword":          redact(c.RedisPassword),
		"redisDB":                c.RedisDB,
		"port":                   c.Port,
		"host":                   c.Host,
		"fallbackEnabled":        c.FallbackEnabled,
	}
}

// GetStrategy returns the configured selection strategy.
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccountSelection.Strategy
}

// SetStrategy changes the selection strategy.
func (c *Config) SetStrategy(strategy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AccountSelection.Strategy = strategy
}

// IsDevMode reports whether developer mode is on.
func (c *Config) IsDevMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DevMode
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
