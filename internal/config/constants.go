// Package config provides compile-time constants and runtime configuration
// for the relay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version of the relay.
const Version = "1.2.0"

// Cloud Code API endpoints, in generateContent fallback order (daily first).
const (
	EndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	EndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// EndpointFallbacks is the per-request endpoint rotation order.
var EndpointFallbacks = []string{EndpointDaily, EndpointProd}

// LoadCodeAssistEndpoints is the order for loadCodeAssist. Prod goes first:
// fresh accounts provision more reliably there.
var LoadCodeAssistEndpoints = []string{EndpointProd, EndpointDaily}

// OnboardUserEndpoints is the order for onboardUser.
var OnboardUserEndpoints = EndpointFallbacks

// DefaultProjectID is used when project discovery yields nothing.
const DefaultProjectID = "rising-fact-p41fc"

// UpstreamHeaders returns the headers every Cloud Code call must carry.
func UpstreamHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        platformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   clientMetadata(),
	}
}

func platformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// ClientMetadata enums, numeric as the upstream expects them.
const (
	IdeTypeUnspecified = 0
	IdeTypeAntigravity = 6

	PlatformUnspecified = 0
	PlatformWindows     = 1
	PlatformLinux       = 2
	PlatformMacOS       = 3

	PluginTypeUnspecified = 0
	PluginTypeGemini      = 2
)

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnspecified
	}
}

func clientMetadata() string {
	metadata := map[string]int{
		"ideType":    IdeTypeAntigravity,
		"platform":   platformEnum(),
		"pluginType": PluginTypeGemini,
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// Timing constants.
const (
	// TokenRefreshIntervalMs is the access-token cache TTL.
	TokenRefreshIntervalMs = 5 * 60 * 1000
	// RequestBodyLimit caps inbound request bodies.
	RequestBodyLimit int64 = 50 * 1024 * 1024
	// DefaultPort is the default listen port.
	DefaultPort = 8080
)

// ConfigDirName is the directory under the user config root.
const ConfigDirName = "cloudcode-relay"

// Persistent state paths.
var (
	// AccountConfigPath is where the credential store lives.
	AccountConfigPath = filepath.Join(homeDir(), ".config", ConfigDirName, "accounts.json")
	// UsageHistoryPath holds per-hour request counters.
	UsageHistoryPath = filepath.Join(homeDir(), ".config", ConfigDirName, "usage-history.json")
	// LegacyUsageHistoryPath is migrated to UsageHistoryPath on startup.
	LegacyUsageHistoryPath = filepath.Join(homeDir(), ".cloudcode-relay", "usage-history.json")
	// ServerPresetsPath holds named server tuning bundles.
	ServerPresetsPath = filepath.Join(homeDir(), ".config", ConfigDirName, "server-presets.json")
	// ClaudePresetsPath holds named client environment bundles.
	ClaudePresetsPath = filepath.Join(homeDir(), ".config", ConfigDirName, "claude-presets.json")
	// LocalStateDBPath points at the IDE state database for local-db accounts.
	LocalStateDBPath = localStateDBPath()
)

// Rate limit and retry constants.
const (
	DefaultCooldownMs      = 10 * 1000
	MaxRetries             = 5
	MaxEmptyResponseRetries = 2
	MaxAccounts            = 10
	MaxWaitBeforeErrorMs   = 120_000
	RateLimitDedupWindowMs = 2000
	RateLimitStateResetMs  = 120_000
	FirstRetryDelayMs      = 1000
	SwitchAccountDelayMs   = 5000
	MaxConsecutiveFailures = 3
	ExtendedCooldownMs     = 60_000
	MaxCapacityRetries     = 5
	MinBackoffMs           = 2000
	CapacityJitterMaxMs    = 10_000 // yields +/-5s
)

// CapacityBackoffTiersMs is the progressive schedule for capacity exhaustion.
var CapacityBackoffTiersMs = []int64{5000, 10_000, 20_000, 30_000, 60_000}

// QuotaExhaustedBackoffTiersMs grows with consecutive failures: 60s, 5m, 30m, 2h.
var QuotaExhaustedBackoffTiersMs = []int64{60_000, 300_000, 1_800_000, 7_200_000}

// BackoffByErrorType is the smart backoff used when the server gives no hint.
var BackoffByErrorType = map[string]int64{
	"RATE_LIMIT_EXCEEDED":      30_000,
	"MODEL_CAPACITY_EXHAUSTED": 15_000,
	"SERVER_ERROR":             20_000,
	"UNKNOWN":                  60_000,
}

// MinSignatureLength is the shortest signature worth validating or caching.
const MinSignatureLength = 50

// Selection strategies.
const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
	StrategyHybrid     = "hybrid"

	DefaultSelectionStrategy = StrategyHybrid
)

// SelectionStrategies lists the valid strategy names.
var SelectionStrategies = []string{StrategySticky, StrategyRoundRobin, StrategyHybrid}

// StrategyLabels maps strategy names to display labels.
var StrategyLabels = map[string]string{
	StrategySticky:     "Sticky (Cache Optimized)",
	StrategyRoundRobin: "Round Robin (Load Balanced)",
	StrategyHybrid:     "Hybrid (Smart Distribution)",
}

// Gemini-specific limits.
const (
	GeminiMaxOutputTokens     = 16384
	GeminiSkipSignature       = "skip_thought_signature_validator"
	SignatureCacheTTLMs       = 2 * 60 * 60 * 1000
	SignatureCacheMaxEntries  = 10_000
	ModelValidationCacheTTLMs = 5 * 60 * 1000
)

// OAuthSettings describes the Google OAuth application used for enrolment.
type OAuthSettings struct {
	ClientID              string
	ClientSecret          string
	AuthURL               string
	TokenURL              string
	UserInfoURL           string
	CallbackPort          int
	CallbackFallbackPorts []int
	Scopes                []string
}

// OAuth is the OAuth configuration for account enrolment.
var OAuth = OAuthSettings{
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret: "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",
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserInfoURL:  "https://www.googleapis.com/oauth2/v1/userinfo",
	CallbackPort: oauthCallbackPort(),
	CallbackFallbackPorts: []int{51122, 51123, 51124, 51125, 51126},
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

// OAuthRedirectURI returns the redirect URI for the primary callback port.
func OAuthRedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", OAuth.CallbackPort)
}

// UpstreamSystemInstruction is prefixed to every request's system prompt.
const UpstreamSystemInstruction = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**`

// ModelFallbackMap assigns each model a cross-family substitute used when
// every account is exhausted. Fallback is one step only.
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-6-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-6-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// ModelFamily classifies models by name.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// GetModelFamily returns the family for a model name.
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

// IsThinkingModel reports whether the model emits reasoning output. Claude
// thinking models carry "thinking" in the name; Gemini models do too, or are
// version 3 and above.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") {
		return strings.Contains(lower, "thinking")
	}

	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersionRe.FindStringSubmatch(lower); len(m) >= 2 {
			if version, err := strconv.Atoi(m[1]); err == nil && version >= 3 {
				return true
			}
		}
	}

	return false
}

// GetFallbackModel returns the configured fallback for a model, if any.
func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func localStateDBPath() string {
	home := homeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}

func oauthCallbackPort() int {
	if portStr := os.Getenv("OAUTH_CALLBACK_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			return port
		}
	}
	return 51121
}
