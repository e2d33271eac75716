package config

import "testing"

func TestGetModelFamily(t *testing.T) {
	cases := []struct {
		model string
		want  ModelFamily
	}{
		{"claude-opus-4-6-thinking", ModelFamilyClaude},
		{"claude-sonnet-4-5", ModelFamilyClaude},
		{"gemini-3-pro-high", ModelFamilyGemini},
		{"gpt-4o", ModelFamilyUnknown},
		{"", ModelFamilyUnknown},
	}
	for _, c := range cases {
		if got := GetModelFamily(c.model); got != c.want {
			t.Errorf("GetModelFamily(%q) = %s, want %s", c.model, got, c.want)
		}
	}
}

func TestIsThinkingModel(t *testing.T) {
	cases := []struct {
		model string
		want  bool
	}{
		{"claude-opus-4-6-thinking", true},
		{"claude-sonnet-4-5-thinking", true},
		{"claude-sonnet-4-5", false},
		{"gemini-2.0-flash-thinking", true},
		{"gemini-3-flash", true},  // version >= 3 implies thinking
		{"gemini-2-flash", false}, // version < 3, no thinking marker
		{"gemini-3-pro-high", true},
		{"unrelated-model", false},
	}
	for _, c := range cases {
		if got := IsThinkingModel(c.model); got != c.want {
			t.Errorf("IsThinkingModel(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestFallbackMapCrossesFamilies(t *testing.T) {
	for model, fallback := range ModelFallbackMap {
		if GetModelFamily(model) == GetModelFamily(fallback) {
			t.Errorf("fallback %s -> %s stays in the same family", model, fallback)
		}
	}

	if _, ok := GetFallbackModel("claude-opus-4-6-thinking"); !ok {
		t.Error("expected a fallback for claude-opus-4-6-thinking")
	}
	if _, ok := GetFallbackModel("not-a-model"); ok {
		t.Error("unexpected fallback for unknown model")
	}
}

func TestConfigClamping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1000
	cfg.GlobalQuotaThreshold = 5
	cfg.Port = -1
	cfg.RateLimitDedupWindowMs = 1

	cfg.mu.Lock()
	cfg.clampLocked()
	cfg.mu.Unlock()

	if cfg.MaxRetries != 20 {
		t.Errorf("MaxRetries = %d, want clamped to 20", cfg.MaxRetries)
	}
	if cfg.GlobalQuotaThreshold != 0.99 {
		t.Errorf("GlobalQuotaThreshold = %v, want clamped to 0.99", cfg.GlobalQuotaThreshold)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want default", cfg.Port)
	}
	if cfg.RateLimitDedupWindowMs != 500 {
		t.Errorf("RateLimitDedupWindowMs = %d, want clamped to 500", cfg.RateLimitDedupWindowMs)
	}
}
