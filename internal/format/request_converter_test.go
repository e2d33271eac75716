package format

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

func TestCleanCacheControlStripsEverything(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{
			{Type: "text", Text: "hello", CacheControl: map[string]any{"type": "ephemeral"}},
			{Type: "text", Text: "world"},
		}},
		{Role: "assistant", Content: []ContentBlock{
			{Type: "tool_use", ID: "t1", Name: "f", CacheControl: map[string]any{"type": "ephemeral"}},
		}},
	}

	cleaned := CleanCacheControl(messages)
	for _, msg := range cleaned {
		for _, block := range msg.Content {
			require.Nil(t, block.CacheControl)
		}
	}
	// Original text content survives.
	require.Equal(t, "hello", cleaned[0].Content[0].Text)
}

func TestConvertRole(t *testing.T) {
	require.Equal(t, "model", ConvertRole("assistant"))
	require.Equal(t, "user", ConvertRole("user"))
	require.Equal(t, "user", ConvertRole("system"))
}

func TestConvertBasicRequest(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		System:    "be terse",
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	require.Len(t, out.Contents, 2)
	require.Equal(t, "user", out.Contents[0].Role)
	require.Equal(t, "model", out.Contents[1].Role)
	require.Equal(t, 1024, out.GenerationConfig.MaxOutputTokens)
	require.NotNil(t, out.SystemInstruction)
	require.Equal(t, "be terse", out.SystemInstruction.Parts[0].Text)
	require.Nil(t, out.GenerationConfig.ThinkingConfig)
}

func TestThinkingConfigPerFamily(t *testing.T) {
	claude := ConvertAnthropicToGoogle(&anthropic.MessagesRequest{
		Model:     "claude-opus-4-6-thinking",
		MaxTokens: 4096,
		Thinking:  &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 8000},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	})
	tc := claude.GenerationConfig.ThinkingConfig
	require.NotNil(t, tc)
	require.True(t, tc.IncludeThoughts)
	require.Equal(t, 8000, tc.ThinkingBudget)
	require.False(t, tc.IncludeThoughtsGemini)
	// max_tokens must exceed the budget; 4096 <= 8000 forces an adjustment.
	require.Greater(t, claude.GenerationConfig.MaxOutputTokens, 8000)

	gemini := ConvertAnthropicToGoogle(&anthropic.MessagesRequest{
		Model:     "gemini-3-flash",
		MaxTokens: 2048,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	})
	gtc := gemini.GenerationConfig.ThinkingConfig
	require.NotNil(t, gtc)
	require.True(t, gtc.IncludeThoughtsGemini)
	require.Equal(t, 16000, gtc.ThinkingBudgetGemini)
	require.False(t, gtc.IncludeThoughts)
}

func TestGeminiMaxTokensCap(t *testing.T) {
	out := ConvertAnthropicToGoogle(&anthropic.MessagesRequest{
		Model:     "gemini-3-pro-high",
		MaxTokens: 64000,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	})
	require.Equal(t, 16384, out.GenerationConfig.MaxOutputTokens)
}

func TestToolConversionAndClaudeValidatedMode(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"],"additionalProperties":false}`)
	out := ConvertAnthropicToGoogle(&anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 512,
		Tools:     []anthropic.Tool{{Name: "read file!", InputSchema: schema}},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	})

	require.Len(t, out.Tools, 1)
	decl := out.Tools[0].FunctionDeclarations[0]
	require.Equal(t, "read_file_", decl.Name)
	require.Equal(t, "OBJECT", decl.Parameters["type"])
	require.NotNil(t, out.ToolConfig)
	require.Equal(t, "VALIDATED", out.ToolConfig.FunctionCallingConfig.Mode)
}

func TestEmptyPartsGetPlaceholder(t *testing.T) {
	out := ConvertAnthropicToGoogle(&anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 512,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: ""}}},
		},
	})
	require.Len(t, out.Contents, 1)
	require.Equal(t, ".", out.Contents[0].Parts[0].Text)
}

func TestGeminiToolUseGetsSkipSignature(t *testing.T) {
	GetGlobalSignatureCache().Clear()

	parts := ConvertContentToParts([]ContentBlock{
		{Type: "tool_use", ID: "toolu_1", Name: "f", Input: map[string]any{"a": 1}},
	}, false, true)

	require.Len(t, parts, 1)
	require.Equal(t, "skip_thought_signature_validator", parts[0].ThoughtSignature)
}

func TestGeminiToolUseRestoresCachedSignature(t *testing.T) {
	cache := GetGlobalSignatureCache()
	cache.Clear()
	sig := "sig-" + strings.Repeat("a", 60)
	cache.CacheSignature("toolu_cached", sig)

	parts := ConvertContentToParts([]ContentBlock{
		{Type: "tool_use", ID: "toolu_cached", Name: "f"},
	}, false, true)

	require.Equal(t, sig, parts[0].ThoughtSignature)
}

func TestCrossFamilyThinkingDroppedForGemini(t *testing.T) {
	cache := GetGlobalSignatureCache()
	cache.Clear()
	claudeSig := "claude-" + strings.Repeat("b", 60)
	cache.CacheThinkingSignature(claudeSig, "claude")

	parts := ConvertContentToParts([]ContentBlock{
		{Type: "thinking", Thinking: "hmm", Signature: claudeSig},
		{Type: "text", Text: "answer"},
	}, false, true)

	// The Claude-signed thinking block is dropped for a Gemini target.
	require.Len(t, parts, 1)
	require.Equal(t, "answer", parts[0].Text)

	// Unknown-origin signatures are also dropped for Gemini.
	cache.Clear()
	parts = ConvertContentToParts([]ContentBlock{
		{Type: "thinking", Thinking: "hmm", Signature: claudeSig},
	}, false, true)
	require.Empty(t, parts)
}

func TestClaudeKeepsOwnThinking(t *testing.T) {
	cache := GetGlobalSignatureCache()
	cache.Clear()
	sig := "claude-" + strings.Repeat("c", 60)
	cache.CacheThinkingSignature(sig, "claude")

	parts := ConvertContentToParts([]ContentBlock{
		{Type: "thinking", Thinking: "hmm", Signature: sig},
	}, true, false)

	require.Len(t, parts, 1)
	require.True(t, parts[0].Thought)
	require.Equal(t, sig, parts[0].ThoughtSignature)
}

func TestReorderAssistantContent(t *testing.T) {
	sig := strings.Repeat("s", 60)
	content := []ContentBlock{
		{Type: "text", Text: "let me check"},
		{Type: "tool_use", ID: "t1", Name: "f"},
		{Type: "thinking", Thinking: "plan", Signature: sig},
		{Type: "text", Text: ""},
	}

	reordered := ReorderAssistantContent(content)
	require.Len(t, reordered, 3)
	require.Equal(t, "thinking", reordered[0].Type)
	require.Equal(t, "text", reordered[1].Type)
	require.Equal(t, "tool_use", reordered[2].Type)
}

func TestCloseToolLoopInjectsSyntheticMessages(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "do it"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "t1", Name: "f"}}},
		{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: "done"}}},
	}

	require.True(t, NeedsThinkingRecovery(messages))

	closed := CloseToolLoopForThinking(messages, "gemini")
	require.Len(t, closed, 5)
	last := closed[len(closed)-1]
	require.Equal(t, "user", last.Role)
	require.Equal(t, "[Continue]", last.Content[0].Text)
	secondLast := closed[len(closed)-2]
	require.Equal(t, "assistant", secondLast.Role)
	require.Contains(t, secondLast.Content[0].Text, "completed")
}

func TestInterruptedToolRecovery(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "do it"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "t1", Name: "f"}}},
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "never mind, do this instead"}}},
	}

	require.True(t, NeedsThinkingRecovery(messages))

	closed := CloseToolLoopForThinking(messages, "claude")
	require.Len(t, closed, 4)
	require.Equal(t, "assistant", closed[2].Role)
	require.Contains(t, closed[2].Content[0].Text, "interrupted")
}

func TestTranslatorRoundTripStability(t *testing.T) {
	// A response converted to Anthropic format and fed back through the
	// request converter should survive modulo defined strips.
	GetGlobalSignatureCache().Clear()

	upstream := &GoogleResponse{
		Response: &GoogleResponseInner{
			Candidates: []Candidate{{
				Content: &CandidateContent{Parts: []ResponsePart{
					{Text: "the answer is 42"},
					{FunctionCall: &ResponseFuncCall{Name: "lookup", Args: map[string]any{"q": "x"}}},
				}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &UsageMetadata{PromptTokenCount: 100, CandidatesTokenCount: 20, CachedContentTokenCount: 30},
		},
	}

	resp := ConvertGoogleToAnthropic(upstream, "claude-sonnet-4-5")
	require.Equal(t, 70, resp.Usage.InputTokens)
	require.Equal(t, 30, resp.Usage.CacheReadInputTokens)
	require.Equal(t, "tool_use", resp.StopReason)

	// Feed the assistant turn back through the request converter.
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 512,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "q"}}},
			{Role: "assistant", Content: resp.Content},
		},
	}
	out := ConvertAnthropicToGoogle(req)
	require.Len(t, out.Contents, 2)

	modelParts := out.Contents[1].Parts
	require.Len(t, modelParts, 2)
	require.Equal(t, "the answer is 42", modelParts[0].Text)
	require.NotNil(t, modelParts[1].FunctionCall)
	require.Equal(t, "lookup", modelParts[1].FunctionCall.Name)
}
