package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// GoogleRequest is the upstream generateContent request body.
type GoogleRequest struct {
	Contents          []GoogleContent   `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *GoogleContent    `json:"systemInstruction,omitempty"`
	Tools             []GoogleTool      `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
}

// ToMap converts the request to a map for dynamic field additions
// (sessionId, systemInstruction injection).
func (r *GoogleRequest) ToMap() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return make(map[string]any)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]any)
	}
	return result
}

// GoogleContent is one upstream message.
type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

// GenerationConfig tunes sampling and thinking.
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig enables thinking. Claude expects snake_case keys, Gemini
// camelCase; only one set is populated per request.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"include_thoughts,omitempty"`
	ThinkingBudget  int  `json:"thinking_budget,omitempty"`

	IncludeThoughtsGemini bool `json:"includeThoughts,omitempty"`
	ThinkingBudgetGemini  int  `json:"thinkingBudget,omitempty"`
}

// GoogleTool groups function declarations.
type GoogleTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration is one declared tool.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolConfig carries the function-calling mode.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig selects the calling mode.
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// ConvertAnthropicToGoogle converts an inbound Messages request into the
// upstream generateContent shape.
func ConvertAnthropicToGoogle(req *anthropic.MessagesRequest) *GoogleRequest {
	messages := CleanCacheControl(convertAnthropicMessages(req.Messages))

	modelFamily := config.GetModelFamily(req.Model)
	isClaudeModel := modelFamily == config.ModelFamilyClaude
	isGeminiModel := modelFamily == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(req.Model)

	out := &GoogleRequest{
		Contents:         make([]GoogleContent, 0, len(messages)),
		GenerationConfig: &GenerationConfig{},
	}

	// System prompt: plain string or array of text blocks.
	if req.System != nil {
		var systemParts []GooglePart
		switch s := req.System.(type) {
		case string:
			if s != "" {
				systemParts = append(systemParts, GooglePart{Text: s})
			}
		case []any:
			for _, block := range s {
				if blockMap, ok := block.(map[string]any); ok && blockMap["type"] == "text" {
					if text, ok := blockMap["text"].(string); ok {
						systemParts = append(systemParts, GooglePart{Text: text})
					}
				}
			}
		}
		if len(systemParts) > 0 {
			out.SystemInstruction = &GoogleContent{Parts: systemParts}
		}
	}

	if isClaudeModel && isThinking && len(req.Tools) > 0 {
		hint := "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."
		if out.SystemInstruction == nil {
			out.SystemInstruction = &GoogleContent{Parts: []GooglePart{{Text: hint}}}
		} else if n := len(out.SystemInstruction.Parts); n > 0 {
			last := &out.SystemInstruction.Parts[n-1]
			if last.Text != "" {
				last.Text += "\n\n" + hint
			} else {
				out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, GooglePart{Text: hint})
			}
		}
	}

	processed := messages
	if isGeminiModel && isThinking && NeedsThinkingRecovery(messages) {
		utils.Debug("[Format] Applying thinking recovery for Gemini")
		processed = CloseToolLoopForThinking(messages, "gemini")
	}
	if isClaudeModel && isThinking &&
		(HasGeminiHistory(messages) || HasUnsignedThinkingBlocks(messages)) &&
		NeedsThinkingRecovery(messages) {
		utils.Debug("[Format] Applying thinking recovery for Claude")
		processed = CloseToolLoopForThinking(messages, "claude")
	}

	for _, msg := range processed {
		content := msg.Content
		if (msg.Role == "assistant" || msg.Role == "model") && len(content) > 0 {
			content = RestoreThinkingSignatures(content)
			content = RemoveTrailingThinkingBlocks(content)
			content = ReorderAssistantContent(content)
		}

		parts := ConvertContentToParts(content, isClaudeModel, isGeminiModel)
		if len(parts) == 0 {
			// The upstream requires at least one part per message.
			parts = append(parts, GooglePart{Text: "."})
		}

		out.Contents = append(out.Contents, GoogleContent{
			Role:  ConvertRole(msg.Role),
			Parts: parts,
		})
	}

	if isClaudeModel {
		out.Contents = filterUnsignedThinkingParts(out.Contents)
	}

	if req.MaxTokens > 0 {
		out.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}
	out.GenerationConfig.Temperature = req.Temperature
	out.GenerationConfig.TopP = req.TopP
	out.GenerationConfig.TopK = req.TopK
	if len(req.StopSequences) > 0 {
		out.GenerationConfig.StopSequences = req.StopSequences
	}

	if isThinking {
		if isClaudeModel {
			tc := &ThinkingConfig{IncludeThoughts: true}
			var budget int
			if req.Thinking != nil {
				budget = req.Thinking.BudgetTokens
			}
			if budget > 0 {
				tc.ThinkingBudget = budget
				// The API requires max_tokens to exceed the thinking budget.
				if out.GenerationConfig.MaxOutputTokens > 0 &&
					out.GenerationConfig.MaxOutputTokens <= budget {
					adjusted := budget + 8192
					utils.Warn("[Format] max_tokens (%d) <= thinking_budget (%d), adjusting to %d",
						out.GenerationConfig.MaxOutputTokens, budget, adjusted)
					out.GenerationConfig.MaxOutputTokens = adjusted
				}
			}
			out.GenerationConfig.ThinkingConfig = tc
		} else if isGeminiModel {
			budget := 16000
			if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
				budget = req.Thinking.BudgetTokens
			}
			out.GenerationConfig.ThinkingConfig = &ThinkingConfig{
				IncludeThoughtsGemini: true,
				ThinkingBudgetGemini:  budget,
			}
		}
	}

	if len(req.Tools) > 0 {
		declarations := make([]FunctionDeclaration, 0, len(req.Tools))
		for idx, tool := range req.Tools {
			name := tool.Name
			if name == "" {
				name = fmt.Sprintf("tool-%d", idx)
			}

			var schema map[string]any
			if len(tool.InputSchema) > 0 {
				if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
					utils.Warn("[Format] Failed to unmarshal tool schema for %s: %v", name, err)
					schema = map[string]any{"type": "object"}
				}
			} else {
				schema = map[string]any{"type": "object"}
			}

			parameters := CleanSchema(SanitizeSchema(schema))

			declarations = append(declarations, FunctionDeclaration{
				Name:        cleanToolName(name),
				Description: tool.Description,
				Parameters:  parameters,
			})
		}

		out.Tools = []GoogleTool{{FunctionDeclarations: declarations}}
		if isClaudeModel {
			out.ToolConfig = &ToolConfig{
				FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"},
			}
		}
	}

	if isGeminiModel && out.GenerationConfig.MaxOutputTokens > config.GeminiMaxOutputTokens {
		utils.Debug("[Format] Capping Gemini max_tokens from %d to %d",
			out.GenerationConfig.MaxOutputTokens, config.GeminiMaxOutputTokens)
		out.GenerationConfig.MaxOutputTokens = config.GeminiMaxOutputTokens
	}

	return out
}

func convertAnthropicMessages(messages []anthropic.Message) []Message {
	result := make([]Message, 0, len(messages))
	for _, msg := range messages {
		result = append(result, Message{
			Role:    msg.Role,
			Content: convertAnthropicContent(msg.Content),
		})
	}
	return result
}

func convertAnthropicContent(content []anthropic.ContentBlock) []ContentBlock {
	result := make([]ContentBlock, 0, len(content))
	for _, item := range content {
		block := ContentBlock{
			Type:             item.Type,
			Text:             item.Text,
			Thinking:         item.Thinking,
			Signature:        item.Signature,
			ThoughtSignature: item.ThoughtSignature,
			ID:               item.ID,
			Name:             item.Name,
			ToolUseID:        item.ToolUseID,
			Content:          item.Content,
			Data:             item.Data,
		}
		if len(item.Input) > 0 {
			var inputMap map[string]any
			if err := json.Unmarshal(item.Input, &inputMap); err == nil {
				block.Input = inputMap
			}
		}
		if item.Source != nil {
			block.Source = &ImageSource{
				Type:      item.Source.Type,
				MediaType: item.Source.MediaType,
				Data:      item.Source.Data,
				URL:       item.Source.URL,
			}
		}
		if item.CacheControl != nil {
			block.CacheControl = item.CacheControl
		}
		result = append(result, block)
	}
	return result
}

func filterUnsignedThinkingParts(contents []GoogleContent) []GoogleContent {
	result := make([]GoogleContent, 0, len(contents))
	for _, content := range contents {
		filtered := make([]GooglePart, 0, len(content.Parts))
		for _, part := range content.Parts {
			if part.Thought && len(part.ThoughtSignature) < config.MinSignatureLength {
				utils.Debug("[Format] Dropping unsigned thinking part")
				continue
			}
			filtered = append(filtered, part)
		}
		result = append(result, GoogleContent{Role: content.Role, Parts: filtered})
	}
	return result
}

// cleanToolName restricts tool names to [A-Za-z0-9_-], max 64 chars.
func cleanToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}
