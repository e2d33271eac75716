package format

import (
	"encoding/json"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// GoogleResponse is an upstream response, which arrives either wrapped in
// a "response" envelope or flat.
type GoogleResponse struct {
	Response      *GoogleResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GoogleResponseInner is the wrapped payload.
type GoogleResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is one response candidate.
type Candidate struct {
	Content      *CandidateContent `json:"content,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CandidateContent holds the candidate's parts.
type CandidateContent struct {
	Parts []ResponsePart `json:"parts,omitempty"`
	Role  string         `json:"role,omitempty"`
}

// ResponsePart is one part of a candidate.
type ResponsePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *ResponseFuncCall `json:"functionCall,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
}

// ResponseFuncCall is a tool invocation emitted by the model.
type ResponseFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	ID   string         `json:"id,omitempty"`
}

// UsageMetadata reports token usage. promptTokenCount is the total
// including cached tokens.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// unwrap flattens the optional response envelope.
func (gr *GoogleResponse) unwrap() ([]Candidate, *UsageMetadata) {
	if gr.Response != nil {
		return gr.Response.Candidates, gr.Response.UsageMetadata
	}
	return gr.Candidates, gr.UsageMetadata
}

// GoogleResponseFromMap decodes a generic JSON map into a GoogleResponse.
func GoogleResponseFromMap(data map[string]any) *GoogleResponse {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return &GoogleResponse{}
	}
	var response GoogleResponse
	if err := json.Unmarshal(jsonData, &response); err != nil {
		return &GoogleResponse{}
	}
	return &response
}

// ConvertGoogleToAnthropic converts an upstream response into a Messages
// API response, caching any signatures seen along the way.
func ConvertGoogleToAnthropic(googleResponse *GoogleResponse, model string) *anthropic.MessagesResponse {
	candidates, usageMetadata := googleResponse.unwrap()

	var candidate Candidate
	if len(candidates) > 0 {
		candidate = candidates[0]
	}

	var parts []ResponsePart
	if candidate.Content != nil {
		parts = candidate.Content.Parts
	}

	content, sawToolCall := convertParts(parts, model)

	return &anthropic.MessagesResponse{
		ID:         anthropic.GenerateMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: stopReasonFor(candidate.FinishReason, sawToolCall),
		Usage:      usageFor(usageMetadata),
	}
}

// convertParts maps upstream parts onto Anthropic content blocks and
// reports whether any of them was a tool call.
func convertParts(parts []ResponsePart, model string) ([]anthropic.ContentBlock, bool) {
	cache := GetGlobalSignatureCache()
	family := string(config.GetModelFamily(model))

	content := make([]anthropic.ContentBlock, 0, len(parts))
	sawToolCall := false

	for _, part := range parts {
		block, isToolCall, ok := convertPart(part, family, cache)
		if !ok {
			continue
		}
		content = append(content, block)
		sawToolCall = sawToolCall || isToolCall
	}

	// The Messages API promises at least one content block.
	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text"})
	}
	return content, sawToolCall
}

// convertPart maps one upstream part. The third return is false for parts
// the surface has no representation for.
func convertPart(part ResponsePart, family string, cache *SignatureCache) (anthropic.ContentBlock, bool, bool) {
	switch {
	case part.Thought && part.Text != "":
		if len(part.ThoughtSignature) >= config.MinSignatureLength {
			cache.CacheThinkingSignature(part.ThoughtSignature, family)
		}
		return anthropic.ContentBlock{
			Type:      "thinking",
			Thinking:  part.Text,
			Signature: part.ThoughtSignature,
		}, false, true

	case part.FunctionCall != nil:
		return convertFunctionCall(part, cache), true, true

	case part.Text != "":
		return anthropic.ContentBlock{Type: "text", Text: part.Text}, false, true

	case part.InlineData != nil:
		return anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: part.InlineData.MimeType,
				Data:      part.InlineData.Data,
			},
		}, false, true
	}

	return anthropic.ContentBlock{}, false, false
}

func convertFunctionCall(part ResponsePart, cache *SignatureCache) anthropic.ContentBlock {
	call := part.FunctionCall

	toolID := call.ID
	if toolID == "" {
		toolID = anthropic.GenerateToolUseID()
	}

	input := json.RawMessage("{}")
	if call.Args != nil {
		if encoded, err := json.Marshal(call.Args); err == nil {
			input = encoded
		}
	}

	block := anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    toolID,
		Name:  call.Name,
		Input: input,
	}

	// Gemini 3+ attaches the reasoning signature at the part level; cache
	// it because clients strip non-standard fields.
	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		block.ThoughtSignature = part.ThoughtSignature
		cache.CacheSignature(toolID, part.ThoughtSignature)
	}
	return block
}

// stopReasonFor maps the upstream finish reason, letting an observed tool
// call override it.
func stopReasonFor(finishReason string, sawToolCall bool) string {
	if sawToolCall || finishReason == "TOOL_USE" {
		return "tool_use"
	}
	if finishReason == "MAX_TOKENS" {
		return "max_tokens"
	}
	return "end_turn"
}

// usageFor converts usage metadata. The upstream's prompt count includes
// cached tokens; the Messages API reports those separately.
func usageFor(meta *UsageMetadata) *anthropic.Usage {
	usage := &anthropic.Usage{}
	if meta != nil {
		usage.InputTokens = meta.PromptTokenCount - meta.CachedContentTokenCount
		usage.OutputTokens = meta.CandidatesTokenCount
		usage.CacheReadInputTokens = meta.CachedContentTokenCount
	}
	return usage
}
