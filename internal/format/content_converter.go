package format

import (
	"strings"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// GooglePart is one part in an upstream content message.
type GooglePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall is a tool invocation in upstream format.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	ID   string         `json:"id,omitempty"`
}

// FunctionResponse is a tool result in upstream format.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
	ID       string         `json:"id,omitempty"`
}

// InlineData is base64 payload data (images, documents).
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData is URL-referenced payload data.
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// ConvertRole maps Anthropic roles onto upstream roles.
func ConvertRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// ConvertContentToParts converts one message's blocks into upstream parts.
// Inline data extracted from tool results is deferred to the end of the
// parts array; the upstream rejects it in the middle of a function
// response sequence.
func ConvertContentToParts(content []ContentBlock, isClaudeModel, isGeminiModel bool) []GooglePart {
	parts := make([]GooglePart, 0, len(content))
	var deferredInlineData []GooglePart

	cache := GetGlobalSignatureCache()

	for _, block := range content {
		switch block.Type {
		case "text":
			// Empty text parts are API errors upstream.
			if block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image", "document":
			if block.Source == nil {
				continue
			}
			switch block.Source.Type {
			case "base64":
				parts = append(parts, GooglePart{InlineData: &InlineData{
					MimeType: block.Source.MediaType,
					Data:     block.Source.Data,
				}})
			case "url":
				mimeType := block.Source.MediaType
				if mimeType == "" {
					if block.Type == "document" {
						mimeType = "application/pdf"
					} else {
						mimeType = "image/jpeg"
					}
				}
				parts = append(parts, GooglePart{FileData: &FileData{
					MimeType: mimeType,
					FileURI:  block.Source.URL,
				}})
			}

		case "tool_use":
			functionCall := &FunctionCall{Name: block.Name, Args: block.Input}
			if isClaudeModel && block.ID != "" {
				functionCall.ID = block.ID
			}

			part := GooglePart{FunctionCall: functionCall}

			if isGeminiModel {
				// Priority: the block's own signature, then the cache, then
				// the skip-validator sentinel.
				signature := block.ThoughtSignature
				if signature == "" && block.ID != "" {
					signature = cache.GetCachedSignature(block.ID)
					if signature != "" {
						utils.Debug("[Format] Restored signature from cache for: %s", block.ID)
					}
				}
				if signature == "" {
					signature = config.GeminiSkipSignature
				}
				part.ThoughtSignature = signature
			}

			parts = append(parts, part)

		case "tool_result":
			response, imageParts := convertToolResultContent(block.Content)

			funcName := block.ToolUseID
			if funcName == "" {
				funcName = "unknown"
			}
			functionResponse := &FunctionResponse{Name: funcName, Response: response}
			if isClaudeModel && block.ToolUseID != "" {
				functionResponse.ID = block.ToolUseID
			}

			parts = append(parts, GooglePart{FunctionResponse: functionResponse})
			deferredInlineData = append(deferredInlineData, imageParts...)

		case "thinking":
			if len(block.Signature) < config.MinSignatureLength {
				continue // unsigned thinking is dropped
			}

			family := cache.GetCachedSignatureFamily(block.Signature)
			if isGeminiModel {
				// Gemini validates strictly: drop cross-family and
				// unknown-origin signatures.
				if family != "gemini" {
					utils.Debug("[Format] Dropping thinking block (signature family %q) for Gemini target", family)
					continue
				}
			}

			parts = append(parts, GooglePart{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})
		}
	}

	return append(parts, deferredInlineData...)
}

func convertToolResultContent(content any) (map[string]any, []GooglePart) {
	response := make(map[string]any)
	var imageParts []GooglePart

	switch c := content.(type) {
	case string:
		response["result"] = c
	case []any:
		var texts []string
		for _, item := range c {
			itemMap, ok := item.(map[string]any)
			if !ok {
				continue
			}
			itemType, _ := itemMap["type"].(string)
			switch itemType {
			case "image":
				if source, ok := itemMap["source"].(map[string]any); ok && source["type"] == "base64" {
					mimeType, _ := source["media_type"].(string)
					data, _ := source["data"].(string)
					imageParts = append(imageParts, GooglePart{InlineData: &InlineData{
						MimeType: mimeType,
						Data:     data,
					}})
				}
			case "text":
				if text, ok := itemMap["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		response["result"] = summarizeToolResult(texts, imageParts)
	case []ContentBlock:
		var texts []string
		for _, item := range c {
			if item.Type == "image" && item.Source != nil && item.Source.Type == "base64" {
				imageParts = append(imageParts, GooglePart{InlineData: &InlineData{
					MimeType: item.Source.MediaType,
					Data:     item.Source.Data,
				}})
			} else if item.Type == "text" {
				texts = append(texts, item.Text)
			}
		}
		response["result"] = summarizeToolResult(texts, imageParts)
	default:
		response["result"] = ""
	}

	return response, imageParts
}

func summarizeToolResult(texts []string, imageParts []GooglePart) string {
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	if len(imageParts) > 0 {
		return "Image attached"
	}
	return ""
}
