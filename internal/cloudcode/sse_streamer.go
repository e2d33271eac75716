package cloudcode

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/errors"
	"github.com/poemonsense/cloudcode-relay/internal/format"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// SSEEvent is one Anthropic-format streaming event.
type SSEEvent struct {
	Type         string                      `json:"type"`
	Index        int                         `json:"index,omitempty"`
	Message      *anthropic.MessagesResponse `json:"message,omitempty"`
	ContentBlock *anthropic.ContentBlock     `json:"content_block,omitempty"`
	Delta        map[string]any              `json:"delta,omitempty"`
	Usage        *anthropic.Usage            `json:"usage,omitempty"`
}

// StreamSSEResponse re-emits an upstream SSE body as Anthropic streaming
// events. A body that yields no content parts produces an
// EmptyResponseError on the error channel so the dispatcher can refetch.
func StreamSSEResponse(reader io.Reader, originalModel string) (<-chan *SSEEvent, <-chan error) {
	events := make(chan *SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		messageID := anthropic.GenerateMessageID()
		hasEmittedStart := false
		blockIndex := 0
		currentBlockType := "" // thinking, text, tool_use, image
		currentThinkingSignature := ""
		inputTokens, outputTokens, cacheReadTokens := 0, 0, 0
		stopReason := ""

		cache := format.GetGlobalSignatureCache()
		family := string(config.GetModelFamily(originalModel))

		emitSignatureDelta := func() {
			if currentThinkingSignature != "" {
				events <- &SSEEvent{
					Type:  "content_block_delta",
					Index: blockIndex,
					Delta: map[string]any{
						"type":      "signature_delta",
						"signature": currentThinkingSignature,
					},
				}
				currentThinkingSignature = ""
			}
		}

		closeCurrentBlock := func() {
			if currentBlockType == "thinking" {
				emitSignatureDelta()
			}
			if currentBlockType != "" {
				events <- &SSEEvent{Type: "content_block_stop", Index: blockIndex}
				blockIndex++
				currentBlockType = ""
			}
		}

		scanner := newSSEScanner(reader)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			jsonText := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if jsonText == "" {
				continue
			}

			var frame sseFrame
			if err := json.Unmarshal([]byte(jsonText), &frame); err != nil {
				utils.Warn("[CloudCode] SSE parse error: %v", err)
				continue
			}
			inner := frame.inner()

			if inner.UsageMetadata != nil {
				inputTokens = maxInt(inputTokens, inner.UsageMetadata.PromptTokenCount)
				outputTokens = maxInt(outputTokens, inner.UsageMetadata.CandidatesTokenCount)
				cacheReadTokens = maxInt(cacheReadTokens, inner.UsageMetadata.CachedContentTokenCount)
			}

			if len(inner.Candidates) == 0 {
				continue
			}
			candidate := inner.Candidates[0]
			if candidate.Content == nil {
				if candidate.FinishReason != "" && stopReason == "" {
					stopReason = mapFinishReason(candidate.FinishReason)
				}
				continue
			}

			parts := candidate.Content.Parts

			if !hasEmittedStart && len(parts) > 0 {
				hasEmittedStart = true
				events <- &SSEEvent{
					Type: "message_start",
					Message: &anthropic.MessagesResponse{
						ID:      messageID,
						Type:    "message",
						Role:    "assistant",
						Content: []anthropic.ContentBlock{},
						Model:   originalModel,
						Usage: &anthropic.Usage{
							InputTokens:          inputTokens - cacheReadTokens,
							CacheReadInputTokens: cacheReadTokens,
						},
					},
				}
			}

			for _, part := range parts {
				switch {
				case part.Thought:
					if currentBlockType != "thinking" {
						closeCurrentBlock()
						currentBlockType = "thinking"
						events <- &SSEEvent{
							Type:         "content_block_start",
							Index:        blockIndex,
							ContentBlock: &anthropic.ContentBlock{Type: "thinking"},
						}
					}
					if len(part.ThoughtSignature) >= config.MinSignatureLength {
						currentThinkingSignature = part.ThoughtSignature
						cache.CacheThinkingSignature(part.ThoughtSignature, family)
					}
					events <- &SSEEvent{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]any{"type": "thinking_delta", "thinking": part.Text},
					}

				case part.Text != "":
					if currentBlockType != "text" {
						closeCurrentBlock()
						currentBlockType = "text"
						events <- &SSEEvent{
							Type:         "content_block_start",
							Index:        blockIndex,
							ContentBlock: &anthropic.ContentBlock{Type: "text"},
						}
					}
					events <- &SSEEvent{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]any{"type": "text_delta", "text": part.Text},
					}

				case part.FunctionCall != nil:
					closeCurrentBlock()
					currentBlockType = "tool_use"
					stopReason = "tool_use"

					toolID := part.FunctionCall.ID
					if toolID == "" {
						toolID = anthropic.GenerateToolUseID()
					}

					block := &anthropic.ContentBlock{
						Type: "tool_use",
						ID:   toolID,
						Name: part.FunctionCall.Name,
					}
					if len(part.ThoughtSignature) >= config.MinSignatureLength {
						block.ThoughtSignature = part.ThoughtSignature
						cache.CacheSignature(toolID, part.ThoughtSignature)
					}

					events <- &SSEEvent{Type: "content_block_start", Index: blockIndex, ContentBlock: block}

					argsJSON, _ := json.Marshal(part.FunctionCall.Args)
					events <- &SSEEvent{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]any{"type": "input_json_delta", "partial_json": string(argsJSON)},
					}

				case part.InlineData != nil:
					closeCurrentBlock()
					events <- &SSEEvent{
						Type:  "content_block_start",
						Index: blockIndex,
						ContentBlock: &anthropic.ContentBlock{
							Type: "image",
							Source: &anthropic.ImageSource{
								Type:      "base64",
								MediaType: part.InlineData.MimeType,
								Data:      part.InlineData.Data,
							},
						},
					}
					events <- &SSEEvent{Type: "content_block_stop", Index: blockIndex}
					blockIndex++
				}
			}

			if candidate.FinishReason != "" && stopReason == "" {
				stopReason = mapFinishReason(candidate.FinishReason)
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}

		if !hasEmittedStart {
			utils.Warn("[CloudCode] No content parts received from stream")
			errs <- errors.NewEmptyResponseError("No content parts received from API")
			return
		}

		closeCurrentBlock()

		if stopReason == "" {
			stopReason = "end_turn"
		}
		events <- &SSEEvent{
			Type:  "message_delta",
			Delta: map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
			Usage: &anthropic.Usage{
				OutputTokens:         outputTokens,
				CacheReadInputTokens: cacheReadTokens,
			},
		}
		events <- &SSEEvent{Type: "message_stop"}
	}()

	return events, errs
}

func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
