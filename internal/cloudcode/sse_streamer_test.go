package cloudcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/poemonsense/cloudcode-relay/internal/errors"
)

func collectEvents(t *testing.T, body, model string) ([]*SSEEvent, error) {
	t.Helper()
	events, errs := StreamSSEResponse(strings.NewReader(body), model)

	var out []*SSEEvent
	for event := range events {
		out = append(out, event)
	}
	return out, <-errs
}

func eventTypes(events []*SSEEvent) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestStreamSSETextResponse(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}],"usageMetadata":{"promptTokenCount":10}}}

data: {"response":{"candidates":[{"content":{"parts":[{"text":" world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":2}}}

`
	events, err := collectEvents(t, body, "claude-sonnet-4-5")
	require.NoError(t, err)
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(events))

	require.Equal(t, "Hello", events[2].Delta["text"])
	require.Equal(t, " world", events[3].Delta["text"])
	require.Equal(t, "end_turn", events[5].Delta["stop_reason"])
	require.Equal(t, 2, events[5].Usage.OutputTokens)
}

func TestStreamSSEThinkingThenText(t *testing.T) {
	sig := strings.Repeat("s", 64)
	body := `data: {"candidates":[{"content":{"parts":[{"thought":true,"text":"pondering","thoughtSignature":"` + sig + `"}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":"answer"}]},"finishReason":"STOP"}]}

`
	events, err := collectEvents(t, body, "claude-opus-4-6-thinking")
	require.NoError(t, err)

	types := eventTypes(events)
	require.Equal(t, []string{
		"message_start",
		"content_block_start", // thinking
		"content_block_delta", // thinking_delta
		"content_block_delta", // signature_delta on block close
		"content_block_stop",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	require.Equal(t, "thinking", events[1].ContentBlock.Type)
	require.Equal(t, "thinking_delta", events[2].Delta["type"])
	require.Equal(t, "signature_delta", events[3].Delta["type"])
	require.Equal(t, sig, events[3].Delta["signature"])
}

func TestStreamSSEToolUse(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"q":"x"}}}]},"finishReason":"STOP"}]}

`
	events, err := collectEvents(t, body, "gemini-3-flash")
	require.NoError(t, err)

	var toolStart *SSEEvent
	for _, e := range events {
		if e.Type == "content_block_start" && e.ContentBlock.Type == "tool_use" {
			toolStart = e
		}
	}
	require.NotNil(t, toolStart)
	require.Equal(t, "lookup", toolStart.ContentBlock.Name)
	require.True(t, strings.HasPrefix(toolStart.ContentBlock.ID, "toolu_"))

	// Tool use forces the stop reason.
	for _, e := range events {
		if e.Type == "message_delta" {
			require.Equal(t, "tool_use", e.Delta["stop_reason"])
		}
	}
}

func TestStreamSSEEmptyBodyYieldsEmptyResponseError(t *testing.T) {
	events, err := collectEvents(t, "", "claude-sonnet-4-5")
	require.Empty(t, events)
	require.Error(t, err)
	require.True(t, errors.IsEmptyResponseError(err))
}

func TestStreamSSEUsageSubtractsCachedTokens(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":100,"cachedContentTokenCount":40,"candidatesTokenCount":5}}

`
	events, err := collectEvents(t, body, "claude-sonnet-4-5")
	require.NoError(t, err)
	require.Equal(t, "message_start", events[0].Type)
	require.Equal(t, 60, events[0].Message.Usage.InputTokens)
	require.Equal(t, 40, events[0].Message.Usage.CacheReadInputTokens)
}

func TestParseThinkingSSEAggregation(t *testing.T) {
	sig := strings.Repeat("g", 64)
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":"step one, "}]}}]}}

data: {"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":"step two","thoughtSignature":"` + sig + `"}]}}]}}

data: {"response":{"candidates":[{"content":{"parts":[{"text":"final answer"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":50,"candidatesTokenCount":12}}}

`
	resp, err := ParseThinkingSSEResponse(strings.NewReader(body), "claude-opus-4-6-thinking")
	require.NoError(t, err)

	require.Len(t, resp.Content, 2)
	require.Equal(t, "thinking", resp.Content[0].Type)
	require.Equal(t, "step one, step two", resp.Content[0].Thinking)
	require.Equal(t, sig, resp.Content[0].Signature)
	require.Equal(t, "text", resp.Content[1].Type)
	require.Equal(t, "final answer", resp.Content[1].Text)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Equal(t, 12, resp.Usage.OutputTokens)
}
