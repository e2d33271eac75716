package cloudcode

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/poemonsense/cloudcode-relay/internal/account"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/format"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// MessageHandler serves non-streaming requests.
type MessageHandler struct {
	dispatcher *Dispatcher
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(mgr *account.Manager, cfg *config.Config) *MessageHandler {
	return &MessageHandler{dispatcher: NewDispatcher(mgr, cfg)}
}

// SendMessage dispatches a non-streaming request. Thinking models go
// through the SSE endpoint regardless (the unary endpoint drops thinking
// output) and the events are aggregated into one response.
func (h *MessageHandler) SendMessage(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	useSSE := config.IsThinkingModel(req.Model)

	var out *anthropic.MessagesResponse
	err := h.dispatcher.execute(ctx, req, fallbackEnabled, useSSE,
		func(ctx context.Context, effective *anthropic.MessagesRequest, resp *http.Response, _ func() (*http.Response, error)) error {
			defer resp.Body.Close()

			// The effective request may be a fallback in the other family,
			// so detect the body format rather than assuming.
			if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
				aggregated, err := ParseThinkingSSEResponse(resp.Body, effective.Model)
				if err != nil {
					return err
				}
				out = aggregated
				return nil
			}

			var data map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
				return err
			}
			out = format.ConvertGoogleToAnthropic(format.GoogleResponseFromMap(data), effective.Model)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}
