package cloudcode

import (
	"context"
	"fmt"
	"net/http"

	"github.com/poemonsense/cloudcode-relay/internal/account"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/errors"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// StreamingHandler serves streaming requests.
type StreamingHandler struct {
	dispatcher *Dispatcher
}

// NewStreamingHandler creates a StreamingHandler.
func NewStreamingHandler(mgr *account.Manager, cfg *config.Config) *StreamingHandler {
	return &StreamingHandler{dispatcher: NewDispatcher(mgr, cfg)}
}

// SendMessageStream dispatches a streaming request. Events arrive on the
// first channel; a terminal error, if any, on the second.
func (h *StreamingHandler) SendMessageStream(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *SSEEvent, <-chan error) {
	events := make(chan *SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		err := h.dispatcher.execute(ctx, req, fallbackEnabled, true,
			func(ctx context.Context, effective *anthropic.MessagesRequest, resp *http.Response, refetch func() (*http.Response, error)) error {
				return h.consumeStream(ctx, effective, resp, refetch, events)
			})
		if err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// consumeStream forwards upstream events, refetching with exponential
// backoff when the stream turns out empty. After the retry budget a
// synthetic terminal stream is emitted so clients see a well-formed end
// instead of a hang.
func (h *StreamingHandler) consumeStream(ctx context.Context, req *anthropic.MessagesRequest, resp *http.Response, refetch func() (*http.Response, error), events chan<- *SSEEvent) error {
	current := resp

	for emptyRetries := 0; ; emptyRetries++ {
		sseEvents, sseErrs := StreamSSEResponse(current.Body, req.Model)

		for event := range sseEvents {
			select {
			case events <- event:
			case <-ctx.Done():
				current.Body.Close()
				return ctx.Err()
			}
		}

		err := <-sseErrs
		current.Body.Close()

		if err == nil {
			utils.Debug("[CloudCode] Stream completed")
			return nil
		}

		if !errors.IsEmptyResponseError(err) {
			return err
		}

		if emptyRetries >= config.MaxEmptyResponseRetries {
			utils.Error("[CloudCode] Empty response after %d retries, emitting fallback stream",
				config.MaxEmptyResponseRetries)
			emitEmptyResponseFallback(events, req.Model)
			return nil
		}

		backoffMs := int64(500 << emptyRetries)
		utils.Warn("[CloudCode] Empty response, retry %d/%d after %dms",
			emptyRetries+1, config.MaxEmptyResponseRetries, backoffMs)
		if err := utils.Sleep(ctx, backoffMs); err != nil {
			return err
		}

		next, err := refetch()
		if err != nil {
			return &resumeSwitchError{reason: fmt.Errorf("empty-response refetch failed: %w", err)}
		}
		if next.StatusCode != http.StatusOK {
			next.Body.Close()
			// Nothing was forwarded yet, so a rate limit or auth failure on
			// the refetch can still fail over to another account.
			return &resumeSwitchError{reason: errors.NewAPIError(
				fmt.Sprintf("empty-response refetch returned %d", next.StatusCode),
				next.StatusCode, "")}
		}
		current = next
	}
}

// emitEmptyResponseFallback writes a minimal, well-formed stream carrying
// the retry-exhausted notice.
func emitEmptyResponseFallback(events chan<- *SSEEvent, model string) {
	events <- &SSEEvent{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:      anthropic.GenerateMessageID(),
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   model,
			Usage:   &anthropic.Usage{},
		},
	}
	events <- &SSEEvent{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &anthropic.ContentBlock{Type: "text"},
	}
	events <- &SSEEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: map[string]any{
			"type": "text_delta",
			"text": "[No response after retries - please try again]",
		},
	}
	events <- &SSEEvent{Type: "content_block_stop", Index: 0}
	events <- &SSEEvent{
		Type:  "message_delta",
		Delta: map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		Usage: &anthropic.Usage{},
	}
	events <- &SSEEvent{Type: "message_stop"}
}
