package cloudcode

import (
	"context"

	"github.com/poemonsense/cloudcode-relay/internal/account"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// Client is the Cloud Code API facade used by the HTTP layer.
type Client struct {
	messageHandler   *MessageHandler
	streamingHandler *StreamingHandler
}

// NewClient creates a client over the account pool.
func NewClient(mgr *account.Manager, cfg *config.Config) *Client {
	return &Client{
		messageHandler:   NewMessageHandler(mgr, cfg),
		streamingHandler: NewStreamingHandler(mgr, cfg),
	}
}

// SendMessage serves a non-streaming request.
func (c *Client) SendMessage(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	return c.messageHandler.SendMessage(ctx, req, fallbackEnabled)
}

// SendMessageStream serves a streaming request.
func (c *Client) SendMessageStream(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *SSEEvent, <-chan error) {
	return c.streamingHandler.SendMessageStream(ctx, req, fallbackEnabled)
}

// ListModels lists supported upstream models.
func (c *Client) ListModels(ctx context.Context, token string) (*ModelListResponse, error) {
	return ListModels(ctx, token)
}

// GetModelQuotas fetches quota snapshots for an account.
func (c *Client) GetModelQuotas(ctx context.Context, token, projectID string) (map[string]*ModelQuota, error) {
	return GetModelQuotas(ctx, token, projectID)
}

// IsValidModel validates a model id against the upstream list.
func (c *Client) IsValidModel(ctx context.Context, modelID, token, projectID string) bool {
	return IsValidModel(ctx, modelID, token, projectID)
}
