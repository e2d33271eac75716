// Package cloudcode talks to the upstream Cloud Code API: request
// building, the per-request dispatch state machine with account failover,
// SSE handling and model metadata.
package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// DeriveSessionID hashes the first user message into a stable session id.
// The upstream scopes its prompt cache by session, so the same
// conversation must present the same id on every turn.
func DeriveSessionID(request *anthropic.MessagesRequest) string {
	for _, msg := range request.Messages {
		if msg.Role != "user" {
			continue
		}
		if content := textContent(msg); content != "" {
			hash := sha256.Sum256([]byte(content))
			return hex.EncodeToString(hash[:16])
		}
	}
	// No textual user content to anchor on: fall back to a random id.
	return uuid.New().String()
}

func textContent(msg anthropic.Message) string {
	var out string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += block.Text
		}
	}
	return out
}
