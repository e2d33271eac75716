// Package handlers implements the HTTP endpoints.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-relay/internal/account"
	"github.com/poemonsense/cloudcode-relay/internal/cloudcode"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/errors"
	"github.com/poemonsense/cloudcode-relay/internal/modules"
	"github.com/poemonsense/cloudcode-relay/internal/server/sse"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	accountManager  *account.Manager
	client          *cloudcode.Client
	cfg             *config.Config
	fallbackEnabled bool
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(mgr *account.Manager, client *cloudcode.Client, cfg *config.Config, fallbackEnabled bool) *MessagesHandler {
	return &MessagesHandler{
		accountManager:  mgr,
		client:          client,
		cfg:             cfg,
		fallbackEnabled: fallbackEnabled,
	}
}

// Messages handles POST /v1/messages, streaming when the body says so.
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}

	if req.Model == "" {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "messages is required and must be a non-empty array")
		return
	}

	// Model aliasing from config.
	if mapped, ok := h.cfg.ModelMapping[req.Model]; ok && mapped != "" {
		utils.Info("[API] Mapping model %s -> %s", req.Model, mapped)
		req.Model = mapped
	}

	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	utils.Info("[API] Request for model: %s, stream: %t", req.Model, req.Stream)

	modules.TrackFromContext(c, req.Model)

	if req.Stream {
		h.handleStreaming(c, &req)
	} else {
		h.handleNonStreaming(c, &req)
	}
}

func (h *MessagesHandler) handleStreaming(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	events, errs := h.client.SendMessageStream(ctx, req, h.fallbackEnabled)

	// Hold the response headers until the first event: a pre-stream error
	// must go out as a plain JSON error, not a broken stream.
	var firstEvent *cloudcode.SSEEvent
	var firstErr error

	select {
	case event, ok := <-events:
		if !ok {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = errors.NewEmptyResponseError("No response received")
			}
		} else {
			firstEvent = event
		}
	case err := <-errs:
		firstErr = err
	case <-ctx.Done():
		return
	}

	if firstErr != nil {
		utils.Error("[API] Stream error before first event: %v", firstErr)
		errorType, statusCode, message := translateError(firstErr)
		h.sendError(c, statusCode, errorType, message)
		return
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	writer.SetHeaders()
	c.Status(http.StatusOK)
	writer.Flush()

	if firstEvent != nil {
		if err := writer.WriteEvent(firstEvent.Type, firstEvent); err != nil {
			return
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteEvent(event.Type, event); err != nil {
				utils.Error("[API] Error writing SSE event: %v", err)
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Mid-stream error: %v", err)
				errorType, _, message := translateError(err)
				_ = writer.WriteError(errorType, message)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *MessagesHandler) handleNonStreaming(c *gin.Context, req *anthropic.MessagesRequest) {
	response, err := h.client.SendMessage(c.Request.Context(), req, h.fallbackEnabled)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		errorType, statusCode, message := translateError(err)

		if errorType == "authentication_error" {
			// Stale credentials are the usual cause; drop the caches so the
			// retry starts clean.
			h.accountManager.ClearTokenCache()
			h.accountManager.ClearProjectCache()
		}

		h.sendError(c, statusCode, errorType, message)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *MessagesHandler) sendError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, anthropic.NewErrorResponse(errorType, message))
}

// translateError maps pipeline errors onto the inbound error surface.
// Quota exhaustion deliberately surfaces as a 400 invalid_request_error:
// a 429 would make well-behaved clients retry into a wall.
func translateError(err error) (errorType string, statusCode int, message string) {
	switch e := err.(type) {
	case *errors.ResourceExhaustedError:
		return "invalid_request_error", http.StatusBadRequest,
			"You have exhausted your capacity on " + e.Model +
				". Quota will reset after " + utils.FormatDuration(e.ResetMs) + "."
	case *errors.InvalidRequestError:
		return "invalid_request_error", http.StatusBadRequest, extractUpstreamMessage(e.Message)
	case *errors.AuthError:
		return "authentication_error", http.StatusUnauthorized,
			"Authentication failed for the upstream account pool."
	case *errors.NoAccountsError:
		if e.AllRateLimited {
			return "rate_limit_error", http.StatusTooManyRequests, "All accounts are rate-limited."
		}
		return "api_error", http.StatusServiceUnavailable, "No accounts configured."
	case *errors.MaxRetriesError:
		return "api_error", http.StatusServiceUnavailable, "Upstream retries exhausted."
	case *errors.EmptyResponseError:
		return "api_error", http.StatusBadGateway, e.Message
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"), strings.Contains(strings.ToUpper(msg), "RESOURCE_EXHAUSTED"):
		return "invalid_request_error", http.StatusBadRequest,
			"You have exhausted your capacity. Please wait for your quota to reset."
	case strings.Contains(msg, "401"), strings.Contains(strings.ToUpper(msg), "UNAUTHENTICATED"):
		return "authentication_error", http.StatusUnauthorized, "Authentication failed."
	case strings.Contains(strings.ToUpper(msg), "PERMISSION_DENIED"):
		return "permission_error", http.StatusForbidden, msg
	default:
		return "api_error", errors.HTTPStatus(err), msg
	}
}

// extractUpstreamMessage pulls the human-readable message out of an
// upstream error body when one is embedded.
func extractUpstreamMessage(raw string) string {
	if idx := strings.Index(raw, `"message":"`); idx >= 0 {
		rest := raw[idx+len(`"message":"`):]
		if end := strings.Index(rest, `"`); end > 0 {
			return rest[:end]
		}
	}
	return raw
}

// CountTokens handles POST /v1/messages/count_tokens (not implemented).
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, anthropic.NewErrorResponse("not_implemented",
		"Token counting is not implemented. Configure your client to skip token counting."))
}

// RefreshTokenHandler serves POST /refresh-token.
type RefreshTokenHandler struct {
	accountManager *account.Manager
}

// NewRefreshTokenHandler creates a RefreshTokenHandler.
func NewRefreshTokenHandler(mgr *account.Manager) *RefreshTokenHandler {
	return &RefreshTokenHandler{accountManager: mgr}
}

// RefreshToken clears the credential caches so the next request
// re-resolves everything.
func (h *RefreshTokenHandler) RefreshToken(c *gin.Context) {
	h.accountManager.ClearTokenCache()
	h.accountManager.ClearProjectCache()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Token caches cleared and refreshed",
	})
}
