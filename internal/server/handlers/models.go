package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-relay/internal/account"
	"github.com/poemonsense/cloudcode-relay/internal/cloudcode"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	accountManager *account.Manager
	client         *cloudcode.Client
}

// NewModelsHandler creates a ModelsHandler.
func NewModelsHandler(mgr *account.Manager, client *cloudcode.Client) *ModelsHandler {
	return &ModelsHandler{accountManager: mgr, client: client}
}

// ListModels lists the upstream's supported models.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	selection, err := h.accountManager.SelectAccount("")
	if err != nil || selection.Account == nil {
		c.JSON(http.StatusServiceUnavailable, anthropic.NewErrorResponse("api_error", "No accounts available"))
		return
	}

	token, err := h.accountManager.GetTokenForAccount(ctx, selection.Account)
	if err != nil {
		utils.Error("[API] Error getting token for models: %v", err)
		c.JSON(http.StatusInternalServerError, anthropic.NewErrorResponse("api_error", err.Error()))
		return
	}

	models, err := h.client.ListModels(ctx, token)
	if err != nil {
		utils.Error("[API] Error listing models: %v", err)
		c.JSON(http.StatusInternalServerError, anthropic.NewErrorResponse("api_error", err.Error()))
		return
	}

	c.JSON(http.StatusOK, models)
}
