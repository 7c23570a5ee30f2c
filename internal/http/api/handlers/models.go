package handlers

import (
	"net/http"

	"tokenrelay/internal/backend"
	relayhttp "tokenrelay/internal/http"

	"github.com/gin-gonic/gin"
)

// ModelsHandler proxies the backend model listing.
type ModelsHandler struct {
	client *backend.Client
}

// NewModelsHandler constructs a ModelsHandler.
func NewModelsHandler(client *backend.Client) *ModelsHandler {
	return &ModelsHandler{client: client}
}

// List handles GET /v1/models.
func (h *ModelsHandler) List(c *gin.Context) {
	list, errList := h.client.ListModels(c.Request.Context())
	if errList != nil {
		relayhttp.WriteTypedError(c, errList)
		return
	}
	c.JSON(http.StatusOK, list)
}
