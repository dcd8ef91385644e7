package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type clientConfigResponse struct {
	Debug       bool `json:"debug"`
	PushEnabled bool `json:"push_enabled"`
}

func (h *Handlers) GetClientConfig(c *gin.Context) {
	c.JSON(http.StatusOK, clientConfigResponse{
		Debug:       h.config != nil && (h.config.Debug || h.config.LogLevel == "debug"),
		PushEnabled: h.config != nil && h.config.VAPIDKeys != nil && h.config.VAPIDKeys.PublicKey != "",
	})
}
