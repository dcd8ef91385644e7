package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the push API under /api.
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api")
	{
		api.GET("/vapid-public-key", h.GetVAPIDPublicKey)
		api.GET("/client-config", h.GetClientConfig)
		api.GET("/ws", h.LiveFeedAuthMiddleware(), h.HandleLiveFeed)
	}

	authed := api.Group("", h.AuthMiddleware())
	{
		authed.POST("/push/subscribe", h.SubscribePush)
		authed.DELETE("/push/subscribe", h.UnsubscribePush)
		authed.GET("/push/subscriptions", h.ListSubscriptions)
		authed.POST("/notifications/send", h.RequireAdmin(), h.SendNotification)
	}
}
