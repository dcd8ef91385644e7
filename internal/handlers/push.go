package handlers

import (
	"errors"
	"net/http"

	"github.com/tariel-x/edupay/internal/fanout"
	"github.com/tariel-x/edupay/internal/models"
	"github.com/tariel-x/edupay/internal/store"

	"github.com/gin-gonic/gin"
)

type PushSubscribeRequest struct {
	Endpoint string      `json:"endpoint" binding:"required,url"`
	Keys     models.Keys `json:"keys" binding:"required"`
	SchoolID *string     `json:"school_id"`
	UserID   string      `json:"user_id"`
}

type PushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	if h.config.VAPIDKeys == nil || h.config.VAPIDKeys.PublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push is not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"publicKey": h.config.VAPIDKeys.PublicKey,
	})
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	userID := currentUserID(c)

	var req PushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("invalid subscribe request", "user_id", userID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID != "" && req.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot subscribe on behalf of another user"})
		return
	}

	schoolID := currentSchoolID(c)
	if req.SchoolID != nil && *req.SchoolID != "" {
		if schoolID != nil && *schoolID != *req.SchoolID {
			c.JSON(http.StatusForbidden, gin.H{"error": "school does not match token"})
			return
		}
		schoolID = req.SchoolID
	}

	if err := fanout.ValidateKeys(req.Keys); err != nil {
		h.logger.Info("rejected subscription with invalid keys", "user_id", userID, "endpoint", truncateEndpoint(req.Endpoint), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.store.UpsertSubscription(c.Request.Context(), userID, req.Endpoint, req.Keys, schoolID)
	if err != nil {
		h.logger.Error("failed to store subscription", "user_id", userID, "endpoint", truncateEndpoint(req.Endpoint), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store subscription"})
		return
	}

	h.logger.Info("push subscription stored", "user_id", userID, "subscription_id", sub.ID, "endpoint", truncateEndpoint(sub.Endpoint))
	c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	userID := currentUserID(c)

	var req PushUnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	_, err := h.store.Get(ctx, userID, req.Endpoint)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"message": "Unsubscribed", "removed": false})
		return
	}
	if err != nil {
		h.logger.Error("failed to look up subscription", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	if err := h.store.DeleteSubscription(ctx, userID, req.Endpoint); err != nil {
		if errors.Is(err, store.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to delete subscription", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete subscription"})
		return
	}

	h.logger.Info("push subscription removed", "user_id", userID, "endpoint", truncateEndpoint(req.Endpoint))
	c.JSON(http.StatusOK, gin.H{"message": "Unsubscribed", "removed": true})
}

func (h *Handlers) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), currentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if subs == nil {
		subs = []models.PushSubscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}
