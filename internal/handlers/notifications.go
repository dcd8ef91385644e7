package handlers

import (
	"encoding/json"
	"errors"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/tariel-x/edupay/internal/fanout"
	"github.com/tariel-x/edupay/internal/models"

	"github.com/gin-gonic/gin"
)

type SendNotificationRequest struct {
	SchoolID *string `json:"school_id"`
	Title    string  `json:"title" binding:"required,max=100"`
	Body     string  `json:"body" binding:"required,max=500"`
	URL      string  `json:"url"`
}

type SendNotificationResponse struct {
	PushesSent int    `json:"pushes_sent"`
	Failed     int    `json:"failed"`
	Pruned     int    `json:"pruned"`
	BatchID    string `json:"batch_id"`
}

type liveEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// SendNotification fans a notification out to a school, or to everyone when
// an unscoped admin leaves school_id empty. Admins scoped to a school can only
// reach their own school.
func (h *Handlers) SendNotification(c *gin.Context) {
	var req SendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	title := h.plainText(req.Title)
	body := h.plainText(req.Body)
	if title == "" || body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and body must contain text"})
		return
	}
	if req.URL != "" {
		if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "" && u.Scheme != "https" && u.Scheme != "http") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url must be a path or an http(s) URL"})
			return
		}
	}

	target := fanout.Target{SchoolID: currentSchoolID(c)}
	if req.SchoolID != nil && *req.SchoolID != "" {
		if target.SchoolID != nil && *target.SchoolID != *req.SchoolID {
			c.JSON(http.StatusForbidden, gin.H{"error": "school does not match token"})
			return
		}
		target.SchoolID = req.SchoolID
	}

	payload := models.NewNotificationPayload(title, body, req.URL)
	report, err := h.sender.Send(c.Request.Context(), target, payload)
	if err != nil {
		if errors.Is(err, fanout.ErrAudienceUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscriptions are unavailable, try again later"})
			return
		}
		h.logger.Error("notification send failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send notification"})
		return
	}

	if h.liveHub != nil && len(report.Audience) > 0 {
		msg, _ := json.Marshal(liveEnvelope{Type: "notification", Data: payload})
		reached := h.liveHub.Broadcast(report.Audience, msg)
		h.logger.Debug("notification mirrored to live sessions", "batch_id", report.BatchID, "sessions", reached)
	}

	h.logger.Info("notification sent",
		"batch_id", report.BatchID,
		"sender", currentUserID(c),
		"pushes_sent", report.Sent,
		"failed", report.Failed,
		"pruned", report.Pruned,
	)
	c.JSON(http.StatusOK, SendNotificationResponse{
		PushesSent: report.Sent,
		Failed:     report.Failed,
		Pruned:     report.Pruned,
		BatchID:    report.BatchID,
	})
}

// plainText strips markup; bluemonday escapes entities, which a system
// notification would show literally.
func (h *Handlers) plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(h.sanitizer.Sanitize(s)))
}
