package agent

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/tariel-x/edupay/internal/models"
)

// ErrPayloadMalformed marks a push body that was not a JSON object. It never
// fails the push event; the body is rendered as plain text instead.
var ErrPayloadMalformed = errors.New("push payload is not a JSON object")

// wirePayload mirrors the JSON the sender produces. Pointer fields keep an
// explicit false or {} apart from an absent field.
type wirePayload struct {
	Title              *string                     `json:"title"`
	Body               *string                     `json:"body"`
	Icon               *string                     `json:"icon"`
	Badge              *string                     `json:"badge"`
	Tag                *string                     `json:"tag"`
	RequireInteraction *bool                       `json:"requireInteraction"`
	Data               *models.NotificationData    `json:"data"`
	Actions            []models.NotificationAction `json:"actions"`
}

// ParsePayload turns a push body into a displayable notification. Missing
// fields get their defaults. A body that is not a JSON object is returned as a
// plain-text notification together with ErrPayloadMalformed.
func ParsePayload(raw []byte) (models.NotificationPayload, error) {
	n := models.NotificationPayload{
		Title: models.DefaultTitle,
		Body:  models.DefaultBody,
		Icon:  models.DefaultIcon,
		Badge: models.DefaultBadge,
		Tag:   models.DefaultTag,
		Data:  models.NotificationData{URL: models.DefaultURL},
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return n, nil
	}

	var w wirePayload
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &w) != nil {
		n.Body = string(raw)
		n.Tag = models.FallbackTag
		return n, ErrPayloadMalformed
	}

	setString(&n.Title, w.Title)
	setString(&n.Body, w.Body)
	setString(&n.Icon, w.Icon)
	setString(&n.Badge, w.Badge)
	setString(&n.Tag, w.Tag)
	if w.RequireInteraction != nil {
		n.RequireInteraction = *w.RequireInteraction
	}
	if w.Data != nil {
		n.Data = *w.Data
	}
	n.Actions = w.Actions
	return n, nil
}

func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}
