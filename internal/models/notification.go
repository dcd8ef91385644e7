package models

const (
	MaxTitleLength = 100
	MaxBodyLength  = 500

	DefaultTitle = "EduPay"
	DefaultBody  = "You have a new notification"
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/badge-72x72.png"
	DefaultTag   = "edupay-notification"
	// FallbackTag marks notifications rendered from a payload that was not JSON.
	FallbackTag = "default"
	DefaultURL  = "/"

	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)

// NotificationAction is a button shown on a rendered notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// NotificationData is the opaque data attached to a notification.
type NotificationData struct {
	URL string `json:"url,omitempty"`
}

// NotificationPayload is the message unit encrypted and sent to every subscription.
type NotificationPayload struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Data               NotificationData     `json:"data"`
	Actions            []NotificationAction `json:"actions,omitempty"`
}

// NewNotificationPayload builds the payload the send trigger dispatches.
func NewNotificationPayload(title, body, url string) NotificationPayload {
	if url == "" {
		url = DefaultURL
	}
	return NotificationPayload{
		Title: title,
		Body:  body,
		Icon:  DefaultIcon,
		Badge: DefaultBadge,
		Tag:   DefaultTag,
		Data:  NotificationData{URL: url},
		Actions: []NotificationAction{
			{Action: ActionOpen, Title: "View"},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
	}
}
