package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PushSubscription is one client installation's registered push endpoint.
// (UserID, Endpoint) is unique: re-registering from the same client updates the row.
type PushSubscription struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID     string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_push_user_endpoint,priority:1" json:"user_id"`
	SchoolID   *string   `gorm:"type:varchar(36);index" json:"school_id"`
	Endpoint   string    `gorm:"type:varchar(1024);not null;uniqueIndex:idx_push_user_endpoint,priority:2" json:"endpoint"`
	P256DH     string    `gorm:"type:text;not null" json:"p256dh"`
	Auth       string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// Keys returns the encryption material the push service needs for this subscription.
func (p *PushSubscription) Keys() Keys {
	return Keys{P256DH: p.P256DH, Auth: p.Auth}
}

// Keys is the client public key and auth secret, both base64url encoded.
type Keys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}
