// Package store is the permission store: the source of truth for which push
// subscriptions exist and which audience each belongs to.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tariel-x/edupay/internal/models"

	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("subscription not found")
	ErrInvalidRequest = errors.New("user id and endpoint are required")
)

// SubscriptionStore persists push subscriptions with gorm. All mutations are
// idempotent: repeating an upsert or delete has no additional effect.
type SubscriptionStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

func New(db *gorm.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db, nowFn: time.Now}
}

// UpsertSubscription creates the subscription for (userID, endpoint) or
// refreshes the keys and audience of the existing one.
func (s *SubscriptionStore) UpsertSubscription(ctx context.Context, userID, endpoint string, keys models.Keys, schoolID *string) (*models.PushSubscription, error) {
	if userID == "" || endpoint == "" {
		return nil, ErrInvalidRequest
	}

	now := s.nowFn()
	var sub models.PushSubscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND endpoint = ?", userID, endpoint).First(&sub).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			sub = models.PushSubscription{
				UserID:     userID,
				SchoolID:   schoolID,
				Endpoint:   endpoint,
				P256DH:     keys.P256DH,
				Auth:       keys.Auth,
				CreatedAt:  now,
				UpdatedAt:  now,
				LastSeenAt: now,
			}
			return tx.Create(&sub).Error
		case err != nil:
			return err
		}

		sub.P256DH = keys.P256DH
		sub.Auth = keys.Auth
		sub.SchoolID = schoolID
		sub.UpdatedAt = now
		sub.LastSeenAt = now
		return tx.Save(&sub).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}
	return &sub, nil
}

// DeleteSubscription removes the subscription for (userID, endpoint).
// Deleting a subscription that does not exist is not an error.
func (s *SubscriptionStore) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	if userID == "" || endpoint == "" {
		return ErrInvalidRequest
	}
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND endpoint = ?", userID, endpoint).
		Delete(&models.PushSubscription{}).Error
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// ListActiveSubscriptions returns every subscription in the audience of
// schoolID, or all subscriptions when schoolID is nil.
func (s *SubscriptionStore) ListActiveSubscriptions(ctx context.Context, schoolID *string) ([]models.PushSubscription, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if schoolID != nil {
		q = q.Where("school_id = ?", *schoolID)
	}

	var subs []models.PushSubscription
	if err := q.Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// ListByUser returns the subscriptions owned by userID.
func (s *SubscriptionStore) ListByUser(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list user subscriptions: %w", err)
	}
	return subs, nil
}

// Get returns the subscription for (userID, endpoint).
func (s *SubscriptionStore) Get(ctx context.Context, userID, endpoint string) (*models.PushSubscription, error) {
	var sub models.PushSubscription
	err := s.db.WithContext(ctx).Where("user_id = ? AND endpoint = ?", userID, endpoint).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// Prune deletes a subscription by id after its endpoint was reported gone.
func (s *SubscriptionStore) Prune(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.PushSubscription{}).Error; err != nil {
		return fmt.Errorf("prune subscription %s: %w", id, err)
	}
	return nil
}

// Touch records a successful delivery for the given subscriptions.
func (s *SubscriptionStore) Touch(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&models.PushSubscription{}).
		Where("id IN ?", ids).
		UpdateColumn("last_seen_at", at).Error
	if err != nil {
		return fmt.Errorf("touch subscriptions: %w", err)
	}
	return nil
}
