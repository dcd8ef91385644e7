package handlers

import (
	"context"
	"log/slog"

	"github.com/tariel-x/edupay/internal/config"
	"github.com/tariel-x/edupay/internal/fanout"
	"github.com/tariel-x/edupay/internal/models"

	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
)

// SubscriptionStore is the permission store as seen by the HTTP API.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, userID, endpoint string, keys models.Keys, schoolID *string) (*models.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) error
	ListByUser(ctx context.Context, userID string) ([]models.PushSubscription, error)
	Get(ctx context.Context, userID, endpoint string) (*models.PushSubscription, error)
}

// Notifier fans a payload out to an audience.
type Notifier interface {
	Send(ctx context.Context, target fanout.Target, payload models.NotificationPayload) (fanout.Report, error)
}

type Handlers struct {
	config     *config.Config
	store      SubscriptionStore
	sender     Notifier
	liveHub    *LiveHub
	wsUpgrader websocket.Upgrader
	sanitizer  *bluemonday.Policy
	logger     *slog.Logger
}

func New(
	config *config.Config,
	store SubscriptionStore,
	sender Notifier,
	liveHub *LiveHub,
	wsUpgrader websocket.Upgrader,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		config:     config,
		store:      store,
		sender:     sender,
		liveHub:    liveHub,
		wsUpgrader: wsUpgrader,
		sanitizer:  bluemonday.StrictPolicy(),
		logger:     logger,
	}
}

func truncateEndpoint(endpoint string) string {
	return endpoint[:min(50, len(endpoint))]
}
