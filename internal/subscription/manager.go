// Package subscription owns a client's push subscription: it registers with the
// runtime, persists the result in the permission store and keeps both in step.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tariel-x/edupay/internal/capability"
	"github.com/tariel-x/edupay/internal/models"
)

// State is the lifecycle state of the local subscription.
type State string

const (
	StateUnsubscribed  State = "unsubscribed"
	StateSubscribing   State = "subscribing"
	StateSubscribed    State = "subscribed"
	StateUnsubscribing State = "unsubscribing"
	StateError         State = "error"
)

// Store is the permission store as seen by a client.
type Store interface {
	UpsertSubscription(ctx context.Context, userID, endpoint string, keys models.Keys, schoolID *string) (*models.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) error
}

// KeyProvider serves the server's VAPID public key at runtime.
type KeyProvider interface {
	GetServerPublicKey(ctx context.Context) (string, error)
}

// Status is what the UI renders. Err carries the last failure, if any.
type Status struct {
	State      State
	Permission models.PermissionState
	Endpoint   string
	Err        error
}

type Options struct {
	UserID   string
	SchoolID *string
	Logger   *slog.Logger
}

type Manager struct {
	probe    *capability.Probe
	keys     KeyProvider
	store    Store
	userID   string
	schoolID *string
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	endpoint string
	lastErr  error
}

func NewManager(probe *capability.Probe, keys KeyProvider, store Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		probe:    probe,
		keys:     keys,
		store:    store,
		userID:   opts.UserID,
		schoolID: opts.SchoolID,
		logger:   logger.With("user_id", opts.UserID),
		state:    StateUnsubscribed,
	}
}

// Status returns the current state together with a fresh permission reading.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(m.probe.CheckSupport())
}

func (m *Manager) statusLocked(perm models.PermissionState) Status {
	return Status{State: m.state, Permission: perm, Endpoint: m.endpoint, Err: m.lastErr}
}

// Toggle subscribes when unsubscribed (or after a failure) and unsubscribes
// when subscribed. A toggle issued while another one is in flight is rejected
// with ErrBusy, not queued.
func (m *Manager) Toggle(ctx context.Context) (Status, error) {
	m.mu.Lock()
	if m.state == StateSubscribing || m.state == StateUnsubscribing {
		st := m.statusLocked(m.probe.CheckSupport())
		m.mu.Unlock()
		return st, ErrBusy
	}

	perm := m.probe.CheckSupport()
	switch {
	case perm == models.PermissionUnsupported:
		endpoint := m.dropUnsupportedLocked(perm)
		st := m.statusLocked(perm)
		m.mu.Unlock()
		m.deleteStale(ctx, endpoint)
		return st, ErrUnsupported
	case perm == models.PermissionDenied && m.state != StateSubscribed:
		m.state = StateError
		m.lastErr = ErrPermissionDenied
		st := m.statusLocked(perm)
		m.mu.Unlock()
		return st, ErrPermissionDenied
	}

	if m.state == StateSubscribed {
		m.state = StateUnsubscribing
		m.mu.Unlock()
		return m.unsubscribe(ctx)
	}

	m.state = StateSubscribing
	m.mu.Unlock()
	return m.subscribe(ctx)
}

func (m *Manager) subscribe(ctx context.Context) (Status, error) {
	perm, err := m.probe.RequestPermission(ctx)
	if err != nil {
		return m.finish(StateError, "", fmt.Errorf("%w: %w", ErrRegistrationFailed, err))
	}
	switch perm {
	case models.PermissionGranted:
	case models.PermissionDenied:
		m.logger.Info("notification permission denied by user")
		return m.finish(StateError, "", ErrPermissionDenied)
	default:
		// Prompt dismissed without a decision.
		return m.finish(StateError, "", fmt.Errorf("%w: permission is %s", ErrPermissionDenied, perm))
	}

	serverKey, err := m.keys.GetServerPublicKey(ctx)
	if err != nil {
		return m.finish(StateError, "", fmt.Errorf("%w: fetch server key: %w", ErrRegistrationFailed, err))
	}

	reg, err := m.probe.Register(ctx, serverKey)
	if err != nil {
		return m.finish(StateError, "", fmt.Errorf("%w: %w", ErrRegistrationFailed, err))
	}

	if _, err := m.store.UpsertSubscription(ctx, m.userID, reg.Endpoint, reg.Keys, m.schoolID); err != nil {
		// The sender only sees stored subscriptions; drop the orphan.
		if rbErr := m.probe.Unregister(ctx); rbErr != nil {
			m.logger.Warn("rollback of local push registration failed", "endpoint", truncate(reg.Endpoint), "error", rbErr)
		}
		return m.finish(StateError, "", fmt.Errorf("%w: %w", ErrPersistenceFailed, err))
	}

	m.logger.Info("push subscription created", "endpoint", truncate(reg.Endpoint))
	return m.finish(StateSubscribed, reg.Endpoint, nil)
}

func (m *Manager) unsubscribe(ctx context.Context) (Status, error) {
	endpoint := m.currentEndpoint()
	if reg, err := m.probe.Current(ctx); err == nil && reg != nil {
		endpoint = reg.Endpoint
	}

	if err := m.probe.Unregister(ctx); err != nil {
		return m.finish(StateSubscribed, endpoint, fmt.Errorf("%w: %w", ErrRegistrationFailed, err))
	}

	if endpoint != "" {
		if err := m.store.DeleteSubscription(ctx, m.userID, endpoint); err != nil {
			// The endpoint now answers 410; the next fan-out prunes the row.
			m.logger.Warn("failed to delete push subscription from store", "endpoint", truncate(endpoint), "error", err)
		}
	}

	m.logger.Info("push subscription removed", "endpoint", truncate(endpoint))
	return m.finish(StateUnsubscribed, "", nil)
}

// Sync reconciles the manager with the runtime, typically on start. A
// registration that exists while permission is granted is re-persisted; one
// that exists after permission was revoked is removed locally and from the store.
func (m *Manager) Sync(ctx context.Context) (Status, error) {
	m.mu.Lock()
	if m.state == StateSubscribing || m.state == StateUnsubscribing {
		st := m.statusLocked(m.probe.CheckSupport())
		m.mu.Unlock()
		return st, ErrBusy
	}
	perm := m.probe.CheckSupport()
	if perm == models.PermissionUnsupported {
		endpoint := m.dropUnsupportedLocked(perm)
		st := m.statusLocked(perm)
		m.mu.Unlock()
		m.deleteStale(ctx, endpoint)
		return st, nil
	}
	m.state = StateSubscribing
	m.mu.Unlock()

	reg, err := m.probe.Current(ctx)
	if err != nil {
		return m.finish(StateError, "", fmt.Errorf("%w: %w", ErrRegistrationFailed, err))
	}

	switch {
	case perm == models.PermissionDenied:
		if reg != nil {
			if err := m.probe.Unregister(ctx); err != nil {
				m.logger.Warn("failed to drop registration after permission revoke", "error", err)
			}
			if err := m.store.DeleteSubscription(ctx, m.userID, reg.Endpoint); err != nil {
				m.logger.Warn("failed to delete push subscription after permission revoke", "endpoint", truncate(reg.Endpoint), "error", err)
			}
		}
		return m.finish(StateError, "", ErrPermissionDenied)
	case reg == nil:
		return m.finish(StateUnsubscribed, "", nil)
	case perm != models.PermissionGranted:
		return m.finish(StateUnsubscribed, "", nil)
	}

	if _, err := m.store.UpsertSubscription(ctx, m.userID, reg.Endpoint, reg.Keys, m.schoolID); err != nil {
		return m.finish(StateError, "", fmt.Errorf("%w: %w", ErrPersistenceFailed, err))
	}
	return m.finish(StateSubscribed, reg.Endpoint, nil)
}

func (m *Manager) finish(state State, endpoint string, err error) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.endpoint = endpoint
	m.lastErr = err
	if err != nil && state == StateError {
		m.logger.Warn("push subscription change failed", "error", err, "retryable", Retryable(err))
	}
	return m.statusLocked(m.probe.CheckSupport()), err
}

// dropUnsupportedLocked resets the manager once the runtime lost push support
// and returns the endpoint that was subscribed, if any.
func (m *Manager) dropUnsupportedLocked(perm models.PermissionState) string {
	var endpoint string
	if m.state == StateSubscribed {
		endpoint = m.endpoint
	}
	m.state = StateUnsubscribed
	m.endpoint = ""
	m.lastErr = ErrUnsupported
	m.logger.Info("push support lost", "permission", perm, "had_subscription", endpoint != "")
	return endpoint
}

// deleteStale removes a subscription the runtime can no longer receive.
func (m *Manager) deleteStale(ctx context.Context, endpoint string) {
	if endpoint == "" {
		return
	}
	if err := m.store.DeleteSubscription(ctx, m.userID, endpoint); err != nil {
		m.logger.Warn("failed to delete push subscription after support was lost", "endpoint", truncate(endpoint), "error", err)
	}
}

func (m *Manager) currentEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

func truncate(endpoint string) string {
	return endpoint[:min(50, len(endpoint))]
}
