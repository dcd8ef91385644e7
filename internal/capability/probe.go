// Package capability answers whether push notifications can be used in the
// client runtime and registers push endpoints with it.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tariel-x/edupay/internal/models"
)

var (
	ErrNotSupported       = errors.New("push is not supported in this runtime")
	ErrRegistrationFailed = errors.New("push registration failed")
)

// Registration is what the runtime hands back after subscribing to its push service.
type Registration struct {
	Endpoint string
	Keys     models.Keys
}

// Runtime is the push-capable host the client runs in. Permission is read on
// every call; nothing about it is cached here.
type Runtime interface {
	PushSupported() bool
	Permission() models.PermissionState
	RequestPermission(ctx context.Context) (models.PermissionState, error)
	Subscribe(ctx context.Context, applicationServerKey string) (*Registration, error)
	// Current returns the active registration, or nil when there is none.
	Current(ctx context.Context) (*Registration, error)
	Unsubscribe(ctx context.Context) error
}

type Probe struct {
	runtime Runtime
	logger  *slog.Logger
}

func New(runtime Runtime, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{runtime: runtime, logger: logger}
}

// CheckSupport reports the current permission state. It never panics and
// never touches the network; unsupported runtimes report PermissionUnsupported.
func (p *Probe) CheckSupport() (state models.PermissionState) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("push capability probe panicked", "panic", r)
			state = models.PermissionUnsupported
		}
	}()

	if p == nil || p.runtime == nil || !p.runtime.PushSupported() {
		return models.PermissionUnsupported
	}

	state = p.runtime.Permission()
	if !state.Valid() {
		return models.PermissionUnsupported
	}
	return state
}

// RequestPermission prompts the user when the permission is still undecided.
func (p *Probe) RequestPermission(ctx context.Context) (models.PermissionState, error) {
	state := p.CheckSupport()
	if state != models.PermissionDefault {
		return state, nil
	}

	state, err := p.runtime.RequestPermission(ctx)
	if err != nil {
		return models.PermissionDefault, fmt.Errorf("request permission: %w", err)
	}
	return state, nil
}

// Register subscribes the runtime to its push service with the server key.
func (p *Probe) Register(ctx context.Context, serverKey string) (*Registration, error) {
	if p.CheckSupport() == models.PermissionUnsupported {
		return nil, ErrNotSupported
	}

	reg, err := p.runtime.Subscribe(ctx, serverKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	if reg == nil || reg.Endpoint == "" || reg.Keys.P256DH == "" || reg.Keys.Auth == "" {
		return nil, fmt.Errorf("%w: runtime returned an incomplete registration", ErrRegistrationFailed)
	}
	return reg, nil
}

// Current returns the runtime's active registration, if any.
func (p *Probe) Current(ctx context.Context) (*Registration, error) {
	if p.CheckSupport() == models.PermissionUnsupported {
		return nil, nil
	}
	return p.runtime.Current(ctx)
}

// Unregister drops the runtime's local registration.
func (p *Probe) Unregister(ctx context.Context) error {
	if p.CheckSupport() == models.PermissionUnsupported {
		return ErrNotSupported
	}
	if err := p.runtime.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}
