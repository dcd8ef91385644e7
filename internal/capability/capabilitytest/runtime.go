// Package capabilitytest provides an in-memory push runtime for tests.
package capabilitytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tariel-x/edupay/internal/capability"
	"github.com/tariel-x/edupay/internal/models"
)

// Runtime is a scriptable capability.Runtime.
type Runtime struct {
	mu sync.Mutex

	Supported bool
	State     models.PermissionState
	// Prompt is the answer the simulated user gives to a permission prompt.
	Prompt models.PermissionState

	Endpoint     string
	SubscribeErr error
	UnsubErr     error
	// Block, when set, is waited on inside Subscribe.
	Block chan struct{}

	Prompts       int
	Subscribes    int
	Unsubscribes  int
	ServerKeySeen string

	current *capability.Registration
}

// New returns a runtime that supports push and has not asked for permission yet.
func New(endpoint string) *Runtime {
	return &Runtime{
		Supported: true,
		State:     models.PermissionDefault,
		Prompt:    models.PermissionGranted,
		Endpoint:  endpoint,
	}
}

func (r *Runtime) PushSupported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Supported
}

func (r *Runtime) Permission() models.PermissionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State
}

func (r *Runtime) SetPermission(state models.PermissionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = state
}

func (r *Runtime) RequestPermission(ctx context.Context) (models.PermissionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Prompts++
	r.State = r.Prompt
	return r.State, nil
}

func (r *Runtime) Subscribe(ctx context.Context, applicationServerKey string) (*capability.Registration, error) {
	r.mu.Lock()
	block := r.Block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Subscribes++
	r.ServerKeySeen = applicationServerKey
	if r.SubscribeErr != nil {
		return nil, r.SubscribeErr
	}
	if r.State != models.PermissionGranted {
		return nil, fmt.Errorf("permission is %s", r.State)
	}
	r.current = &capability.Registration{
		Endpoint: r.Endpoint,
		Keys: models.Keys{
			P256DH: "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
			Auth:   "tBHItJI5svbpez7KI4CCXg",
		},
	}
	reg := *r.current
	return &reg, nil
}

func (r *Runtime) Current(ctx context.Context) (*capability.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil, nil
	}
	reg := *r.current
	return &reg, nil
}

func (r *Runtime) Unsubscribe(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Unsubscribes++
	if r.UnsubErr != nil {
		return r.UnsubErr
	}
	r.current = nil
	return nil
}

// Registered reports whether the runtime holds a local registration.
func (r *Runtime) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}
