// Package agenttest provides an in-memory runtime host for the push agent.
package agenttest

import (
	"context"
	"sync"

	"github.com/tariel-x/edupay/internal/agent"
	"github.com/tariel-x/edupay/internal/models"
)

// Renderer records shown notifications, replacing by tag like a real runtime.
type Renderer struct {
	mu      sync.Mutex
	ShowErr error
	shown   []models.NotificationPayload
	closed  []string
}

func (r *Renderer) ShowNotification(ctx context.Context, n models.NotificationPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ShowErr != nil {
		return r.ShowErr
	}
	for i, existing := range r.shown {
		if existing.Tag == n.Tag {
			r.shown[i] = n
			return nil
		}
	}
	r.shown = append(r.shown, n)
	return nil
}

func (r *Renderer) CloseNotification(ctx context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, tag)
	kept := r.shown[:0]
	for _, n := range r.shown {
		if n.Tag != tag {
			kept = append(kept, n)
		}
	}
	r.shown = kept
	return nil
}

// Shown returns the notifications currently on screen.
func (r *Renderer) Shown() []models.NotificationPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.NotificationPayload(nil), r.shown...)
}

func (r *Renderer) Closed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}

// Window is a fake open view.
type Window struct {
	mu      sync.Mutex
	url     string
	focused bool
}

func NewWindow(url string) *Window { return &Window{url: url} }

func (w *Window) URL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.url
}

func (w *Window) Navigate(ctx context.Context, target string) (agent.Window, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.url = target
	return w, nil
}

func (w *Window) Focus(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.focused = true
	return nil
}

func (w *Window) Focused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.focused
}

// Host is a fake runtime scope.
type Host struct {
	mu         sync.Mutex
	windows    []*Window
	opened     []string
	SkipWaited bool
	Claimed    bool
}

func (h *Host) AddWindow(w *Window) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.windows = append(h.windows, w)
}

func (h *Host) SkipWaiting(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.SkipWaited = true
	return nil
}

func (h *Host) Claim(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Claimed = true
	return nil
}

func (h *Host) Windows(ctx context.Context) ([]agent.Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]agent.Window, 0, len(h.windows))
	for _, w := range h.windows {
		out = append(out, w)
	}
	return out, nil
}

func (h *Host) OpenWindow(ctx context.Context, target string) (agent.Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := NewWindow(target)
	w.focused = true
	h.windows = append(h.windows, w)
	h.opened = append(h.opened, target)
	return w, nil
}

// Opened returns the URLs of windows opened by the agent.
func (h *Host) Opened() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.opened...)
}
