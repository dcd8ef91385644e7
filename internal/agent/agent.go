// Package agent is the push delivery agent: a passive handler that the client
// runtime wakes up for each lifecycle, push and notification event.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/tariel-x/edupay/internal/models"
)

type EventType string

const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventPush              EventType = "push"
	EventNotificationClick EventType = "notificationclick"
	EventNotificationClose EventType = "notificationclose"
	EventSync              EventType = "sync"
)

type Phase string

const (
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivated  Phase = "activated"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrRenderFailed = errors.New("notification could not be displayed")
)

// Event is one wake-up of the agent.
type Event struct {
	Type EventType
	// Data is the decrypted push body for EventPush.
	Data []byte
	// Notification is the clicked or closed notification.
	Notification models.NotificationPayload
	// Action is the action button clicked, empty for a click on the body.
	Action string
	// Tag identifies the deferred work for EventSync.
	Tag string
}

// Delivery pairs an event with the acknowledgement the runtime waits for.
// Ack is called exactly once, after the event is fully handled.
type Delivery struct {
	Event Event
	Ack   func(error)
}

// Renderer displays notifications. Showing a notification whose tag is already
// on screen replaces it.
type Renderer interface {
	ShowNotification(ctx context.Context, n models.NotificationPayload) error
	CloseNotification(ctx context.Context, tag string) error
}

// Window is an open client view.
type Window interface {
	URL() string
	Navigate(ctx context.Context, target string) (Window, error)
	Focus(ctx context.Context) error
}

// Host is the runtime scope the agent lives in.
type Host interface {
	SkipWaiting(ctx context.Context) error
	Claim(ctx context.Context) error
	// Windows lists open views in a stable order.
	Windows(ctx context.Context) ([]Window, error)
	OpenWindow(ctx context.Context, target string) (Window, error)
}

type Agent struct {
	origin   *url.URL
	host     Host
	renderer Renderer
	logger   *slog.Logger

	// mu makes Handle single-flight: an event is handled to completion
	// before the next one starts.
	mu    sync.Mutex
	phase Phase
}

func New(origin string, host Host, renderer Renderer, logger *slog.Logger) (*Agent, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid agent origin %q", origin)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		origin:   &url.URL{Scheme: u.Scheme, Host: u.Host},
		host:     host,
		renderer: renderer,
		logger:   logger,
		phase:    PhaseInstalling,
	}, nil
}

func (a *Agent) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Run handles deliveries one at a time until ctx is done or the channel closes.
func (a *Agent) Run(ctx context.Context, deliveries <-chan Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			err := a.Handle(ctx, d.Event)
			if d.Ack != nil {
				d.Ack(err)
			}
		}
	}
}

// Handle processes one event and returns only once all of its work, including
// rendering, has finished.
func (a *Agent) Handle(ctx context.Context, ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case EventInstall:
		return a.install(ctx)
	case EventActivate:
		return a.activate(ctx)
	case EventPush:
		return a.push(ctx, ev.Data)
	case EventNotificationClick:
		return a.click(ctx, ev.Notification, ev.Action)
	case EventNotificationClose:
		a.logger.Debug("notification closed", "tag", ev.Notification.Tag)
		return nil
	case EventSync:
		a.logger.Debug("background sync acknowledged", "tag", ev.Tag)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

// install activates straight away; there is no session state worth draining.
func (a *Agent) install(ctx context.Context) error {
	if err := a.host.SkipWaiting(ctx); err != nil {
		return fmt.Errorf("skip waiting: %w", err)
	}
	a.phase = PhaseInstalled
	a.logger.Info("push agent installed")
	return nil
}

func (a *Agent) activate(ctx context.Context) error {
	if err := a.host.Claim(ctx); err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}
	a.phase = PhaseActivated
	a.logger.Info("push agent activated")
	return nil
}

func (a *Agent) push(ctx context.Context, data []byte) error {
	n, err := ParsePayload(data)
	if errors.Is(err, ErrPayloadMalformed) {
		a.logger.Warn("push payload is not JSON, rendering as text", "bytes", len(data))
	}

	if err := a.renderer.ShowNotification(ctx, n); err != nil {
		a.logger.Error("failed to show notification", "tag", n.Tag, "error", err)
		return fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	a.logger.Debug("notification shown", "tag", n.Tag, "title", n.Title)
	return nil
}

func (a *Agent) click(ctx context.Context, n models.NotificationPayload, action string) error {
	if err := a.renderer.CloseNotification(ctx, n.Tag); err != nil {
		a.logger.Warn("failed to close notification", "tag", n.Tag, "error", err)
	}
	if action == models.ActionDismiss {
		return nil
	}

	target := a.resolve(n.Data.URL)

	windows, err := a.host.Windows(ctx)
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	for _, w := range windows {
		if !a.sameOrigin(w.URL()) {
			continue
		}
		navigated, err := w.Navigate(ctx, target)
		if err != nil {
			return fmt.Errorf("navigate window: %w", err)
		}
		if navigated == nil {
			navigated = w
		}
		return navigated.Focus(ctx)
	}

	if _, err := a.host.OpenWindow(ctx, target); err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	return nil
}

func (a *Agent) resolve(raw string) string {
	if raw == "" {
		raw = models.DefaultURL
	}
	ref, err := url.Parse(raw)
	if err != nil {
		ref = &url.URL{Path: models.DefaultURL}
	}
	return a.origin.ResolveReference(ref).String()
}

func (a *Agent) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == a.origin.Scheme && u.Host == a.origin.Host
}
