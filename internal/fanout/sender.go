// Package fanout delivers one notification to every subscription in an
// audience, isolating failures per endpoint.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tariel-x/edupay/internal/models"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

// ErrAudienceUnavailable is the only error Send returns: the subscriptions
// for the target could not be read.
var ErrAudienceUnavailable = errors.New("push audience unavailable")

// Store is the part of the permission store the sender needs.
type Store interface {
	ListActiveSubscriptions(ctx context.Context, schoolID *string) ([]models.PushSubscription, error)
	Prune(ctx context.Context, id string) error
	Touch(ctx context.Context, ids []string, at time.Time) error
}

// Target selects the audience: one school, or everybody when SchoolID is nil.
type Target struct {
	SchoolID *string
}

// Report is the aggregate result of one fan-out.
type Report struct {
	BatchID string
	Sent    int
	Failed  int
	Pruned  int
	// Audience lists each user in the resolved audience once.
	Audience []string
}

type Options struct {
	Workers         int
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	SendTimeout     time.Duration
	EndpointTimeout time.Duration
	Logger          *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = time.Minute
	}
	if o.EndpointTimeout <= 0 {
		o.EndpointTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Sender struct {
	store     Store
	deliverer Deliverer
	opts      Options
	nowFn     func() time.Time
}

func NewSender(store Store, deliverer Deliverer, opts Options) *Sender {
	opts.setDefaults()
	return &Sender{
		store:     store,
		deliverer: deliverer,
		opts:      opts,
		nowFn:     time.Now,
	}
}

// Send delivers payload to every subscription in target concurrently and
// waits for all deliveries before reporting. Partial failures only show up in
// the counts.
func (s *Sender) Send(ctx context.Context, target Target, payload models.NotificationPayload) (Report, error) {
	batchID, err := gonanoid.New(12)
	if err != nil {
		return Report{}, fmt.Errorf("generate batch id: %w", err)
	}
	logger := s.opts.Logger.With("batch_id", batchID)
	report := Report{BatchID: batchID}

	ctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()

	subs, err := s.store.ListActiveSubscriptions(ctx, target.SchoolID)
	if err != nil {
		logger.Error("failed to resolve push audience", "error", err)
		return report, fmt.Errorf("%w: %w", ErrAudienceUnavailable, err)
	}
	if len(subs) == 0 {
		logger.Info("no push subscriptions in audience")
		return report, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return report, fmt.Errorf("marshal payload: %w", err)
	}

	logger.Info("push fan-out started", "subscriptions", len(subs), "school_id", derefOr(target.SchoolID, "*"))

	outcomes := make([]Outcome, len(subs))
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i := range subs {
		g.Go(func() error {
			outcomes[i] = s.deliver(ctx, logger, &subs[i], body)
			return nil
		})
	}
	_ = g.Wait()

	// Bookkeeping must survive the send deadline.
	bookCtx, bookCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer bookCancel()

	var delivered []string
	seen := make(map[string]struct{})
	for i, o := range outcomes {
		sub := &subs[i]
		if _, ok := seen[sub.UserID]; !ok {
			seen[sub.UserID] = struct{}{}
			report.Audience = append(report.Audience, sub.UserID)
		}

		switch o.Kind {
		case KindDelivered:
			report.Sent++
			delivered = append(delivered, sub.ID)
		case KindPermanent:
			report.Failed++
			if err := s.store.Prune(bookCtx, sub.ID); err != nil {
				logger.Error("failed to prune push subscription", "subscription_id", sub.ID, "error", err)
				continue
			}
			report.Pruned++
			logger.Info("pruned push subscription", "subscription_id", sub.ID, "user_id", sub.UserID, "reason", o.Err)
		default:
			report.Failed++
		}
	}

	if err := s.store.Touch(bookCtx, delivered, s.nowFn()); err != nil {
		logger.Warn("failed to update last seen for delivered subscriptions", "error", err)
	}

	logger.Info("push fan-out finished", "sent", report.Sent, "failed", report.Failed, "pruned", report.Pruned)
	return report, nil
}

func (s *Sender) deliver(ctx context.Context, logger *slog.Logger, sub *models.PushSubscription, body []byte) Outcome {
	var o Outcome
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: KindTransient, Attempts: attempt - 1, Err: fmt.Errorf("send deadline: %w", err)}
		}

		ectx, cancel := context.WithTimeout(ctx, s.opts.EndpointTimeout)
		resp, err := s.deliverer.Deliver(ectx, sub, body)
		timedOut := err != nil && errors.Is(ectx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		o = classify(resp, err, timedOut)
		o.Attempts = attempt
		if o.Kind != KindDelivered {
			logger.Debug("push delivery failed",
				"subscription_id", sub.ID,
				"endpoint", truncate(sub.Endpoint),
				"kind", o.Kind,
				"status", o.StatusCode,
				"attempt", attempt,
				"error", o.Err,
			)
		}

		if o.Kind != KindTransient || !o.Retryable || attempt >= s.opts.MaxAttempts {
			return o
		}

		timer := time.NewTimer(s.backoff(attempt, o.RetryAfter))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return o
		}
	}
}

func (s *Sender) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, s.opts.MaxBackoff)
	}
	d := s.opts.BaseBackoff << (attempt - 1)
	if d <= 0 || d > s.opts.MaxBackoff {
		return s.opts.MaxBackoff
	}
	return d
}

func truncate(endpoint string) string {
	return endpoint[:min(50, len(endpoint))]
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
