package fanout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrEndpointGone means the push service will never accept messages for the
// endpoint again (404/410 or unusable keys).
var ErrEndpointGone = errors.New("push endpoint gone")

// Kind is the classification of a delivery attempt.
type Kind string

const (
	KindDelivered Kind = "delivered"
	// KindTransient failures (network, rate limits, 5xx) may be retried.
	KindTransient Kind = "transient"
	// KindPermanent failures prune the subscription.
	KindPermanent Kind = "permanent"
	// KindRejected covers requests the push service refused for reasons that
	// are not the endpoint's fault (bad VAPID auth, oversized payload).
	KindRejected Kind = "rejected"
)

type Outcome struct {
	Kind       Kind
	StatusCode int
	Attempts   int
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func classify(resp *Response, err error, timedOut bool) Outcome {
	if err != nil {
		switch {
		case timedOut, errors.Is(err, context.DeadlineExceeded):
			// Abandoned for this send; the next fan-out will try again.
			return Outcome{Kind: KindTransient, Err: fmt.Errorf("endpoint timeout: %w", err)}
		case errors.Is(err, context.Canceled):
			return Outcome{Kind: KindTransient, Err: err}
		case errors.Is(err, ErrInvalidKeys):
			return Outcome{Kind: KindPermanent, Err: fmt.Errorf("%w: %w", ErrEndpointGone, err)}
		default:
			return Outcome{Kind: KindTransient, Retryable: true, Err: err}
		}
	}

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return Outcome{Kind: KindDelivered, StatusCode: status}
	case status == http.StatusNotFound || status == http.StatusGone:
		return Outcome{Kind: KindPermanent, StatusCode: status, Err: fmt.Errorf("%w: status %d", ErrEndpointGone, status)}
	case status == http.StatusTooManyRequests || status >= 500:
		return Outcome{
			Kind:       KindTransient,
			StatusCode: status,
			Retryable:  true,
			RetryAfter: resp.RetryAfter,
			Err:        fmt.Errorf("push service status %d: %s", status, resp.Body),
		}
	default:
		return Outcome{Kind: KindRejected, StatusCode: status, Err: fmt.Errorf("push service rejected payload: status %d: %s", status, resp.Body)}
	}
}
