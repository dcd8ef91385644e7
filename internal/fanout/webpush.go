package fanout

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tariel-x/edupay/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

// ErrInvalidKeys means the stored subscription keys can never be used to
// encrypt a payload; the subscription is treated as gone.
var ErrInvalidKeys = errors.New("invalid subscription keys")

// Response is the push service's answer to one delivery attempt.
type Response struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

// Deliverer sends one encrypted payload to one subscription endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, sub *models.PushSubscription, payload []byte) (*Response, error)
}

type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
	TTL             int
	Urgency         webpush.Urgency
	HTTPClient      *http.Client
}

// WebPush delivers payloads through the Web Push protocol with VAPID.
type WebPush struct {
	cfg WebPushConfig
}

func NewWebPush(cfg WebPushConfig) *WebPush {
	if cfg.Urgency == "" {
		cfg.Urgency = webpush.UrgencyHigh
	}
	// webpush-go adds the mailto: scheme itself.
	cfg.Subject = strings.TrimPrefix(cfg.Subject, "mailto:")
	return &WebPush{cfg: cfg}
}

func (w *WebPush) Deliver(ctx context.Context, sub *models.PushSubscription, payload []byte) (*Response, error) {
	keys := sub.Keys()
	if err := ValidateKeys(keys); err != nil {
		return nil, err
	}

	opts := &webpush.Options{
		Subscriber:      w.cfg.Subject,
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
		TTL:             w.cfg.TTL,
		Urgency:         w.cfg.Urgency,
	}
	if w.cfg.HTTPClient != nil {
		opts.HTTPClient = w.cfg.HTTPClient
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: strings.TrimSpace(keys.P256DH),
			Auth:   strings.TrimSpace(keys.Auth),
		},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &Response{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Body:       string(body),
	}, nil
}

// ValidateKeys checks that p256dh is an uncompressed P-256 point and auth a
// 16-byte secret. Browsers send base64url without padding, but stored keys
// have been seen padded and in standard base64 too.
func ValidateKeys(keys models.Keys) error {
	p256dh, err := decodeKey(keys.P256DH)
	if err != nil {
		return fmt.Errorf("%w: p256dh: %w", ErrInvalidKeys, err)
	}
	if len(p256dh) != 65 || p256dh[0] != 0x04 {
		return fmt.Errorf("%w: p256dh is %d bytes, want 65-byte uncompressed point", ErrInvalidKeys, len(p256dh))
	}

	auth, err := decodeKey(keys.Auth)
	if err != nil {
		return fmt.Errorf("%w: auth: %w", ErrInvalidKeys, err)
	}
	if len(auth) != 16 {
		return fmt.Errorf("%w: auth is %d bytes, want 16", ErrInvalidKeys, len(auth))
	}
	return nil
}

func decodeKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("empty key")
	}
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		b, err := enc.DecodeString(key)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
