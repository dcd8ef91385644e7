package fanout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tariel-x/edupay/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	subs    []models.PushSubscription
	listErr error
	pruned  []string
	touched []string
}

func (m *memStore) ListActiveSubscriptions(_ context.Context, schoolID *string) ([]models.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.PushSubscription
	for _, s := range m.subs {
		if schoolID == nil || (s.SchoolID != nil && *s.SchoolID == *schoolID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) Prune(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, id)
	m.subs = slices.DeleteFunc(m.subs, func(s models.PushSubscription) bool { return s.ID == id })
	return nil
}

func (m *memStore) Touch(_ context.Context, ids []string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, ids...)
	return nil
}

// scriptedDeliverer answers each endpoint from a per-endpoint script; the last
// entry repeats.
type scriptedDeliverer struct {
	mu       sync.Mutex
	script   map[string][]func(ctx context.Context) (*Response, error)
	calls    map[string]int
	payloads [][]byte
}

func newScriptedDeliverer() *scriptedDeliverer {
	return &scriptedDeliverer{
		script: make(map[string][]func(ctx context.Context) (*Response, error)),
		calls:  make(map[string]int),
	}
}

func (d *scriptedDeliverer) on(endpoint string, steps ...func(ctx context.Context) (*Response, error)) {
	d.script[endpoint] = steps
}

func (d *scriptedDeliverer) Deliver(ctx context.Context, sub *models.PushSubscription, payload []byte) (*Response, error) {
	d.mu.Lock()
	n := d.calls[sub.Endpoint]
	d.calls[sub.Endpoint]++
	d.payloads = append(d.payloads, payload)
	steps := d.script[sub.Endpoint]
	d.mu.Unlock()

	if len(steps) == 0 {
		return status(http.StatusCreated)(ctx)
	}
	return steps[min(n, len(steps)-1)](ctx)
}

func (d *scriptedDeliverer) callCount(endpoint string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[endpoint]
}

func status(code int) func(context.Context) (*Response, error) {
	return func(context.Context) (*Response, error) { return &Response{StatusCode: code}, nil }
}

func fail(err error) func(context.Context) (*Response, error) {
	return func(context.Context) (*Response, error) { return nil, err }
}

func hang(ctx context.Context) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func sub(id, user, school string) models.PushSubscription {
	s := models.PushSubscription{
		ID:       id,
		UserID:   user,
		Endpoint: "https://push.example/" + id,
	}
	if school != "" {
		s.SchoolID = &school
	}
	return s
}

func newTestSender(store Store, d Deliverer) *Sender {
	s := NewSender(store, d, Options{
		Workers:         4,
		MaxAttempts:     3,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		SendTimeout:     2 * time.Second,
		EndpointTimeout: 50 * time.Millisecond,
	})
	s.nowFn = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s
}

var testPayload = models.NewNotificationPayload("Fee due", "Term 2 fees are due Friday", "/fees")

func TestSendReportsPartialFailure(t *testing.T) {
	for _, tc := range []struct {
		total, gone int
	}{
		{total: 1, gone: 0},
		{total: 5, gone: 2},
		{total: 10, gone: 10},
		{total: 20, gone: 7},
	} {
		t.Run(fmt.Sprintf("%d_of_%d_gone", tc.gone, tc.total), func(t *testing.T) {
			st := &memStore{}
			d := newScriptedDeliverer()
			for i := range tc.total {
				s := sub(fmt.Sprintf("sub-%02d", i), fmt.Sprintf("user-%02d", i), "")
				st.subs = append(st.subs, s)
				if i < tc.gone {
					code := http.StatusGone
					if i%2 == 1 {
						code = http.StatusNotFound
					}
					d.on(s.Endpoint, status(code))
				}
			}

			report, err := newTestSender(st, d).Send(context.Background(), Target{}, testPayload)
			if err != nil {
				t.Fatalf("send failed: %v", err)
			}
			if report.Sent != tc.total-tc.gone || report.Failed != tc.gone || report.Pruned != tc.gone {
				t.Fatalf("unexpected report %+v", report)
			}
			if len(st.subs) != tc.total-tc.gone {
				t.Fatalf("expected %d subscriptions left, got %d", tc.total-tc.gone, len(st.subs))
			}
			if len(st.touched) != report.Sent {
				t.Fatalf("expected %d touched, got %d", report.Sent, len(st.touched))
			}
			if report.BatchID == "" {
				t.Fatal("expected batch id")
			}
			for _, s := range st.subs {
				if n := d.callCount(s.Endpoint); n != 1 {
					t.Fatalf("expected one attempt for %s, got %d", s.Endpoint, n)
				}
			}
		})
	}
}

func TestSendEmptyAudience(t *testing.T) {
	report, err := newTestSender(&memStore{}, newScriptedDeliverer()).Send(context.Background(), Target{}, testPayload)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if report.Sent != 0 || report.Failed != 0 || report.Pruned != 0 {
		t.Fatalf("expected zero report, got %+v", report)
	}
}

func TestSendAudienceUnavailable(t *testing.T) {
	st := &memStore{listErr: errors.New("database is locked")}
	_, err := newTestSender(st, newScriptedDeliverer()).Send(context.Background(), Target{}, testPayload)
	if !errors.Is(err, ErrAudienceUnavailable) {
		t.Fatalf("expected ErrAudienceUnavailable, got %v", err)
	}
}

func TestSendTargetsSchool(t *testing.T) {
	st := &memStore{subs: []models.PushSubscription{
		sub("a", "user-a", "school-1"),
		sub("b", "user-b", "school-2"),
		sub("c", "user-c", "school-1"),
	}}
	d := newScriptedDeliverer()
	target := "school-1"

	report, err := newTestSender(st, d).Send(context.Background(), Target{SchoolID: &target}, testPayload)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if report.Sent != 2 {
		t.Fatalf("expected 2 sent, got %+v", report)
	}
	if d.callCount("https://push.example/b") != 0 {
		t.Fatal("subscription outside the school must not be contacted")
	}
	slices.Sort(report.Audience)
	if !slices.Equal(report.Audience, []string{"user-a", "user-c"}) {
		t.Fatalf("unexpected audience %v", report.Audience)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		s := sub("a", "user-a", "")
		st := &memStore{subs: []models.PushSubscription{s}}
		d := newScriptedDeliverer()
		d.on(s.Endpoint, status(http.StatusServiceUnavailable), fail(errors.New("connection reset")), status(http.StatusCreated))

		report, err := newTestSender(st, d).Send(context.Background(), Target{}, testPayload)
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if report.Sent != 1 || report.Failed != 0 {
			t.Fatalf("unexpected report %+v", report)
		}
		if n := d.callCount(s.Endpoint); n != 3 {
			t.Fatalf("expected 3 attempts, got %d", n)
		}
	})

	t.Run("gives up without pruning", func(t *testing.T) {
		s := sub("a", "user-a", "")
		st := &memStore{subs: []models.PushSubscription{s}}
		d := newScriptedDeliverer()
		d.on(s.Endpoint, status(http.StatusTooManyRequests))

		report, err := newTestSender(st, d).Send(context.Background(), Target{}, testPayload)
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if report.Failed != 1 || report.Pruned != 0 {
			t.Fatalf("unexpected report %+v", report)
		}
		if n := d.callCount(s.Endpoint); n != 3 {
			t.Fatalf("expected MaxAttempts attempts, got %d", n)
		}
		if len(st.subs) != 1 {
			t.Fatal("transient failure must keep the subscription")
		}
	})
}

func TestSendRejectedPayloadIsNotPruned(t *testing.T) {
	s := sub("a", "user-a", "")
	st := &memStore{subs: []models.PushSubscription{s}}
	d := newScriptedDeliverer()
	d.on(s.Endpoint, status(http.StatusRequestEntityTooLarge))

	report, err := newTestSender(st, d).Send(context.Background(), Target{}, testPayload)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if report.Failed != 1 || report.Pruned != 0 || d.callCount(s.Endpoint) != 1 {
		t.Fatalf("unexpected report %+v after %d calls", report, d.callCount(s.Endpoint))
	}
}

func TestSendInvalidKeysArePruned(t *testing.T) {
	s := sub("a", "user-a", "")
	st := &memStore{subs: []models.PushSubscription{s}}
	d := newScriptedDeliverer()
	d.on(s.Endpoint, fail(fmt.Errorf("%w: auth is 3 bytes", ErrInvalidKeys)))

	report, err := newTestSender(st, d).Send(context.Background(), Target{}, testPayload)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if report.Pruned != 1 || len(st.pruned) != 1 || st.pruned[0] != "a" {
		t.Fatalf("expected invalid keys to be pruned, got %+v", report)
	}
}

func TestSendSlowEndpointDoesNotBlockOthers(t *testing.T) {
	slow := sub("slow", "user-slow", "")
	st := &memStore{subs: []models.PushSubscription{slow, sub("b", "user-b", ""), sub("c", "user-c", "")}}
	d := newScriptedDeliverer()
	d.on(slow.Endpoint, hang)

	report, err := newTestSender(st, d).Send(context.Background(), Target{}, testPayload)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if report.Sent != 2 || report.Failed != 1 || report.Pruned != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if n := d.callCount(slow.Endpoint); n != 1 {
		t.Fatalf("timed out endpoint must not be retried, got %d attempts", n)
	}
}

func TestSendStopsAtSendTimeout(t *testing.T) {
	st := &memStore{subs: []models.PushSubscription{
		sub("s1", "u1", ""),
		sub("s2", "u2", ""),
		sub("s3", "u3", ""),
	}}
	d := newScriptedDeliverer()
	for _, s := range st.subs {
		d.on(s.Endpoint, hang)
	}
	sender := NewSender(st, d, Options{
		Workers:         4,
		MaxAttempts:     3,
		BaseBackoff:     time.Millisecond,
		SendTimeout:     100 * time.Millisecond,
		EndpointTimeout: 10 * time.Second,
	})

	start := time.Now()
	report, err := sender.Send(context.Background(), Target{}, testPayload)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("send deadline is not an error, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("send outlived its deadline: %v", elapsed)
	}
	if report.Sent != 0 || report.Failed != 3 || report.Pruned != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(st.pruned) != 0 || len(st.subs) != 3 {
		t.Fatalf("timed out subscriptions must be kept, pruned %v", st.pruned)
	}
	for _, s := range st.subs {
		if n := d.callCount(s.Endpoint); n != 1 {
			t.Fatalf("%s: expected a single attempt, got %d", s.ID, n)
		}
	}
}

func TestSendBoundsConcurrency(t *testing.T) {
	st := &memStore{}
	var inFlight, peak atomic.Int32
	d := newScriptedDeliverer()
	for i := range 16 {
		s := sub(fmt.Sprintf("sub-%02d", i), "user", "")
		st.subs = append(st.subs, s)
		d.on(s.Endpoint, func(context.Context) (*Response, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return &Response{StatusCode: http.StatusCreated}, nil
		})
	}

	report, err := newTestSender(st, d).Send(context.Background(), Target{}, testPayload)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if report.Sent != 16 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Audience) != 1 {
		t.Fatalf("audience must be unique, got %v", report.Audience)
	}
	if p := peak.Load(); p > 4 {
		t.Fatalf("expected at most 4 concurrent deliveries, saw %d", p)
	}
}

func TestBackoff(t *testing.T) {
	s := NewSender(&memStore{}, newScriptedDeliverer(), Options{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	if d := s.backoff(1, 0); d != 100*time.Millisecond {
		t.Fatalf("attempt 1: got %v", d)
	}
	if d := s.backoff(3, 0); d != 400*time.Millisecond {
		t.Fatalf("attempt 3: got %v", d)
	}
	if d := s.backoff(10, 0); d != time.Second {
		t.Fatalf("attempt 10 must be capped, got %v", d)
	}
	if d := s.backoff(1, 30*time.Second); d != time.Second {
		t.Fatalf("retry-after must be capped, got %v", d)
	}
	if d := s.backoff(1, 300*time.Millisecond); d != 300*time.Millisecond {
		t.Fatalf("retry-after must win, got %v", d)
	}
}
