package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tariel-x/edupay/internal/agent"
	"github.com/tariel-x/edupay/internal/agent/agenttest"
	"github.com/tariel-x/edupay/internal/capability"
	"github.com/tariel-x/edupay/internal/capability/capabilitytest"
	"github.com/tariel-x/edupay/internal/client"
	"github.com/tariel-x/edupay/internal/config"
	"github.com/tariel-x/edupay/internal/database"
	"github.com/tariel-x/edupay/internal/fanout"
	"github.com/tariel-x/edupay/internal/handlers"
	"github.com/tariel-x/edupay/internal/models"
	"github.com/tariel-x/edupay/internal/store"
	"github.com/tariel-x/edupay/internal/subscription"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// loopback hands every delivery straight to the agent of the installation
// that owns the endpoint, the way a push service wakes a service worker.
type loopback struct {
	agents map[string]*agent.Agent
}

func (l *loopback) Deliver(ctx context.Context, sub *models.PushSubscription, payload []byte) (*fanout.Response, error) {
	a, ok := l.agents[sub.Endpoint]
	if !ok {
		return &fanout.Response{StatusCode: http.StatusGone}, nil
	}
	if err := a.Handle(ctx, agent.Event{Type: agent.EventPush, Data: payload}); err != nil {
		return &fanout.Response{StatusCode: http.StatusInternalServerError, Body: err.Error()}, nil
	}
	return &fanout.Response{StatusCode: http.StatusCreated}, nil
}

func TestSubscribeSendRenderScenario(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	const (
		secret   = "scenario-secret"
		endpoint = "https://push.example/send/parent-1"
		school   = "school-1"
	)

	db, err := database.Initialize(filepath.Join(t.TempDir(), "push.db"))
	if err != nil {
		t.Fatalf("init database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	st := store.New(db)

	// The parent's installation: push runtime plus its delivery agent.
	runtime := capabilitytest.New(endpoint)
	host := &agenttest.Host{}
	renderer := &agenttest.Renderer{}
	pushAgent, err := agent.New("https://edupay.example", host, renderer, nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	for _, ev := range []agent.EventType{agent.EventInstall, agent.EventActivate} {
		if err := pushAgent.Handle(ctx, agent.Event{Type: ev}); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}

	sender := fanout.NewSender(st, &loopback{agents: map[string]*agent.Agent{endpoint: pushAgent}}, fanout.Options{
		SendTimeout:     5 * time.Second,
		EndpointTimeout: time.Second,
	})
	cfg := &config.Config{
		JWTSecret: secret,
		VAPIDKeys: &config.VAPIDKeys{PublicKey: "BScenarioServerKey"},
	}
	h := handlers.New(cfg, st, sender, handlers.NewLiveHub(), websocket.Upgrader{}, nil)
	router := gin.New()
	h.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	parentToken, err := handlers.GenerateToken(secret, "parent-1", school, "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	adminToken, err := handlers.GenerateToken(secret, "admin-1", "", handlers.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	parentAPI := client.New(srv.URL, parentToken)
	schoolID := school
	manager := subscription.NewManager(capability.New(runtime, nil), parentAPI, parentAPI, subscription.Options{
		UserID:   "parent-1",
		SchoolID: &schoolID,
	})

	// Permission default, user grants.
	status, err := manager.Toggle(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if status.State != subscription.StateSubscribed || status.Permission != models.PermissionGranted {
		t.Fatalf("unexpected status %+v", status)
	}
	if runtime.ServerKeySeen != "BScenarioServerKey" {
		t.Fatalf("registration used key %q", runtime.ServerKeySeen)
	}
	row, err := st.Get(ctx, "parent-1", endpoint)
	if err != nil {
		t.Fatalf("expected subscription row: %v", err)
	}
	if row.SchoolID == nil || *row.SchoolID != school {
		t.Fatalf("row not scoped to school: %+v", row)
	}

	schoolTarget := school
	res, err := client.New(srv.URL, adminToken).Send(ctx, client.SendRequest{
		SchoolID: &schoolTarget,
		Title:    "Fee due",
		Body:     "₹500 due Friday",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.PushesSent != 1 || res.Failed != 0 {
		t.Fatalf("expected {sent:1, failed:0}, got %+v", res)
	}

	shown := renderer.Shown()
	if len(shown) != 1 {
		t.Fatalf("expected one notification on screen, got %d", len(shown))
	}
	n := shown[0]
	if n.Title != "Fee due" || n.Body != "₹500 due Friday" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if n.Icon != models.DefaultIcon || n.Badge != models.DefaultBadge || n.Tag != models.DefaultTag || n.RequireInteraction {
		t.Fatalf("expected defaults, got %+v", n)
	}

	// Clicking the body opens the app at the payload URL.
	if err := pushAgent.Handle(ctx, agent.Event{Type: agent.EventNotificationClick, Notification: n}); err != nil {
		t.Fatalf("click: %v", err)
	}
	if opened := host.Opened(); len(opened) != 1 || opened[0] != "https://edupay.example/" {
		t.Fatalf("unexpected opened windows %v", opened)
	}

	// Toggling off leaves no row behind.
	status, err = manager.Toggle(ctx)
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if status.State != subscription.StateUnsubscribed {
		t.Fatalf("unexpected status %+v", status)
	}
	subs, err := parentAPI.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions after toggle off, got %d", len(subs))
	}
}
