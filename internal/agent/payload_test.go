package agent

import (
	"errors"
	"testing"

	"github.com/tariel-x/edupay/internal/models"
)

func TestParsePayloadDefaults(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want models.NotificationPayload
	}{
		{
			name: "title and body only",
			raw:  `{"title":"Fee due","body":"₹500 due Friday"}`,
			want: models.NotificationPayload{
				Title: "Fee due",
				Body:  "₹500 due Friday",
				Icon:  models.DefaultIcon,
				Badge: models.DefaultBadge,
				Tag:   models.DefaultTag,
				Data:  models.NotificationData{URL: models.DefaultURL},
			},
		},
		{
			name: "empty object",
			raw:  `{}`,
			want: models.NotificationPayload{
				Title: models.DefaultTitle,
				Body:  models.DefaultBody,
				Icon:  models.DefaultIcon,
				Badge: models.DefaultBadge,
				Tag:   models.DefaultTag,
				Data:  models.NotificationData{URL: models.DefaultURL},
			},
		},
		{
			name: "explicit values win",
			raw:  `{"title":"T","body":"B","icon":"/i.png","badge":"/b.png","tag":"fees","requireInteraction":true,"data":{"url":"/parent"}}`,
			want: models.NotificationPayload{
				Title:              "T",
				Body:               "B",
				Icon:               "/i.png",
				Badge:              "/b.png",
				Tag:                "fees",
				RequireInteraction: true,
				Data:               models.NotificationData{URL: "/parent"},
			},
		},
		{
			name: "explicit empty data is kept",
			raw:  `{"title":"T","body":"B","data":{},"requireInteraction":false}`,
			want: models.NotificationPayload{
				Title: "T",
				Body:  "B",
				Icon:  models.DefaultIcon,
				Badge: models.DefaultBadge,
				Tag:   models.DefaultTag,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayload([]byte(tt.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Title != tt.want.Title || got.Body != tt.want.Body || got.Icon != tt.want.Icon ||
				got.Badge != tt.want.Badge || got.Tag != tt.want.Tag ||
				got.RequireInteraction != tt.want.RequireInteraction || got.Data != tt.want.Data {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParsePayloadMalformedFallsBackToText(t *testing.T) {
	for _, raw := range []string{"Fees are due tomorrow", `{"title":`, `"quoted"`, `42`, `[1,2]`} {
		t.Run(raw, func(t *testing.T) {
			got, err := ParsePayload([]byte(raw))
			if !errors.Is(err, ErrPayloadMalformed) {
				t.Fatalf("expected ErrPayloadMalformed, got %v", err)
			}
			if got.Body != raw {
				t.Fatalf("expected body %q, got %q", raw, got.Body)
			}
			if got.Title != models.DefaultTitle || got.Tag != models.FallbackTag || got.RequireInteraction {
				t.Fatalf("expected fallback defaults, got %+v", got)
			}
			if got.Icon != models.DefaultIcon || got.Badge != models.DefaultBadge {
				t.Fatalf("expected default icon and badge, got %+v", got)
			}
		})
	}
}

func TestParsePayloadEmpty(t *testing.T) {
	got, err := ParsePayload(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Body != models.DefaultBody || got.Tag != models.DefaultTag {
		t.Fatalf("expected defaults, got %+v", got)
	}
}
