package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tariel-x/edupay/internal/client"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jarcoal/httpmock"
)

func init() {
	color.NoColor = true
}

func TestSendPrintsReport(t *testing.T) {
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	defer httpmock.DeactivateAndReset()

	var got client.SendRequest
	httpmock.RegisterResponder(http.MethodPost, "http://edupay.test/api/notifications/send",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewJsonResponse(http.StatusOK, client.SendResult{PushesSent: 4, Failed: 1, Pruned: 1, BatchID: "b1"})
		})

	var out bytes.Buffer
	cmd := &Send{
		School:  "school-1",
		Title:   "Fee due",
		Body:    "Pay by Friday",
		Timeout: time.Second,
		out:     &out,
		api:     client.New("http://edupay.test", "admin").WithHTTPClient(hc),
	}
	if err := cmd.Execute(nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got.SchoolID == nil || *got.SchoolID != "school-1" || got.Title != "Fee due" {
		t.Fatalf("unexpected request %+v", got)
	}
	for _, want := range []string{"batch b1", "sent:   4", "failed: 1", "pruned: 1"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output %q missing %q", out.String(), want)
		}
	}
}

func TestSendExplainsAuthFailures(t *testing.T) {
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	defer httpmock.DeactivateAndReset()

	for code, want := range map[int]error{
		http.StatusUnauthorized: errBadToken,
		http.StatusForbidden:    errNotAdmin,
	} {
		httpmock.RegisterResponder(http.MethodPost, "http://edupay.test/api/notifications/send",
			httpmock.NewStringResponder(code, `{"error":"nope"}`))

		cmd := &Send{
			Title:   "Fee due",
			Body:    "Pay by Friday",
			Timeout: time.Second,
			out:     &bytes.Buffer{},
			api:     client.New("http://edupay.test", "parent").WithHTTPClient(hc),
		}
		if err := cmd.Execute(nil); err != want {
			t.Fatalf("status %d: expected %v, got %v", code, want, err)
		}
	}
}

func TestSendValidatesLocally(t *testing.T) {
	cmd := &Send{Title: strings.Repeat("x", 101), Body: "b", Timeout: time.Second}
	if err := cmd.Execute(nil); err == nil {
		t.Fatal("expected title length error")
	}
	cmd = &Send{Title: "t", Timeout: time.Second}
	if err := cmd.Execute(nil); err != errEmptyMessage {
		t.Fatalf("expected errEmptyMessage, got %v", err)
	}
}

func TestTokenCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := &Token{Secret: "s3cret", User: "admin-1", School: "school-1", Admin: true, TTL: time.Hour, out: &out}
	if err := cmd.Execute(nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(out.String()), claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims["user_id"] != "admin-1" || claims["school_id"] != "school-1" || claims["role"] != "admin" {
		t.Fatalf("unexpected claims %v", claims)
	}
}
