// Package client talks to the EduPay push API. It is the client-side public
// key provider and permission store used by the subscription manager, and the
// transport of the notify CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tariel-x/edupay/internal/models"
)

var ErrEmptyPublicKey = errors.New("server returned an empty public key")

type subscribeRequest struct {
	Endpoint string      `json:"endpoint"`
	Keys     models.Keys `json:"keys"`
	SchoolID *string     `json:"school_id,omitempty"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// SendRequest is the body of the notification send trigger.
type SendRequest struct {
	SchoolID *string `json:"school_id,omitempty"`
	Title    string  `json:"title"`
	Body     string  `json:"body"`
	URL      string  `json:"url,omitempty"`
}

// SendResult is the fan-out report returned by the send trigger.
type SendResult struct {
	PushesSent int    `json:"pushes_sent"`
	Failed     int    `json:"failed"`
	Pruned     int    `json:"pruned"`
	BatchID    string `json:"batch_id"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// GetServerPublicKey fetches the VAPID application server key.
func (c *Client) GetServerPublicKey(ctx context.Context) (string, error) {
	var resp struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.get(ctx, "/api/vapid-public-key", &resp); err != nil {
		return "", fmt.Errorf("client.GetServerPublicKey: %w", err)
	}
	if resp.PublicKey == "" {
		return "", fmt.Errorf("client.GetServerPublicKey: %w", ErrEmptyPublicKey)
	}
	return resp.PublicKey, nil
}

// UpsertSubscription stores a subscription for the authenticated user. The
// server takes the user from the token, so userID is only a sanity check.
func (c *Client) UpsertSubscription(ctx context.Context, userID, endpoint string, keys models.Keys, schoolID *string) (*models.PushSubscription, error) {
	var sub models.PushSubscription
	req := subscribeRequest{Endpoint: endpoint, Keys: keys, SchoolID: schoolID}
	if err := c.doRequest(ctx, http.MethodPost, "/api/push/subscribe", req, &sub); err != nil {
		return nil, fmt.Errorf("client.UpsertSubscription: %w", err)
	}
	if userID != "" && sub.UserID != "" && sub.UserID != userID {
		return nil, fmt.Errorf("client.UpsertSubscription: stored for user %s, expected %s", sub.UserID, userID)
	}
	return &sub, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, _ string, endpoint string) error {
	if err := c.doRequest(ctx, http.MethodDelete, "/api/push/subscribe", unsubscribeRequest{Endpoint: endpoint}, nil); err != nil {
		return fmt.Errorf("client.DeleteSubscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns the authenticated user's subscriptions.
func (c *Client) ListSubscriptions(ctx context.Context) ([]models.PushSubscription, error) {
	var resp struct {
		Subscriptions []models.PushSubscription `json:"subscriptions"`
	}
	if err := c.get(ctx, "/api/push/subscriptions", &resp); err != nil {
		return nil, fmt.Errorf("client.ListSubscriptions: %w", err)
	}
	return resp.Subscriptions, nil
}

// Send triggers a fan-out. Requires an admin token.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	var res SendResult
	if err := c.doRequest(ctx, http.MethodPost, "/api/notifications/send", req, &res); err != nil {
		return nil, fmt.Errorf("client.Send: %w", err)
	}
	return &res, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
