// Package client talks to a running meshroom server over its REST API and
// WebSocket endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corvino/meshroom/internal/protocol"
)

// API is a thin REST client for the operational surface.
type API struct {
	BaseURL string
	client  *http.Client
}

// NewAPI creates a client for the server at baseURL.
func NewAPI(baseURL string) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *API) url(path string) string {
	return c.BaseURL + path
}

// SendMessage posts a message through the hub.
func (c *API) SendMessage(ctx context.Context, req protocol.SendRequest) (protocol.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("marshal: %w", err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/messages"), bytes.NewReader(body))
	if err != nil {
		return protocol.Message{}, err
	}
	r.Header.Set("Content-Type", "application/json")

	var msg protocol.Message
	if err := c.do(r, http.StatusCreated, &msg); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// History fetches up to limit recent messages, oldest first.
func (c *API) History(ctx context.Context, limit int) (protocol.MessageList, error) {
	var list protocol.MessageList
	err := c.get(ctx, fmt.Sprintf("/api/messages?limit=%d", limit), &list)
	return list, err
}

// Status fetches the server status.
func (c *API) Status(ctx context.Context) (protocol.StatusResponse, error) {
	var st protocol.StatusResponse
	err := c.get(ctx, "/api/status", &st)
	return st, err
}

// Participants fetches the current roster.
func (c *API) Participants(ctx context.Context) (protocol.ParticipantList, error) {
	var list protocol.ParticipantList
	err := c.get(ctx, "/api/participants", &list)
	return list, err
}

func (c *API) get(ctx context.Context, path string, v any) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}
	return c.do(r, http.StatusOK, v)
}

func (c *API) do(r *http.Request, want int, v any) error {
	resp, err := c.client.Do(r)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.Method, r.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
