// Package gateway implements the client for the telephony gateway that fronts
// the WhatsApp line: REST calls for sends and snapshots, plus the websocket
// dial used by the event channel.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// RejectedError is returned when the gateway refuses a send request.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected send: %s", e.Reason)
}

// Client talks to the gateway REST API and event socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
	wsURL      string
	token      string
}

// NewClient creates a gateway client. httpClient may be nil, in which case a
// client with a 30s timeout is used.
func NewClient(httpClient *http.Client, baseURL, wsURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		wsURL:      wsURL,
		token:      token,
	}
}

// SendMessage submits a message for delivery. The gateway answers
// synchronously with accept/reject; the delivery confirmation arrives later on
// the event socket.
func (c *Client) SendMessage(ctx context.Context, sendReq SendRequest) (*SendResult, error) {
	body, err := json.Marshal(sendReq)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway returned HTTP %d for send", resp.StatusCode)
	}

	var result SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode send result: %w", err)
	}
	if !result.Accepted {
		return nil, &RejectedError{Reason: result.Reason}
	}
	return &result, nil
}

// FetchSnapshot pulls the full current state of conversations and messages.
// Used by the reconciliation driver after gaps in incremental delivery.
func (c *Client) FetchSnapshot(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/snapshot", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned HTTP %d for snapshot", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// EventConn wraps a websocket connection to the gateway event socket.
type EventConn struct {
	conn *websocket.Conn
}

// DialEvents opens a websocket connection to the event socket.
func (c *Client) DialEvents(ctx context.Context) (*EventConn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial event socket: %w", err)
	}
	return &EventConn{conn: conn}, nil
}

// ReadMessage blocks until the next frame arrives on the socket.
func (ec *EventConn) ReadMessage() ([]byte, error) {
	_, data, err := ec.conn.ReadMessage()
	return data, err
}

// WriteMessage pushes a frame onto the socket.
func (ec *EventConn) WriteMessage(data []byte) error {
	return ec.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the websocket connection.
func (ec *EventConn) Close() error {
	return ec.conn.Close()
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
