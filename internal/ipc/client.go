package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/planora/realtime/internal/state"
)

// Client talks to a running daemon over its session control socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient returns a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Status returns the daemon's current condition.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, "/v1/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Notifications returns the daemon's current notification collection.
func (c *Client) Notifications(ctx context.Context) ([]state.Notification, error) {
	var body struct {
		Notifications []state.Notification `json:"notifications"`
	}
	if err := c.get(ctx, "/v1/notifications", &body); err != nil {
		return nil, err
	}
	return body.Notifications, nil
}

// MarkRead dispatches an optimistic mark-read through the daemon.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/notifications/"+id+"/read")
}

// Delete dispatches an optimistic delete through the daemon.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/notifications/"+id)
}

// ClearAll dispatches an optimistic clear-all through the daemon.
func (c *Client) ClearAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/notifications/clear")
}

// Resync asks the daemon to reconcile against the snapshot boundary.
func (c *Client) Resync(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/resync")
}

// Watch streams change frames matching prefix until ctx is cancelled. The
// returned stop function closes the connection.
func (c *Client) Watch(ctx context.Context, prefix string) (<-chan ChangeFrame, func(), error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socketPath)
		},
	}
	url := "ws://daemon/v1/watch"
	if prefix != "" {
		url += "?prefix=" + prefix
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, nil, fmt.Errorf("dial watch: %w", err)
	}

	ch := make(chan ChangeFrame, 64)
	go func() {
		defer close(ch)
		for {
			var frame ChangeFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			select {
			case ch <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, func() { _ = conn.Close() }, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://daemon"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) do(ctx context.Context, method, path string) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://daemon"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("daemon: %s", body.Error)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return fmt.Errorf("daemon: unexpected status %d", resp.StatusCode)
}
