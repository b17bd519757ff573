package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/outpost-sys/outpost/internal/msgstore"
)

// Client talks to a broker RPC server from another process (monitor,
// manager, CLI).
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the broker at addr ("127.0.0.1:9099").
func NewClient(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Send queues a message through the broker.
func (c *Client) Send(ctx context.Context, msg msgstore.Message, urgent bool) (int64, error) {
	var resp sendResponse
	err := c.post(ctx, "/v1/messages", sendRequest{Message: msg, Urgent: urgent}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// IsUrgent reports whether the broker has an urgent exchange scheduled.
func (c *Client) IsUrgent(ctx context.Context) (bool, error) {
	var resp urgentResponse
	if err := c.get(ctx, "/v1/urgent", &resp); err != nil {
		return false, err
	}
	return resp.Urgent, nil
}

// RegisterType declares a message type this process will produce.
func (c *Client) RegisterType(ctx context.Context, name string) error {
	return c.post(ctx, "/v1/message-types", map[string]string{"type": name}, nil)
}

// AcceptedTypes returns the server-accepted message types.
func (c *Client) AcceptedTypes(ctx context.Context) ([]string, error) {
	var resp typesResponse
	if err := c.get(ctx, "/v1/accepted-types", &resp); err != nil {
		return nil, err
	}
	return resp.Types, nil
}

// IsPending reports whether a sent message still awaits acknowledgment.
func (c *Client) IsPending(ctx context.Context, id int64) (bool, error) {
	var resp pendingResponse
	if err := c.get(ctx, fmt.Sprintf("/v1/messages/%d/pending", id), &resp); err != nil {
		return false, err
	}
	return resp.Pending, nil
}

// SessionID fetches the persistent session id for a scope.
func (c *Client) SessionID(ctx context.Context, scope string) (string, error) {
	var resp sessionResponse
	err := c.post(ctx, "/v1/sessions", map[string]string{"scope": scope}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// RequestExchange asks the broker to exchange as soon as possible.
func (c *Client) RequestExchange(ctx context.Context) error {
	return c.post(ctx, "/v1/exchange", nil, nil)
}

// Events streams broker bus events matching the topic prefix until the
// context is cancelled. The returned channel closes on disconnect.
func (c *Client) Events(ctx context.Context, topicPrefix string) (<-chan StreamEvent, error) {
	url := "ws" + c.baseURL[len("http"):] + "/v1/events"
	if topicPrefix != "" {
		url += "?topics=" + topicPrefix
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial broker events: %w", err)
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		for {
			var ev StreamEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broker rpc %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("broker rpc %s: status %d: %s",
			req.URL.Path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
