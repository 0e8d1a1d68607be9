// Package client provides a WebSocket and HTTP client that acts as one chat
// user during a load test. It connects with gobwas/ws, the same library the
// server uses, waits for the "connected" frame and tracks per-user metrics.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
)

// Client -> Server frame types.
const (
	TypePing     = "ping"
	TypeTyping   = "typing"
	TypeMarkRead = "mark_read"
)

// Server -> Client frame types.
const (
	TypeConnected = "connected"
	TypeMessage   = "message"
	TypeRead      = "read"
	TypeError     = "error"
	TypePong      = "pong"
)

// Metrics tracks per-user performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Token mints an HS256 token for userID that expires after ttl.
func Token(secret, userID string, ttl time.Duration) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
	})
	return tok.SignedString([]byte(secret))
}

// Client is one simulated user: a live socket plus an authenticated HTTP
// client for the REST API.
type Client struct {
	UserID string

	apiURL string
	token  string
	http   *http.Client
	conn   net.Conn

	writeMu   sync.Mutex
	handlers  map[string]func(json.RawMessage)
	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64
}

// New dials wsURL as userID. Handlers must be registered with On before the
// first frame arrives, so they are passed in here.
func New(ctx context.Context, wsURL, apiURL, token, userID string, handlers map[string]func(json.RawMessage)) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if handlers == nil {
		handlers = map[string]func(json.RawMessage){}
	}
	c := &Client{
		UserID:    userID,
		apiURL:    strings.TrimSuffix(apiURL, "/"),
		token:     token,
		http:      &http.Client{Timeout: 10 * time.Second},
		conn:      conn,
		handlers:  handlers,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.connectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// WaitConnected blocks until the server's "connected" frame arrives.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before it was registered")
	case <-c.connected:
		return nil
	}
}

// Send writes one JSON frame.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Do calls the REST API and decodes the response's data into out.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// OpenConversation creates or finds the conversation with participantID.
func (c *Client) OpenConversation(ctx context.Context, participantID string) (string, error) {
	var conv struct {
		ID string `json:"id"`
	}
	err := c.Do(ctx, http.MethodPost, "/api/chat/conversation",
		map[string]string{"participant_id": participantID}, &conv)
	return conv.ID, err
}

// SendText posts a text message.
func (c *Client) SendText(ctx context.Context, conversationID, text string) error {
	err := c.Do(ctx, http.MethodPost, "/api/chat/message",
		map[string]string{"conversation_id": conversationID, "text": text}, nil)
	if err == nil {
		c.sent.Add(1)
	}
	return err
}

// Close closes the socket. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.errors.Load() == 0
	}
}

func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
				c.Close()
			}
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case TypeConnected:
			close(c.connected)
		case TypeMessage:
			c.received.Add(1)
		}
		if h, ok := c.handlers[env.Type]; ok {
			h(json.RawMessage(data))
		}
	}
}
