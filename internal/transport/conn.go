package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

// Conn is one established duplex connection. *wsConn wraps a websocket; tests
// supply their own.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens connections for a chat using a credential.
type Dialer interface {
	Dial(ctx context.Context, chatID int64, credential string) (Conn, error)
}

const defaultReadLimit = 1 << 20

// WebSocketDialer dials the chat server's websocket endpoint. The server
// multiplexes every chat of the user over one socket, so chatID only shows up
// in logs; filtering happens in the reconciler.
type WebSocketDialer struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL  string
	HTTPClient *http.Client
	ReadLimit  int64
}

// Endpoint returns the websocket URL for credential.
func (d *WebSocketDialer) Endpoint(credential string) (string, error) {
	u, err := url.Parse(d.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/messages/ws"
	u.RawQuery = url.Values{"token": {credential}}.Encode()
	return u.String(), nil
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, chatID int64, credential string) (Conn, error) {
	endpoint, err := d.Endpoint(credential)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
