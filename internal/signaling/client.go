package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

// RejectedError is returned by Dial when the relay refused the upgrade.
type RejectedError struct {
	Status int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay rejected connection: %d %s", e.Status, e.Reason)
}

// ClientURL appends the identity and optional API key to the relay URL.
func ClientURL(base string, id protocol.Fingerprint, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("relay url has no host")
	}
	q := u.Query()
	q.Set(QueryParamID, id.String())
	if apiKey != "" {
		q.Set(QueryParamAPIKey, apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ClientConn is the client side of a relay connection. Send is safe for
// concurrent use; Receive must be called from a single goroutine.
type ClientConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial opens a relay connection. A refused upgrade yields *RejectedError.
func Dial(ctx context.Context, rawURL string, protocols ...string) (*ClientConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     protocols,
	}
	ws, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, &RejectedError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(body))}
		}
		return nil, err
	}
	return &ClientConn{ws: ws}, nil
}

// Subprotocol reports what the relay negotiated.
func (c *ClientConn) Subprotocol() string {
	return c.ws.Subprotocol()
}

func (c *ClientConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next text message. Binary frames are skipped.
func (c *ClientConn) Receive() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *ClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
