package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

const wsWriteWait = 1 * time.Second

// Close codes sent by the relay.
const (
	CloseReplaced      = 4000
	closeReasonReplace = "replaced by newer connection"
)

// Conn is one registered relay connection. Writes are serialized so a
// forwarded envelope is never interleaved with another frame.
type Conn struct {
	ID          string
	Fingerprint protocol.Fingerprint

	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(id string, fp protocol.Fingerprint, ws *websocket.Conn) *Conn {
	return &Conn{ID: id, Fingerprint: fp, ws: ws}
}

// Send writes one text frame.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// closeWith sends a close frame and tears down the socket.
func (c *Conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	c.Close()
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}
