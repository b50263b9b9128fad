package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader handles the HTTP -> WebSocket handshake. Origin checking is
// left to whatever reverse proxy fronts the gateway in production;
// adapters connect directly over a private network or loopback.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 40 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// conn wraps one adapter's live WebSocket socket. Writes are serialized
// through send so writePump is the only goroutine that ever calls
// WriteMessage — the gateway's single-writer-per-socket rule.
type conn struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	nodeID string // set once REGISTER succeeds; empty until then
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, send: make(chan []byte, 64)}
}

func (c *conn) setNodeID(id string) {
	c.mu.Lock()
	c.nodeID = id
	c.mu.Unlock()
}

func (c *conn) getNodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

// enqueue hands a frame to the write pump without blocking. A full send
// buffer means the client is too slow or already gone; the connection is
// dropped rather than letting one slow adapter stall the gateway.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writePump drains send to the socket. Runs for the lifetime of the
// connection; exits (and closes the socket) on the first write error or
// once send is closed by the server after unregistering the client.
func (c *conn) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("write failed, dropping connection", "node_id", c.getNodeID(), "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump blocks on inbound frames and hands each to handle. Transport
// keep-alive rides alongside the adapter's own application-level PING
// frames (spec.md §4.1): SetReadDeadline plus SetPongHandler enforce the
// transport side, independent of whether the adapter bothers to PING.
func (c *conn) readPump(s *Server) {
	defer func() {
		s.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			s.logger.Debug("connection closed", "node_id", c.getNodeID(), "error", err)
			return
		}
		s.handleFrame(c, data)
	}
}
