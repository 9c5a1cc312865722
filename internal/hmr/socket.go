package hmr

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Subprotocol is the websocket subprotocol the browser runtime requests.
const Subprotocol = "esm-hmr"

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	engine *Engine
	ctx    context.Context
	cancel context.CancelFunc
}

// IsUpgrade reports whether r asks for an ESM-HMR websocket.
func IsUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, p := range strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",") {
		if strings.TrimSpace(p) == Subprotocol {
			return true
		}
	}
	return false
}

// ServeHTTP accepts a browser runtime connection.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: e.opts.OriginPatterns,
	})
	if err != nil {
		e.logger.Warn(r.Context(), err, "websocket upgrade failed")
		return
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "expected subprotocol "+Subprotocol)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		engine: e,
		ctx:    ctx,
		cancel: cancel,
	}
	if errs := e.recentErrors(); len(errs) > 0 {
		if frame, err := encodeFrame(errs); err == nil {
			c.send <- frame
		}
	}
	if !e.register(c) {
		cancel()
		conn.Close(websocket.StatusGoingAway, "server stopping")
		return
	}

	go c.writePump()
	c.readPump()
}

func (e *Engine) register(c *client) bool {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()
	if e.stopped {
		return false
	}
	e.clients[c.id] = c
	e.logger.Debug(context.Background(), "client connected", "client", c.id, "total", len(e.clients))
	return true
}

func (e *Engine) unregister(c *client) {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()
	if _, ok := e.clients[c.id]; ok {
		delete(e.clients, c.id)
		close(c.send)
		c.cancel()
		e.logger.Debug(context.Background(), "client disconnected", "client", c.id, "total", len(e.clients))
	}
}

// send queues frame for every client. A client whose queue is full is
// dropped.
func (e *Engine) send(frame []byte) {
	e.clientsMu.RLock()
	var failed []*client
	for _, c := range e.clients {
		select {
		case c.send <- frame:
		default:
			failed = append(failed, c)
		}
	}
	e.clientsMu.RUnlock()

	for _, c := range failed {
		e.unregister(c)
		c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
	}
}

// Clients returns the number of connected clients.
func (e *Engine) Clients() int {
	e.clientsMu.RLock()
	defer e.clientsMu.RUnlock()
	return len(e.clients)
}

// Stop flushes pending messages and disconnects every client.
func (e *Engine) Stop() {
	e.FlushNow()

	e.clientsMu.Lock()
	e.stopped = true
	clients := make([]*client, 0, len(e.clients))
	for _, c := range e.clients {
		clients = append(clients, c)
	}
	e.clientsMu.Unlock()

	for _, c := range clients {
		e.unregister(c)
	}
}

// readPump handles hotAccept messages until the connection closes.
func (c *client) readPump() {
	defer func() {
		c.engine.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && status != -1 && c.ctx.Err() == nil {
				c.engine.logger.Warn(c.ctx, err, "websocket read failed", "client", c.id)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == clientHotAccept && msg.ID != "" {
			c.engine.AcceptHotUpdates(msg.ID)
		}
	}
}

// writePump sends queued frames and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := c.ctx
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
