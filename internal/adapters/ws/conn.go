// Package ws is the reference core.Transport binding over gorilla/websocket:
// a Server for the host authority and a Client for participants.
package ws

import (
	"sync"
	"time"

	"github.com/dkeye/letterlings/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Config struct {
	SendQueue  int           `mapstructure:"send_queue"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	ReadLimit  int64         `mapstructure:"read_limit"`
}

func DefaultConfig() Config {
	return Config{
		SendQueue:  256,
		WriteWait:  5 * time.Second,
		PongWait:   60 * time.Second,
		PingPeriod: 54 * time.Second,
		ReadLimit:  64 << 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	return c
}

// wsConn is one socket plus its bounded send queue. Close only stops
// accepting frames; the write pump drains what is queued and then closes
// the socket.
type wsConn struct {
	peer core.PeerID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWSConn(peer core.PeerID, conn *websocket.Conn, queue int) *wsConn {
	return &wsConn{peer: peer, conn: conn, send: make(chan core.Frame, queue)}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsConn) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "adapters.ws").Str("peer", string(c.peer)).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "adapters.ws").Str("peer", string(c.peer)).Msg("writePump ping error")
				c.Close()
				return
			}
		}
	}
}

// readPump delivers inbound text frames in order until the socket fails
// or a pong is missed.
func (c *wsConn) readPump(cfg Config, deliver func(core.Frame)) {
	defer c.Close()

	c.conn.SetReadLimit(cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "adapters.ws").Str("peer", string(c.peer)).Msg("readPump read error")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		deliver(core.Frame(data))
	}
}

type handlers struct {
	mu           sync.RWMutex
	onMessage    core.MessageHandler
	onConnect    core.ConnectHandler
	onDisconnect core.DisconnectHandler
}

func (h *handlers) OnMessage(fn core.MessageHandler) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

func (h *handlers) OnPeerConnected(fn core.ConnectHandler) {
	h.mu.Lock()
	h.onConnect = fn
	h.mu.Unlock()
}

func (h *handlers) OnPeerDisconnected(fn core.DisconnectHandler) {
	h.mu.Lock()
	h.onDisconnect = fn
	h.mu.Unlock()
}

func (h *handlers) message(peer core.PeerID, f core.Frame) {
	h.mu.RLock()
	fn := h.onMessage
	h.mu.RUnlock()
	if fn != nil {
		fn(peer, f)
	}
}

func (h *handlers) connected(peer core.PeerID) {
	h.mu.RLock()
	fn := h.onConnect
	h.mu.RUnlock()
	if fn != nil {
		fn(peer)
	}
}

func (h *handlers) disconnected(peer core.PeerID) {
	h.mu.RLock()
	fn := h.onDisconnect
	h.mu.RUnlock()
	if fn != nil {
		fn(peer)
	}
}
