// Package local is an in-process core.Transport binding. A Hub plays the
// host authority side, every Conn is one participant connected to it.
// Frames travel through bounded per-direction queues, so delivery is
// asynchronous and ordered per peer like the socket bindings.
package local

import (
	"sync"

	"github.com/dkeye/letterlings/internal/core"
	"github.com/rs/zerolog/log"
)

const DefaultQueueSize = 256

type queue struct {
	mu     sync.Mutex
	ch     chan core.Frame
	closed bool
}

func newQueue(size int) *queue {
	return &queue{ch: make(chan core.Frame, size)}
}

func (q *queue) push(f core.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return core.ErrClosed
	}
	select {
	case q.ch <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

type handlers struct {
	mu           sync.RWMutex
	onMessage    core.MessageHandler
	onConnect    core.ConnectHandler
	onDisconnect core.DisconnectHandler
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

type link struct {
	id   core.PeerID
	up   *queue // participant to hub
	down *queue // hub to participant
}

func (l *link) close() {
	l.up.close()
	l.down.close()
}

// Hub is the host authority end. Register handlers before the first Connect.
type Hub struct {
	handlers
	queueSize int

	mu     sync.Mutex
	links  map[core.PeerID]*link
	closed bool
}

func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{queueSize: queueSize, links: make(map[core.PeerID]*link)}
}

func (h *Hub) OnMessage(fn core.MessageHandler) {
	h.handlers.mu.Lock()
	h.onMessage = fn
	h.handlers.mu.Unlock()
}

func (h *Hub) OnPeerConnected(fn core.ConnectHandler) {
	h.handlers.mu.Lock()
	h.onConnect = fn
	h.handlers.mu.Unlock()
}

func (h *Hub) OnPeerDisconnected(fn core.DisconnectHandler) {
	h.handlers.mu.Lock()
	h.onDisconnect = fn
	h.handlers.mu.Unlock()
}

// Connect attaches a new participant under id and returns its end.
func (h *Hub) Connect(id core.PeerID) (*Conn, error) {
	l := &link{id: id, up: newQueue(h.queueSize), down: newQueue(h.queueSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, core.ErrClosed
	}
	if old, ok := h.links[id]; ok {
		old.close()
	}
	h.links[id] = l
	h.mu.Unlock()

	c := &Conn{link: l, ready: make(chan struct{})}
	h.connected(id)

	go h.pump(l)
	go c.pump()
	log.Debug().Str("module", "adapters.local").Str("peer", string(id)).Msg("peer connected")
	return c, nil
}

func (h *Hub) pump(l *link) {
	for f := range l.up.ch {
		h.message(l.id, f)
	}
	h.mu.Lock()
	current := h.links[l.id] == l
	if current {
		delete(h.links, l.id)
	}
	h.mu.Unlock()
	l.down.close()
	// A link replaced by a newer Connect no longer owns the id.
	if !current {
		log.Debug().Str("module", "adapters.local").Str("peer", string(l.id)).Msg("replaced link closed")
		return
	}
	h.disconnected(l.id)
	log.Debug().Str("module", "adapters.local").Str("peer", string(l.id)).Msg("peer disconnected")
}

func (h *Hub) get(peer core.PeerID) (*link, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[peer]
	return l, ok
}

func (h *Hub) Send(peer core.PeerID, f core.Frame) error {
	l, ok := h.get(peer)
	if !ok {
		return core.ErrUnknownPeer
	}
	return l.down.push(f)
}

func (h *Hub) Broadcast(f core.Frame, exclude ...core.PeerID) {
	h.mu.Lock()
	targets := make([]*link, 0, len(h.links))
	for id, l := range h.links {
		if !excluded(id, exclude) {
			targets = append(targets, l)
		}
	}
	h.mu.Unlock()

	for _, l := range targets {
		if err := l.down.push(f); err != nil {
			log.Debug().Err(err).Str("module", "adapters.local").Str("peer", string(l.id)).Msg("broadcast drop")
		}
	}
}

func (h *Hub) Disconnect(peer core.PeerID) {
	if l, ok := h.get(peer); ok {
		l.close()
	}
}

// Peers returns the ids of the attached participants.
func (h *Hub) Peers() []core.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]core.PeerID, 0, len(h.links))
	for id := range h.links {
		out = append(out, id)
	}
	return out
}

func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	links := make([]*link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()
	for _, l := range links {
		l.close()
	}
	return nil
}

func excluded(id core.PeerID, exclude []core.PeerID) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}

// Conn is a participant's end of a Hub link. Its only peer is
// core.ServerPeer. Frames that arrive before OnMessage is registered are
// held until it is.
type Conn struct {
	handlers
	link *link

	readyOnce sync.Once
	ready     chan struct{}
}

var _ core.Transport = (*Conn)(nil)
var _ core.Transport = (*Hub)(nil)

func (c *Conn) pump() {
	<-c.ready
	for f := range c.link.down.ch {
		c.message(core.ServerPeer, f)
	}
	c.link.up.close()
	c.disconnected(core.ServerPeer)
}

func (c *Conn) OnMessage(fn core.MessageHandler) {
	c.handlers.mu.Lock()
	c.onMessage = fn
	c.handlers.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

// OnPeerConnected never fires: a Conn is connected once Connect returns.
func (c *Conn) OnPeerConnected(fn core.ConnectHandler) {
	c.handlers.mu.Lock()
	c.onConnect = fn
	c.handlers.mu.Unlock()
}

func (c *Conn) OnPeerDisconnected(fn core.DisconnectHandler) {
	c.handlers.mu.Lock()
	c.onDisconnect = fn
	c.handlers.mu.Unlock()
}

func (c *Conn) Send(peer core.PeerID, f core.Frame) error {
	if peer != core.ServerPeer {
		return core.ErrUnknownPeer
	}
	return c.link.up.push(f)
}

func (c *Conn) Broadcast(f core.Frame, _ ...core.PeerID) {
	_ = c.link.up.push(f)
}

func (c *Conn) Disconnect(core.PeerID) { _ = c.Close() }

func (c *Conn) Close() error {
	c.link.close()
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}
