package ws

import (
	"net/http"
	"sync"

	"github.com/dkeye/letterlings/internal/core"
	"github.com/dkeye/letterlings/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts participant sockets. Every socket gets a fresh peer id,
// which the host authority also uses as the participant id.
type Server struct {
	handlers
	cfg Config

	mu     sync.RWMutex
	conns  map[core.PeerID]*wsConn
	closed bool
	wg     conc.WaitGroup
}

var _ core.Transport = (*Server)(nil)

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg.withDefaults(), conns: make(map[core.PeerID]*wsConn)}
}

// Handle upgrades a gin request.
func (s *Server) Handle(c *gin.Context) {
	s.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("ws upgrade")
		return
	}

	peer := core.PeerID(domain.NewParticipantID())
	c := newWSConn(peer, ws, s.cfg.SendQueue)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[peer] = c
	s.mu.Unlock()
	log.Info().Str("module", "adapters.ws").Str("peer", string(peer)).Str("remote", r.RemoteAddr).Msg("new WS connection")

	s.connected(peer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Close ran between registration and here and already closed c.
		go s.finish(peer, ws)
		return
	}
	s.wg.Go(func() {
		var pumps conc.WaitGroup
		pumps.Go(func() { c.writePump(s.cfg) })
		pumps.Go(func() {
			c.readPump(s.cfg, func(f core.Frame) { s.message(peer, f) })
		})
		pumps.Wait()
		s.finish(peer, nil)
	})
}

func (s *Server) finish(peer core.PeerID, ws *websocket.Conn) {
	if ws != nil {
		_ = ws.Close()
	}
	s.mu.Lock()
	delete(s.conns, peer)
	s.mu.Unlock()
	s.disconnected(peer)
	log.Info().Str("module", "adapters.ws").Str("peer", string(peer)).Msg("WS connection closed")
}

func (s *Server) get(peer core.PeerID) (*wsConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[peer]
	return c, ok
}

func (s *Server) Send(peer core.PeerID, f core.Frame) error {
	c, ok := s.get(peer)
	if !ok {
		return core.ErrUnknownPeer
	}
	return c.TrySend(f)
}

func (s *Server) Broadcast(f core.Frame, exclude ...core.PeerID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for peer, c := range s.conns {
		if excluded(peer, exclude) {
			continue
		}
		if err := c.TrySend(f); err != nil {
			log.Debug().Err(err).Str("module", "adapters.ws").Str("peer", string(peer)).Msg("broadcast drop")
		}
	}
}

func excluded(peer core.PeerID, exclude []core.PeerID) bool {
	for _, e := range exclude {
		if e == peer {
			return true
		}
	}
	return false
}

// Disconnect flushes what is queued for peer and closes its socket. The
// disconnect handler runs once the pumps have exited.
func (s *Server) Disconnect(peer core.PeerID) {
	if c, ok := s.get(peer); ok {
		c.Close()
	}
}

func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close refuses new sockets, closes the open ones and waits for their
// pumps to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return nil
}
