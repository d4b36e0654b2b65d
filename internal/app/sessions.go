package app

import (
	"sync"

	"github.com/dkeye/letterlings/internal/core"
	"github.com/dkeye/letterlings/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Room domain.RoomCode
	Name string
}

// Sessions binds transport peers to the room they are in.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[core.PeerID]*sessionEntry
}

func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[core.PeerID]*sessionEntry)}
}

func (s *Sessions) Bind(peer core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[peer]; ok {
		return
	}
	s.sessions[peer] = &sessionEntry{}
	log.Info().Str("module", "app.sessions").Str("peer", string(peer)).Msg("bound session")
}

func (s *Sessions) Known(peer core.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[peer]
	return ok
}

func (s *Sessions) Unbind(peer core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, peer)
	log.Info().Str("module", "app.sessions").Str("peer", string(peer)).Msg("unbind session")
}

func (s *Sessions) RoomOf(peer core.PeerID) (domain.RoomCode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[peer]
	if !ok || e.Room == "" {
		return "", false
	}
	return e.Room, true
}

// UpdateRoom associates peer with code. It reports false for unknown peers.
func (s *Sessions) UpdateRoom(peer core.PeerID, code domain.RoomCode, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[peer]
	if !ok {
		return false
	}
	e.Room = code
	e.Name = name
	log.Info().Str("module", "app.sessions").Str("peer", string(peer)).Str("room", string(code)).Msg("updated room")
	return true
}

func (s *Sessions) RemoveRoom(peer core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[peer]; ok {
		e.Room = ""
	}
	log.Debug().Str("module", "app.sessions").Str("peer", string(peer)).Msg("removed room association")
}

func (s *Sessions) MembersOfRoom(code domain.RoomCode) []core.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.PeerID, 0, len(s.sessions))
	for peer, e := range s.sessions {
		if e.Room == code {
			out = append(out, peer)
		}
	}
	return out
}

func (s *Sessions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
