package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/letterlings/internal/core"
	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/netsync"
	"github.com/dkeye/letterlings/internal/proto"
	"github.com/rs/zerolog/log"
)

// joinerCapacity bounds a joiner's mirror when joined_room does not carry
// the room capacity.
const joinerCapacity = 16

// Host opens a new room and blocks until it is Synchronized.
func (s *Session) Host(ctx context.Context, levelID domain.LevelID, maxPlayers int) (domain.RoomCode, error) {
	req := proto.Host{
		LevelID:     levelID,
		PlayerName:  s.identity.Name,
		PlayerEmoji: s.identity.Avatar,
		MaxPlayers:  maxPlayers,
	}
	if err := s.establish(ctx, req, true, maxPlayers); err != nil {
		return "", err
	}
	return s.RoomCode(), nil
}

// Join enters the room behind code and blocks until it is Synchronized.
func (s *Session) Join(ctx context.Context, code domain.RoomCode) error {
	if !proto.ValidRoomCode(string(code)) {
		return fmt.Errorf("%w: room code %q", domain.ErrBadPayload, code)
	}
	req := proto.Join{
		RoomCode:    code,
		PlayerName:  s.identity.Name,
		PlayerEmoji: s.identity.Avatar,
		Role:        s.identity.Role,
	}
	return s.establish(ctx, req, false, joinerCapacity)
}

func (s *Session) establish(ctx context.Context, req proto.Message, host bool, maxPlayers int) error {
	var g uint64
	busy := false
	s.locked(func() {
		if s.state != Disconnected {
			busy = true
			return
		}
		s.gen++
		g = s.gen
		s.request = req
		s.isHost = host
		s.maxPlayers = maxPlayers
		s.room = ""
		s.localID = ""
		s.setState(Connecting)
	})
	if busy {
		return domain.ErrAlreadyInRoom
	}

	err := s.attempt(ctx, g)
	if err != nil {
		s.locked(func() {
			if s.gen == g {
				s.setState(Disconnected)
			}
		})
	}
	return err
}

// attempt opens one transport and runs the handshake on it.
func (s *Session) attempt(ctx context.Context, g uint64) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	t, err := s.connect(cctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.ErrConnectionTimeout
		}
		return err
	}

	done := make(chan error, 1)
	current := false
	s.locked(func() {
		if s.gen != g {
			return
		}
		current = true
		s.transport = t
		s.handshake = done
		s.setState(AwaitingRoomInfo)
	})
	if !current {
		_ = t.Close()
		return context.Canceled
	}
	t.OnPeerDisconnected(func(core.PeerID) { s.onTransportLost(g, t) })
	t.OnMessage(func(_ core.PeerID, f core.Frame) { s.onFrame(g, t, f) })

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		err = domain.ErrHandshakeTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.abandon(t)
	}
	return err
}

// abandon drops t if it is still the current transport.
func (s *Session) abandon(t core.Transport) {
	s.locked(func() {
		if s.transport == t {
			s.transport = nil
			s.handshake = nil
		}
	})
	_ = t.Close()
}

// finishHandshake resolves the pending handshake after the callbacks
// queued so far, so a returning Host or Join has seen them all.
func (s *Session) finishHandshake(err error) {
	done := s.handshake
	if done == nil {
		return
	}
	s.handshake = nil
	s.later(func() { done <- err })
}

func (s *Session) onFrame(g uint64, t core.Transport, f core.Frame) {
	m, err := proto.Decode(f)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("drop frame")
		return
	}
	s.locked(func() {
		if s.gen != g || s.transport != t {
			return
		}
		s.handle(m)
	})
}

func (s *Session) handle(m proto.Message) {
	now := s.now()
	switch msg := m.(type) {
	case proto.Welcome:
		if s.state != AwaitingRoomInfo {
			return
		}
		s.localID = msg.PlayerID
		if err := s.send(s.request); err != nil {
			s.finishHandshake(err)
		}
	case proto.RoomCreated:
		if s.state != AwaitingRoomInfo || !s.isHost {
			return
		}
		self, err := domain.NewParticipant(msg.PlayerID, s.identity.Name, s.identity.Avatar, domain.RolePlayer)
		if err != nil {
			s.finishHandshake(fmt.Errorf("%w: %v", domain.ErrBadPayload, err))
			return
		}
		self.IsHost = true
		s.room, s.level, s.localID = msg.RoomCode, msg.LevelID, msg.PlayerID
		if msg.MaxPlayers > 0 {
			s.maxPlayers = msg.MaxPlayers
		}
		s.engine = netsync.NewEngine(s.syncCfg, msg.PlayerID, s.maxPlayers, outbound(s.transport), queuedWorld{s})
		s.engine.Apply(proto.Roster{Players: []domain.Participant{self}}, now)
		s.synchronized()
	case proto.JoinedRoom:
		if s.state != AwaitingRoomInfo || s.isHost {
			return
		}
		if msg.PlayerID != "" {
			s.localID = msg.PlayerID
		}
		s.room, s.level = msg.RoomCode, msg.LevelID
		if msg.MaxPlayers > 0 {
			s.maxPlayers = msg.MaxPlayers
		}
		s.engine = netsync.NewEngine(s.syncCfg, s.localID, s.maxPlayers, outbound(s.transport), queuedWorld{s})
		s.engine.Apply(msg, now)
		s.synchronized()
	case proto.Error:
		err := domain.FromReason(msg.Code)
		if err == nil {
			err = errors.New(msg.Message)
		}
		if s.state == AwaitingRoomInfo {
			s.finishHandshake(err)
			return
		}
		s.later(func() { s.listener.OnError(err) })
	case proto.RoomClosed:
		log.Info().Str("module", "session").Str("room", string(s.room)).Str("reason", msg.Reason).Msg("room closed")
		s.finishHandshake(domain.ErrRoomClosed)
		s.drop()
		s.setState(Disconnected)
		reason := msg.Reason
		s.later(func() { s.listener.OnRoomClosed(reason) })
	default:
		if s.engine != nil {
			s.engine.Apply(m, now)
		}
	}
}

func (s *Session) synchronized() {
	s.setState(Synchronized)
	s.finishHandshake(nil)
	log.Info().Str("module", "session").Str("room", string(s.room)).Str("player", string(s.localID)).
		Bool("host", s.isHost).Msg("synchronized")
}

// drop forgets the current transport and mirror. Remote participants are
// reported as left so the world can despawn them.
func (s *Session) drop() {
	if s.engine != nil {
		for _, p := range s.engine.Snapshot() {
			if p.ID == s.engine.LocalID() {
				continue
			}
			id := p.ID
			s.later(func() { s.world.ParticipantLeft(id) })
		}
		s.engine = nil
	}
	if t := s.transport; t != nil {
		s.transport = nil
		s.later(func() { _ = t.Close() })
	}
}

func (s *Session) onTransportLost(g uint64, t core.Transport) {
	s.locked(func() {
		if s.gen != g || s.transport != t {
			return
		}
		if s.state != Synchronized {
			s.finishHandshake(ErrConnectionLost)
			return
		}
		s.drop()
		if s.isHost {
			log.Warn().Str("module", "session").Str("room", string(s.room)).Msg("host lost its transport")
			s.setState(Disconnected)
			s.later(func() {
				s.listener.OnError(domain.ErrRoomClosed)
				s.listener.OnRoomClosed(domain.CloseHostDisconnected)
			})
			return
		}
		log.Warn().Str("module", "session").Str("room", string(s.room)).Msg("connection lost, reconnecting")
		s.gen++
		next := s.gen
		s.request = proto.Join{
			RoomCode:    s.room,
			PlayerName:  s.identity.Name,
			PlayerEmoji: s.identity.Avatar,
			Role:        s.identity.Role,
		}
		s.setState(Connecting)
		ctx, cancel := context.WithCancel(context.Background())
		s.stopReconnect = cancel
		go s.reconnect(ctx, next)
	})
}

func (s *Session) reconnectPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectInitial
	b.Multiplier = 2
	b.MaxInterval = s.cfg.ReconnectMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.ReconnectAttempts)), ctx)
}

// reconnect re-joins the same room until it succeeds, the attempts run
// out, or the room is gone.
func (s *Session) reconnect(ctx context.Context, g uint64) {
	policy := s.reconnectPolicy(ctx)
	var last error = ErrConnectionLost
	for attempt := 1; ; attempt++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		err := s.attempt(ctx, g)
		if err == nil {
			s.locked(func() {
				if s.gen == g {
					s.stopReconnect = nil
				}
			})
			log.Info().Str("module", "session").Int("attempt", attempt).Msg("reconnected")
			return
		}
		if ctx.Err() != nil {
			return
		}
		last = err
		log.Warn().Err(err).Str("module", "session").Int("attempt", attempt).Dur("waited", wait).Msg("reconnect failed")
		if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrRoomClosed) {
			break
		}
		s.locked(func() {
			if s.gen == g {
				s.setState(Connecting)
			}
		})
	}

	s.locked(func() {
		if s.gen != g {
			return
		}
		s.stopReconnect = nil
		s.setState(Disconnected)
		if errors.Is(last, domain.ErrRoomClosed) {
			return
		}
		err := last
		if !errors.Is(err, domain.ErrRoomNotFound) {
			err = fmt.Errorf("%w: %v", ErrConnectionLost, last)
		}
		s.later(func() { s.listener.OnError(err) })
	})
}

// Leave ends the session. A pending Host or Join returns context.Canceled.
// No listener or world callback fires afterwards.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.state == Synchronized {
		_ = s.send(proto.Leave{})
	}
	s.gen++
	if s.stopReconnect != nil {
		s.stopReconnect()
		s.stopReconnect = nil
	}
	if s.handshake != nil {
		s.handshake <- context.Canceled
		s.handshake = nil
	}
	t := s.transport
	s.transport = nil
	s.engine = nil
	s.state = Disconnected
	s.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
}

func (s *Session) send(m proto.Message) error {
	if s.transport == nil {
		return ErrNotSynchronized
	}
	f, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return s.transport.Send(core.ServerPeer, f)
}

func outbound(t core.Transport) netsync.Outbound {
	return netsync.OutboundFunc(func(m proto.Message) error {
		f, err := proto.Encode(m)
		if err != nil {
			return err
		}
		return t.Send(core.ServerPeer, f)
	})
}
