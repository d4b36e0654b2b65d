// Package orch is the host authority of the server-mediated binding. It
// holds the authoritative roster of every room on behalf of its host and
// routes protocol messages between participants.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/letterlings/internal/app"
	"github.com/dkeye/letterlings/internal/core"
	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/netsync"
	"github.com/dkeye/letterlings/internal/proto"
	"github.com/dkeye/letterlings/internal/registry"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type Config struct {
	MaxParticipants     int           `mapstructure:"max_players"`
	AutoStart           bool          `mapstructure:"auto_start"`
	MaxUpdatesPerSecond int           `mapstructure:"max_updates_per_second"`
	RegistryTimeout     time.Duration `mapstructure:"registry_timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxParticipants:     domain.DefaultMaxParticipants,
		AutoStart:           true,
		MaxUpdatesPerSecond: 30,
		RegistryTimeout:     2 * time.Second,
	}
}

// Archive keeps the results of completed runs.
type Archive interface {
	SaveResults(ctx context.Context, room domain.Room, results map[domain.ParticipantID]domain.Result) error
}

type Orchestrator struct {
	Registry registry.Registry
	Rooms    *app.RoomManager
	Sessions *app.Sessions
	Policy   app.Policy
	Archive  Archive
	Now      func() time.Time

	transport core.Transport
	cfg       Config
	limiter   *netsync.RateLimiter

	mu    sync.Mutex
	kicks []core.PeerID
	// held marks peers whose last updates were applied but not relayed.
	held map[core.PeerID]bool
	bg   conc.WaitGroup
}

// New wires the orchestrator to t. Set the optional fields before the
// transport accepts peers.
func New(t core.Transport, reg registry.Registry, cfg Config) *Orchestrator {
	d := DefaultConfig()
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = d.MaxParticipants
	}
	if cfg.MaxUpdatesPerSecond <= 0 {
		cfg.MaxUpdatesPerSecond = d.MaxUpdatesPerSecond
	}
	if cfg.RegistryTimeout <= 0 {
		cfg.RegistryTimeout = d.RegistryTimeout
	}
	o := &Orchestrator{
		Registry:  reg,
		Rooms:     app.NewRoomManager(),
		Sessions:  app.NewSessions(),
		Policy:    app.SimplePolicy{},
		Now:       time.Now,
		transport: t,
		cfg:       cfg,
		limiter:   netsync.NewRateLimiter(cfg.MaxUpdatesPerSecond, time.Second),
		held:      make(map[core.PeerID]bool),
	}
	t.OnPeerConnected(o.OnConnect)
	t.OnMessage(o.OnFrame)
	t.OnPeerDisconnected(o.OnDisconnect)
	return o
}

// locked runs fn under the orchestrator lock and disconnects the peers the
// backpressure policy kicked meanwhile. Transports may report the
// disconnect synchronously, so kicks happen after the lock is released.
func (o *Orchestrator) locked(fn func()) {
	o.mu.Lock()
	fn()
	kicks := o.kicks
	o.kicks = nil
	o.mu.Unlock()

	for _, peer := range kicks {
		o.transport.Disconnect(peer)
	}
}

func (o *Orchestrator) registryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.cfg.RegistryTimeout)
}

func (o *Orchestrator) OnConnect(peer core.PeerID) {
	o.locked(func() {
		o.Sessions.Bind(peer)
		o.send("", peer, proto.Welcome{PlayerID: domain.ParticipantID(peer)})
	})
}

func (o *Orchestrator) OnDisconnect(peer core.PeerID) {
	o.locked(func() {
		o.depart(peer)
		o.Sessions.Unbind(peer)
		delete(o.held, peer)
	})
	o.limiter.Forget(string(peer))
	log.Info().Str("module", "orch").Str("peer", string(peer)).Msg("peer disconnected")
}

func (o *Orchestrator) OnFrame(peer core.PeerID, data core.Frame) {
	m, err := proto.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("drop frame")
		return
	}

	o.locked(func() {
		if !o.Sessions.Known(peer) {
			log.Warn().Str("module", "orch").Str("peer", string(peer)).Str("type", m.MessageType()).Msg("frame from unknown peer")
			return
		}
		switch msg := m.(type) {
		case proto.Host:
			o.handleHost(peer, msg)
		case proto.Join:
			o.handleJoin(peer, msg)
		case proto.Leave:
			o.depart(peer)
		case proto.StartGame:
			o.handleStart(peer)
		case proto.PlayerUpdate:
			o.handleUpdate(peer, msg)
		case proto.LetterlingCollected:
			o.handleCollected(peer, msg)
		case proto.EntitySpawned:
			o.handleSpawn(peer, msg)
		case proto.LevelComplete:
			o.handleLevelComplete(peer, msg)
		case proto.Hint:
			o.handleHint(peer, msg)
		case proto.Resync:
			o.handleResync(peer)
		case proto.Ping:
			o.send("", peer, proto.Pong{})
		default:
			log.Warn().Str("module", "orch").Str("peer", string(peer)).Str("type", m.MessageType()).Msg("unexpected message from participant")
		}
	})
}

// send encodes m for a single peer and applies the backpressure policy
// when the peer's queue refuses it.
func (o *Orchestrator) send(code domain.RoomCode, peer core.PeerID, m proto.Message) {
	data, err := proto.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", m.MessageType()).Msg("encode")
		return
	}
	o.deliver(code, peer, m, data)
}

func (o *Orchestrator) deliver(code domain.RoomCode, peer core.PeerID, m proto.Message, data core.Frame) {
	err := o.transport.Send(peer, data)
	if err == nil {
		return
	}
	if !errors.Is(err, core.ErrBackpressure) || o.Policy == nil {
		log.Debug().Err(err).Str("module", "orch").Str("peer", string(peer)).Str("type", m.MessageType()).Msg("send failed")
		return
	}
	action := o.Policy.OnBackPressure(code, peer, m)
	log.Warn().Str("module", "orch").Str("room", string(code)).Str("peer", string(peer)).
		Str("type", m.MessageType()).Stringer("action", action).Msg("backpressure")
	if action == app.KickMember {
		o.kicks = append(o.kicks, peer)
	}
}

// fanout sends m to every participant of room except the excluded ones.
func (o *Orchestrator) fanout(room *app.Room, m proto.Message, exclude ...domain.ParticipantID) {
	data, err := proto.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", m.MessageType()).Msg("encode")
		return
	}
	sent := 0
	for _, p := range room.Roster.Snapshot() {
		if skip(p.ID, exclude) {
			continue
		}
		o.deliver(room.Info.Code, core.PeerID(p.ID), m, data)
		sent++
	}
	log.Debug().Str("module", "orch").Str("room", string(room.Info.Code)).Str("type", m.MessageType()).Int("sent_to", sent).Msg("fanout")
}

func (o *Orchestrator) reject(peer core.PeerID, err error) {
	log.Info().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("rejected")
	o.send("", peer, proto.NewError(err))
}

func skip(id domain.ParticipantID, exclude []domain.ParticipantID) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}

// Stats reports the live room and participant counts.
func (o *Orchestrator) Stats() (rooms, players int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.Rooms.All() {
		rooms++
		players += r.Roster.Len()
	}
	return rooms, players
}

func (o *Orchestrator) RoomList() []app.RoomInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	all := o.Rooms.All()
	out := make([]app.RoomInfo, 0, len(all))
	for _, r := range all {
		out = append(out, r.InfoSnapshot())
	}
	return out
}

func (o *Orchestrator) RoomInfo(code domain.RoomCode) (app.RoomInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.Rooms.Get(code)
	if !ok {
		return app.RoomInfo{}, false
	}
	return r.InfoSnapshot(), true
}

// Shutdown closes every room with server_shutdown, waits for pending
// archive writes and closes the transport.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.locked(func() {
		for _, r := range o.Rooms.All() {
			o.destroy(r)
		}
	})
	data, err := proto.Encode(proto.RoomClosed{Reason: domain.CloseServerShutdown})
	if err == nil {
		o.transport.Broadcast(data)
	}

	done := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Str("module", "orch").Msg("shutdown before archive writes finished")
	}
	return o.transport.Close()
}
