// Package session is the participant side of a room: it connects, runs
// the host or join handshake, mirrors the roster through a sync engine and
// reconnects joiners that lose their transport.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/letterlings/internal/core"
	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/netsync"
	"github.com/dkeye/letterlings/internal/proto"
)

type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingRoomInfo
	Synchronized
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AwaitingRoomInfo:
		return "awaiting_room_info"
	case Synchronized:
		return "synchronized"
	default:
		return "disconnected"
	}
}

var (
	ErrNotSynchronized = errors.New("session not synchronized")
	ErrConnectionLost  = errors.New("connection lost")
)

type Config struct {
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ReconnectInitial  time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		ReconnectInitial:  time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = d.ReconnectInitial
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = d.ReconnectAttempts
	}
	return c
}

// Connector opens a fresh transport to the host authority.
type Connector func(ctx context.Context) (core.Transport, error)

// Listener receives session lifecycle notifications. Callbacks run
// without the session lock held and may call back into the Session.
type Listener interface {
	OnStateChange(from, to State)
	OnRoomClosed(reason string)
	OnError(err error)
}

type NopListener struct{}

func (NopListener) OnStateChange(State, State) {}
func (NopListener) OnRoomClosed(string)        {}
func (NopListener) OnError(error)              {}

// Identity is how the local participant presents itself.
type Identity struct {
	Name   string
	Avatar string
	Role   domain.Role
}

type Session struct {
	cfg      Config
	syncCfg  netsync.Config
	connect  Connector
	listener Listener
	world    netsync.World
	identity Identity
	now      func() time.Time

	mu       sync.Mutex
	state    State
	gen      uint64
	deferred []func()

	transport core.Transport
	engine    *netsync.Engine
	handshake chan error
	request   proto.Message

	localID    domain.ParticipantID
	room       domain.RoomCode
	level      domain.LevelID
	maxPlayers int
	isHost     bool

	stopReconnect context.CancelFunc
}

func New(cfg Config, syncCfg netsync.Config, connect Connector, id Identity, listener Listener, world netsync.World) *Session {
	if listener == nil {
		listener = NopListener{}
	}
	if world == nil {
		world = netsync.NopWorld{}
	}
	return &Session{
		cfg:      cfg.withDefaults(),
		syncCfg:  syncCfg,
		connect:  connect,
		listener: listener,
		world:    world,
		identity: id,
		now:      time.Now,
	}
}

// locked runs fn under the session lock, then the callbacks fn queued.
func (s *Session) locked(fn func()) {
	s.mu.Lock()
	fn()
	calls := s.deferred
	s.deferred = nil
	s.mu.Unlock()
	for _, call := range calls {
		call()
	}
}

func (s *Session) later(call func()) { s.deferred = append(s.deferred, call) }

func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.later(func() { s.listener.OnStateChange(from, to) })
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LocalID() domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

func (s *Session) RoomCode() domain.RoomCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) LevelID() domain.LevelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isHost
}

// queuedWorld defers world callbacks until the session lock is released.
type queuedWorld struct{ s *Session }

func (w queuedWorld) ParticipantJoined(p domain.Participant) {
	w.s.later(func() { w.s.world.ParticipantJoined(p) })
}

func (w queuedWorld) ParticipantLeft(id domain.ParticipantID) {
	w.s.later(func() { w.s.world.ParticipantLeft(id) })
}

func (w queuedWorld) Event(m proto.Message) {
	w.s.later(func() { w.s.world.Event(m) })
}
