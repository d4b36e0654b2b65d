// Package netsync throttles outbound state of the local participant and
// applies inbound state of remote participants, smoothing their rendered
// motion between updates.
package netsync

import (
	"time"

	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/proto"
	"github.com/dkeye/letterlings/internal/roster"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Interval         time.Duration `mapstructure:"interval"`
	Factor           float64       `mapstructure:"interpolation_factor"`
	PoorAfter        time.Duration `mapstructure:"poor_after"`
	LostAfter        time.Duration `mapstructure:"lost_after"`
	MaxExtrapolation time.Duration `mapstructure:"max_extrapolation"`
	// SkipUnchanged suppresses ticks with nothing new. By default such a
	// tick still sends a timestamp-only update that doubles as a heartbeat.
	SkipUnchanged bool `mapstructure:"skip_unchanged"`
}

func DefaultConfig() Config {
	return Config{
		Interval:         50 * time.Millisecond,
		Factor:           0.15,
		PoorAfter:        time.Second,
		LostAfter:        3 * time.Second,
		MaxExtrapolation: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Factor <= 0 || c.Factor > 1 {
		c.Factor = d.Factor
	}
	if c.PoorAfter <= 0 {
		c.PoorAfter = d.PoorAfter
	}
	if c.LostAfter <= c.PoorAfter {
		c.LostAfter = d.LostAfter
	}
	if c.MaxExtrapolation <= 0 {
		c.MaxExtrapolation = d.MaxExtrapolation
	}
	return c
}

// Outbound delivers a message towards the room host.
type Outbound interface {
	Send(m proto.Message) error
}

type OutboundFunc func(m proto.Message) error

func (f OutboundFunc) Send(m proto.Message) error { return f(m) }

// World is the game side the engine calls into when remote entities
// appear, disappear or world events arrive.
type World interface {
	ParticipantJoined(p domain.Participant)
	ParticipantLeft(id domain.ParticipantID)
	Event(m proto.Message)
}

type NopWorld struct{}

func (NopWorld) ParticipantJoined(domain.Participant)  {}
func (NopWorld) ParticipantLeft(domain.ParticipantID) {}
func (NopWorld) Event(proto.Message)                  {}

// RemoteView is what a renderer needs for one remote participant.
type RemoteView struct {
	Participant domain.Participant
	Rendered    domain.Vec2
	Quality     Quality
}

type localState struct {
	pos, vel domain.Vec2
	score    int
}

// Engine owns the mirrored roster of one room. It is not safe for
// concurrent use: drive it from the frame loop or serialize calls.
type Engine struct {
	cfg     Config
	out     Outbound
	world   World
	roster  *roster.Roster
	limiter *RateLimiter

	local    localState
	sent     localState
	sentOnce bool

	rendered map[domain.ParticipantID]domain.Vec2
}

func NewEngine(cfg Config, localID domain.ParticipantID, maxParticipants int, out Outbound, world World) *Engine {
	cfg = cfg.withDefaults()
	if world == nil {
		world = NopWorld{}
	}
	return &Engine{
		cfg:      cfg,
		out:      out,
		world:    world,
		roster:   roster.New(localID, maxParticipants),
		limiter:  NewRateLimiter(1, cfg.Interval),
		rendered: make(map[domain.ParticipantID]domain.Vec2),
	}
}

func (e *Engine) Config() Config                 { return e.cfg }
func (e *Engine) LocalID() domain.ParticipantID  { return e.roster.LocalID() }
func (e *Engine) Snapshot() []domain.Participant { return e.roster.Snapshot() }

func (e *Engine) Contains(id domain.ParticipantID) bool {
	return e.roster.Contains(id)
}

func (e *Engine) Participant(id domain.ParticipantID) (domain.Participant, bool) {
	return e.roster.Get(id)
}

// SetLocal records the local participant's current state. It is sent on
// the next tick that the cadence allows.
func (e *Engine) SetLocal(pos, vel domain.Vec2, score int) {
	e.local = localState{pos: pos, vel: vel, score: score}
	_ = e.roster.SetLocal(roster.StateUpdate{Position: &pos, Velocity: &vel, Score: &score})
}

// Tick sends the local delta if at least one interval has passed since the
// previous send. It reports whether a message went out.
func (e *Engine) Tick(now time.Time) (bool, error) {
	if !e.limiter.Allow(string(e.LocalID()), now) {
		return false, nil
	}

	msg := proto.PlayerUpdate{PlayerID: e.LocalID(), Timestamp: now.UnixMilli()}
	changed := false
	if !e.sentOnce || e.local.pos != e.sent.pos {
		pos := e.local.pos
		msg.Position = &pos
		changed = true
	}
	if !e.sentOnce || e.local.vel != e.sent.vel {
		vel := e.local.vel
		msg.Velocity = &vel
		changed = true
	}
	if !e.sentOnce || e.local.score != e.sent.score {
		score := e.local.score
		msg.Score = &score
		changed = true
	}
	if !changed && e.cfg.SkipUnchanged {
		return false, nil
	}

	if err := e.out.Send(msg); err != nil {
		return false, err
	}
	e.sent = e.local
	e.sentOnce = true
	return true, nil
}

// SendEvent sends a world event immediately, bypassing the cadence.
func (e *Engine) SendEvent(m proto.Message) error {
	if c, ok := m.(proto.LetterlingCollected); ok && c.NewScore != nil {
		e.local.score = *c.NewScore
		score := *c.NewScore
		_ = e.roster.SetLocal(roster.StateUpdate{Score: &score})
	}
	return e.out.Send(m)
}

// Apply folds one inbound message into the mirrored roster. Messages that
// do not fit the current roster are logged and dropped.
func (e *Engine) Apply(m proto.Message, now time.Time) {
	switch msg := m.(type) {
	case proto.JoinedRoom:
		e.replace(msg.Players, now)
	case proto.Roster:
		e.replace(msg.Players, now)
	case proto.PlayerJoined:
		p := msg.Player
		p.LastUpdate = now
		if err := e.roster.Join(p); err != nil {
			log.Warn().Err(err).Str("module", "netsync").Str("player", string(p.ID)).Msg("drop player_joined")
			return
		}
		e.rendered[p.ID] = p.Position
		e.world.ParticipantJoined(p)
	case proto.PlayerLeft:
		if _, ok := e.roster.Leave(msg.PlayerID); !ok {
			log.Debug().Str("module", "netsync").Str("player", string(msg.PlayerID)).Msg("player_left for unknown participant")
			return
		}
		delete(e.rendered, msg.PlayerID)
		e.world.ParticipantLeft(msg.PlayerID)
	case proto.PlayerUpdate:
		u := roster.StateUpdate{Position: msg.Position, Velocity: msg.Velocity, Score: msg.Score, At: now}
		if err := e.roster.ApplyRemoteUpdate(msg.PlayerID, u); err != nil {
			log.Warn().Err(err).Str("module", "netsync").Str("player", string(msg.PlayerID)).Msg("drop player_update")
		}
	case proto.LetterlingCollected:
		if msg.NewScore != nil && msg.PlayerID != e.LocalID() {
			u := roster.StateUpdate{Score: msg.NewScore}
			if err := e.roster.ApplyRemoteUpdate(msg.PlayerID, u); err != nil {
				log.Warn().Err(err).Str("module", "netsync").Str("player", string(msg.PlayerID)).Msg("drop collected score")
			}
		}
		e.world.Event(msg)
	case proto.EntitySpawned, proto.Hint, proto.GameStarted, proto.GameEnded:
		e.world.Event(msg)
	}
}

func (e *Engine) replace(players []domain.Participant, now time.Time) {
	before := make(map[domain.ParticipantID]bool, e.roster.Len())
	for _, p := range e.roster.Snapshot() {
		before[p.ID] = true
	}
	e.roster.Replace(players, now)
	if e.sentOnce {
		pos, vel, score := e.local.pos, e.local.vel, e.local.score
		_ = e.roster.SetLocal(roster.StateUpdate{Position: &pos, Velocity: &vel, Score: &score})
	}

	after := make(map[domain.ParticipantID]bool, e.roster.Len())
	for _, p := range e.roster.Snapshot() {
		after[p.ID] = true
		if p.ID == e.LocalID() {
			continue
		}
		if !before[p.ID] {
			e.rendered[p.ID] = p.Position
			e.world.ParticipantJoined(p)
		}
	}
	for id := range before {
		if !after[id] {
			delete(e.rendered, id)
			if id != e.LocalID() {
				e.world.ParticipantLeft(id)
			}
		}
	}
}

// Render advances every remote participant's rendered position one
// interpolation step toward its predicted position and returns the views
// in join order.
func (e *Engine) Render(now time.Time) []RemoteView {
	snap := e.roster.Snapshot()
	out := make([]RemoteView, 0, len(snap))
	for _, p := range snap {
		if p.ID == e.LocalID() {
			continue
		}
		since := now.Sub(p.LastUpdate)
		target := Predict(p.Position, p.Velocity, since, e.cfg.MaxExtrapolation)
		cur, ok := e.rendered[p.ID]
		if !ok {
			cur = p.Position
		}
		cur = Approach(cur, target, e.cfg.Factor)
		e.rendered[p.ID] = cur
		out = append(out, RemoteView{
			Participant: p,
			Rendered:    cur,
			Quality:     Classify(since, e.cfg.PoorAfter, e.cfg.LostAfter),
		})
	}
	return out
}

// Quality classifies a remote participant. ok is false for unknown ids.
func (e *Engine) Quality(id domain.ParticipantID, now time.Time) (Quality, bool) {
	p, ok := e.roster.Get(id)
	if !ok {
		return "", false
	}
	return Classify(now.Sub(p.LastUpdate), e.cfg.PoorAfter, e.cfg.LostAfter), true
}
