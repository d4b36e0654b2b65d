package orch

import (
	"context"
	"time"

	"github.com/dkeye/letterlings/internal/app"
	"github.com/dkeye/letterlings/internal/core"
	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/proto"
	"github.com/dkeye/letterlings/internal/roster"
	"github.com/rs/zerolog/log"
)

const archiveTimeout = 5 * time.Second

// member resolves the sender's room and roster entry. Messages from peers
// outside any room are answered with room_not_found.
func (o *Orchestrator) member(peer core.PeerID) (*app.Room, domain.Participant, bool) {
	room, ok := o.roomOf(peer)
	if !ok {
		o.reject(peer, domain.ErrRoomNotFound)
		return nil, domain.Participant{}, false
	}
	p, ok := room.Roster.Get(domain.ParticipantID(peer))
	if !ok {
		o.reject(peer, domain.ErrUnknownParticipant)
		return nil, domain.Participant{}, false
	}
	return room, p, true
}

// player is member restricted to player-role participants.
func (o *Orchestrator) player(peer core.PeerID) (*app.Room, domain.Participant, bool) {
	room, p, ok := o.member(peer)
	if !ok {
		return nil, p, false
	}
	if p.IsObserver() {
		o.reject(peer, domain.ErrReadOnly)
		return nil, p, false
	}
	return room, p, true
}

func (o *Orchestrator) handleUpdate(peer core.PeerID, m proto.PlayerUpdate) {
	room, p, ok := o.player(peer)
	if !ok {
		return
	}
	now := o.Now()
	m.PlayerID = p.ID
	u := roster.StateUpdate{Position: m.Position, Velocity: m.Velocity, Score: m.Score, At: now}
	if err := room.Roster.ApplyRemoteUpdate(p.ID, u); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("apply update")
		return
	}

	// Senders only ship changed fields, so an update over the limit still
	// lands in the roster and the next relayed one carries the full state.
	if !o.limiter.Allow(string(peer), now) {
		o.held[peer] = true
		log.Debug().Str("module", "orch").Str("peer", string(peer)).Msg("update over inbound limit, relay held")
		return
	}
	if o.held[peer] {
		delete(o.held, peer)
		if cur, ok := room.Roster.Get(p.ID); ok {
			m.Position, m.Velocity, m.Score = &cur.Position, &cur.Velocity, &cur.Score
		}
	}
	o.fanout(room, m, p.ID)
}

func (o *Orchestrator) handleCollected(peer core.PeerID, m proto.LetterlingCollected) {
	room, p, ok := o.player(peer)
	if !ok {
		return
	}
	if !room.Claim(m.LetterlingID, p.ID) {
		o.reject(peer, domain.ErrAlreadyCollected)
		return
	}

	m.PlayerID = p.ID
	if m.NewScore == nil {
		score := p.Score + m.Points
		m.NewScore = &score
	}
	score := *m.NewScore
	_ = room.Roster.ApplyRemoteUpdate(p.ID, roster.StateUpdate{Score: &score, At: o.Now()})
	o.fanout(room, m, p.ID)
}

func (o *Orchestrator) handleSpawn(peer core.PeerID, m proto.EntitySpawned) {
	room, p, ok := o.member(peer)
	if !ok {
		return
	}
	if !p.IsHost {
		o.reject(peer, domain.ErrNotHost)
		return
	}
	m.PlayerID = p.ID
	o.fanout(room, m, p.ID)
}

func (o *Orchestrator) handleLevelComplete(peer core.PeerID, m proto.LevelComplete) {
	room, p, ok := o.player(peer)
	if !ok {
		return
	}
	room.RecordResult(domain.Result{
		PlayerID:         p.ID,
		Name:             p.DisplayName,
		Score:            m.Score,
		Time:             m.Time,
		LettersCollected: m.LettersCollected,
	})
	score := m.Score
	_ = room.Roster.ApplyRemoteUpdate(p.ID, roster.StateUpdate{Score: &score})
	log.Info().Str("module", "orch").Str("room", string(room.Info.Code)).Str("peer", string(peer)).Int("score", m.Score).Msg("level complete")
	o.maybeComplete(room)
}

func (o *Orchestrator) handleHint(peer core.PeerID, m proto.Hint) {
	room, p, ok := o.member(peer)
	if !ok {
		return
	}
	if !p.IsObserver() {
		o.reject(peer, domain.ErrNotObserver)
		return
	}
	m.From = p.ID
	exclude := []domain.ParticipantID{p.ID}
	for _, other := range room.Roster.Snapshot() {
		if other.IsObserver() {
			exclude = append(exclude, other.ID)
		}
	}
	o.fanout(room, m, exclude...)
}

func (o *Orchestrator) handleResync(peer core.PeerID) {
	room, _, ok := o.member(peer)
	if !ok {
		return
	}
	o.send(room.Info.Code, peer, proto.Roster{Players: room.Roster.Snapshot()})
}

// maybeComplete ends the run once every player has reported.
func (o *Orchestrator) maybeComplete(room *app.Room) {
	if room.Info.State == domain.RoomCompleted || !room.Completed() {
		return
	}
	room.Info.State = domain.RoomCompleted
	results := room.Results()
	o.fanout(room, proto.GameEnded{Results: results})
	log.Info().Str("module", "orch").Str("room", string(room.Info.Code)).Int("results", len(results)).Msg("game ended")

	if o.Archive == nil {
		return
	}
	info := room.Info
	o.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := o.Archive.SaveResults(ctx, info, results); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("room", string(info.Code)).Msg("archive results")
		}
	})
}
