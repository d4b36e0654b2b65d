// Package roster holds the participants of one room and their last-known
// state. The host holds the authoritative copy, every other participant a
// mirror. A Roster is not safe for concurrent use; its owner serializes
// access.
package roster

import (
	"time"

	"github.com/dkeye/letterlings/internal/domain"
)

// StateUpdate is a partial write of a participant's game state. Nil fields
// are left untouched.
type StateUpdate struct {
	Position *domain.Vec2
	Velocity *domain.Vec2
	Score    *int
	At       time.Time
}

func (u StateUpdate) apply(p *domain.Participant) {
	if u.Position != nil {
		p.Position = *u.Position
	}
	if u.Velocity != nil {
		p.Velocity = *u.Velocity
	}
	if u.Score != nil {
		p.Score = *u.Score
	}
	if !u.At.IsZero() {
		p.LastUpdate = u.At
	}
}

type Roster struct {
	localID domain.ParticipantID
	max     int
	order   []domain.ParticipantID
	byID    map[domain.ParticipantID]*domain.Participant
}

// New returns an empty roster. localID is the participant this process
// speaks for; it is empty on the host authority side.
func New(localID domain.ParticipantID, maxParticipants int) *Roster {
	if maxParticipants <= 0 {
		maxParticipants = domain.DefaultMaxParticipants
	}
	return &Roster{
		localID: localID,
		max:     maxParticipants,
		byID:    make(map[domain.ParticipantID]*domain.Participant),
	}
}

func (r *Roster) LocalID() domain.ParticipantID { return r.localID }
func (r *Roster) Max() int                      { return r.max }
func (r *Roster) Len() int                      { return len(r.order) }
func (r *Roster) Full() bool                    { return len(r.order) >= r.max }

// Join appends p in join order.
func (r *Roster) Join(p domain.Participant) error {
	if _, ok := r.byID[p.ID]; ok {
		return domain.ErrDuplicateParticipant
	}
	if r.Full() {
		return domain.ErrRoomFull
	}
	if p.IsHost {
		if _, ok := r.Host(); ok {
			return domain.ErrHostExists
		}
	}
	cp := p
	r.byID[p.ID] = &cp
	r.order = append(r.order, p.ID)
	return nil
}

// Leave removes id and returns what was known about it.
func (r *Roster) Leave(id domain.ParticipantID) (domain.Participant, bool) {
	p, ok := r.byID[id]
	if !ok {
		return domain.Participant{}, false
	}
	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return *p, true
}

// ApplyRemoteUpdate merges a state write received from the network.
// Updates naming the local participant are refused: local state is only
// ever authored locally.
func (r *Roster) ApplyRemoteUpdate(id domain.ParticipantID, u StateUpdate) error {
	if r.localID != "" && id == r.localID {
		return domain.ErrInvalidUpdateSource
	}
	p, ok := r.byID[id]
	if !ok {
		return domain.ErrUnknownParticipant
	}
	u.apply(p)
	return nil
}

// SetLocal writes the local participant's own state.
func (r *Roster) SetLocal(u StateUpdate) error {
	p, ok := r.byID[r.localID]
	if r.localID == "" || !ok {
		return domain.ErrUnknownParticipant
	}
	u.apply(p)
	return nil
}

func (r *Roster) Get(id domain.ParticipantID) (domain.Participant, bool) {
	p, ok := r.byID[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

func (r *Roster) Contains(id domain.ParticipantID) bool {
	_, ok := r.byID[id]
	return ok
}

func (r *Roster) Host() (domain.Participant, bool) {
	for _, id := range r.order {
		if p := r.byID[id]; p.IsHost {
			return *p, true
		}
	}
	return domain.Participant{}, false
}

// Snapshot returns copies of all participants in join order.
func (r *Roster) Snapshot() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Players returns the ids of player-role participants in join order.
func (r *Roster) Players() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(r.order))
	for _, id := range r.order {
		if !r.byID[id].IsObserver() {
			out = append(out, id)
		}
	}
	return out
}

// Replace swaps the whole membership for a snapshot received from the
// host. Duplicate ids and extra hosts in the snapshot are dropped.
func (r *Roster) Replace(snapshot []domain.Participant, at time.Time) {
	r.order = r.order[:0]
	r.byID = make(map[domain.ParticipantID]*domain.Participant, len(snapshot))
	hasHost := false
	for _, p := range snapshot {
		if _, dup := r.byID[p.ID]; dup {
			continue
		}
		if p.IsHost {
			if hasHost {
				p.IsHost = false
			}
			hasHost = true
		}
		cp := p
		if cp.LastUpdate.IsZero() {
			cp.LastUpdate = at
		}
		r.byID[p.ID] = &cp
		r.order = append(r.order, p.ID)
	}
}

// Reset empties the roster.
func (r *Roster) Reset() {
	r.order = nil
	r.byID = make(map[domain.ParticipantID]*domain.Participant)
}
