package session

import (
	"encoding/json"
	"time"

	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/netsync"
	"github.com/dkeye/letterlings/internal/proto"
)

// synced runs fn against the mirror. It fails with ErrNotSynchronized
// outside the Synchronized state.
func (s *Session) synced(fn func(e *netsync.Engine) error) error {
	var err error
	s.locked(func() {
		if s.state != Synchronized || s.engine == nil {
			err = ErrNotSynchronized
			return
		}
		err = fn(s.engine)
	})
	return err
}

// UpdateLocal records the local participant's state for the next Tick.
func (s *Session) UpdateLocal(pos, vel domain.Vec2, score int) error {
	return s.synced(func(e *netsync.Engine) error {
		e.SetLocal(pos, vel, score)
		return nil
	})
}

// Tick sends the local delta when the sync interval allows it and reports
// whether anything went out.
func (s *Session) Tick(now time.Time) (bool, error) {
	var sent bool
	err := s.synced(func(e *netsync.Engine) error {
		var err error
		sent, err = e.Tick(now)
		return err
	})
	return sent, err
}

// Render advances interpolation one step. It returns nil when not
// synchronized.
func (s *Session) Render(now time.Time) []netsync.RemoteView {
	var views []netsync.RemoteView
	_ = s.synced(func(e *netsync.Engine) error {
		views = e.Render(now)
		return nil
	})
	return views
}

// Snapshot returns the mirrored roster in join order, local participant
// included.
func (s *Session) Snapshot() []domain.Participant {
	var out []domain.Participant
	_ = s.synced(func(e *netsync.Engine) error {
		out = e.Snapshot()
		return nil
	})
	return out
}

func (s *Session) Quality(id domain.ParticipantID, now time.Time) (netsync.Quality, bool) {
	var (
		q  netsync.Quality
		ok bool
	)
	_ = s.synced(func(e *netsync.Engine) error {
		q, ok = e.Quality(id, now)
		return nil
	})
	return q, ok
}

// Collect claims a letterling. The new score is announced with the claim;
// the host authority rejects claims that lose the race.
func (s *Session) Collect(letterlingID, letter string, points int) error {
	return s.synced(func(e *netsync.Engine) error {
		if s.identity.Role == domain.RoleObserver {
			return domain.ErrReadOnly
		}
		self, _ := e.Participant(e.LocalID())
		score := self.Score + points
		return e.SendEvent(proto.LetterlingCollected{
			PlayerID:     e.LocalID(),
			LetterlingID: letterlingID,
			Letter:       letter,
			Points:       points,
			NewScore:     &score,
		})
	})
}

// Spawn announces a host-created entity.
func (s *Session) Spawn(entityID, kind string, pos domain.Vec2, data json.RawMessage) error {
	return s.synced(func(e *netsync.Engine) error {
		if !s.isHost {
			return domain.ErrNotHost
		}
		return e.SendEvent(proto.EntitySpawned{
			PlayerID: e.LocalID(),
			EntityID: entityID,
			Kind:     kind,
			Position: pos,
			Data:     data,
		})
	})
}

func (s *Session) CompleteLevel(score int, elapsed time.Duration, letters int) error {
	return s.synced(func(e *netsync.Engine) error {
		if s.identity.Role == domain.RoleObserver {
			return domain.ErrReadOnly
		}
		return e.SendEvent(proto.LevelComplete{
			Score:            score,
			Time:             elapsed.Seconds(),
			LettersCollected: letters,
		})
	})
}

// Hint sends an observer message to the players.
func (s *Session) Hint(kind, text string) error {
	return s.synced(func(e *netsync.Engine) error {
		if s.identity.Role != domain.RoleObserver {
			return domain.ErrNotObserver
		}
		return e.SendEvent(proto.Hint{From: e.LocalID(), Kind: kind, Text: text})
	})
}

func (s *Session) StartGame() error {
	return s.synced(func(*netsync.Engine) error {
		if !s.isHost {
			return domain.ErrNotHost
		}
		return s.send(proto.StartGame{})
	})
}

// Resync asks the host authority for a full roster.
func (s *Session) Resync() error {
	return s.synced(func(*netsync.Engine) error {
		return s.send(proto.Resync{})
	})
}

// Ping checks the link. The pong is consumed silently.
func (s *Session) Ping() error {
	return s.synced(func(*netsync.Engine) error {
		return s.send(proto.Ping{})
	})
}
