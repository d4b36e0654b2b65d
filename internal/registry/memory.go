package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/letterlings/internal/domain"
	"github.com/rs/zerolog/log"
)

// Memory is an in-process Registry. Expiry is swept lazily on Create and
// Resolve, so no timer is needed.
type Memory struct {
	mu    sync.Mutex
	opts  Options
	rooms map[domain.RoomCode]Descriptor
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:  opts.withDefaults(),
		rooms: make(map[domain.RoomCode]Descriptor),
	}
}

func (m *Memory) Create(_ context.Context, hostID domain.ParticipantID, levelID domain.LevelID, maxParticipants int) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	m.sweepLocked(now)

	code, err := m.opts.claim(func(code domain.RoomCode) (bool, error) {
		_, taken := m.rooms[code]
		return !taken, nil
	})
	if err != nil {
		log.Error().Err(err).Str("module", "registry").Str("host", string(hostID)).Msg("room code space exhausted")
		return Descriptor{}, err
	}

	d := Descriptor{
		Code:            code,
		HostID:          hostID,
		LevelID:         levelID,
		MaxParticipants: maxParticipants,
		Addr:            m.opts.Addr,
		CreatedAt:       now,
	}
	m.rooms[code] = d
	log.Info().Str("module", "registry").Str("code", string(code)).Str("host", string(hostID)).Msg("room registered")
	return d, nil
}

func (m *Memory) Resolve(_ context.Context, code domain.RoomCode) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.opts.Now())
	d, ok := m.rooms[code]
	if !ok {
		return Descriptor{}, domain.ErrRoomNotFound
	}
	return d, nil
}

func (m *Memory) Remove(_ context.Context, code domain.RoomCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[code]; !ok {
		return domain.ErrRoomNotFound
	}
	delete(m.rooms, code)
	log.Info().Str("module", "registry").Str("code", string(code)).Msg("room unregistered")
	return nil
}

func (m *Memory) Expire(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(now), nil
}

func (m *Memory) List(_ context.Context) ([]Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, 0, len(m.rooms))
	for _, d := range m.rooms {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) sweepLocked(now time.Time) int {
	n := 0
	for code, d := range m.rooms {
		if now.Sub(d.CreatedAt) > m.opts.TTL {
			delete(m.rooms, code)
			n++
		}
	}
	if n > 0 {
		log.Info().Str("module", "registry").Int("expired", n).Msg("expired stale rooms")
	}
	return n
}
