package app

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/roster"
)

// Room is the authoritative state of one live room. Its fields are owned
// by whoever serializes protocol handling for the room.
type Room struct {
	Info   domain.Room
	Roster *roster.Roster

	// collected maps a letterling id to the participant whose claim won.
	collected map[string]domain.ParticipantID
	results   map[domain.ParticipantID]domain.Result
}

func NewRoom(info domain.Room) *Room {
	if info.State == "" {
		info.State = domain.RoomWaiting
	}
	return &Room{
		Info:      info,
		Roster:    roster.New("", info.MaxParticipants),
		collected: make(map[string]domain.ParticipantID),
		results:   make(map[domain.ParticipantID]domain.Result),
	}
}

// Claim records the first claim on a letterling. It reports false if
// someone already holds it.
func (r *Room) Claim(letterling string, by domain.ParticipantID) bool {
	if _, taken := r.collected[letterling]; taken {
		return false
	}
	r.collected[letterling] = by
	return true
}

func (r *Room) RecordResult(res domain.Result) {
	r.results[res.PlayerID] = res
}

// Completed reports whether every player-role participant has reported.
// Observers never report. A room without players is never completed.
func (r *Room) Completed() bool {
	players := r.Roster.Players()
	if len(players) == 0 {
		return false
	}
	for _, id := range players {
		if _, ok := r.results[id]; !ok {
			return false
		}
	}
	return true
}

// Results returns the reports of participants still in the room.
func (r *Room) Results() map[domain.ParticipantID]domain.Result {
	out := make(map[domain.ParticipantID]domain.Result, len(r.results))
	for id, res := range r.results {
		if r.Roster.Contains(id) {
			out[id] = res
		}
	}
	return out
}

// Reset clears per-run state when a new run starts.
func (r *Room) Reset() {
	r.collected = make(map[string]domain.ParticipantID)
	r.results = make(map[domain.ParticipantID]domain.Result)
}

type RoomInfo struct {
	Code            domain.RoomCode  `json:"roomCode"`
	LevelID         domain.LevelID   `json:"levelId"`
	State           domain.RoomState `json:"state"`
	Players         int              `json:"players"`
	MaxParticipants int              `json:"maxPlayers"`
	CreatedAt       time.Time        `json:"createdAt"`
}

func (r *Room) InfoSnapshot() RoomInfo {
	return RoomInfo{
		Code:            r.Info.Code,
		LevelID:         r.Info.LevelID,
		State:           r.Info.State,
		Players:         r.Roster.Len(),
		MaxParticipants: r.Roster.Max(),
		CreatedAt:       r.Info.CreatedAt,
	}
}

// RoomManager holds the live rooms of this process by code.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[domain.RoomCode]*Room
}

func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[domain.RoomCode]*Room)}
}

func (m *RoomManager) Add(room *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.Info.Code] = room
}

func (m *RoomManager) Get(code domain.RoomCode) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[code]
	return r, ok
}

func (m *RoomManager) StopRoom(code domain.RoomCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, code)
}

// All returns the live rooms ordered by creation time.
func (m *RoomManager) All() []*Room {
	m.mu.RLock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Info.CreatedAt.Before(out[j].Info.CreatedAt) })
	return out
}

func (m *RoomManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
