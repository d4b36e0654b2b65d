package domain

import "time"

const DefaultMaxParticipants = 4

type (
	RoomCode string
	LevelID  string
)

type RoomState string

const (
	RoomWaiting   RoomState = "waiting"
	RoomActive    RoomState = "active"
	RoomCompleted RoomState = "completed"
)

type Room struct {
	Code            RoomCode      `json:"roomCode"`
	HostID          ParticipantID `json:"hostId"`
	LevelID         LevelID       `json:"levelId"`
	MaxParticipants int           `json:"maxPlayers"`
	State           RoomState     `json:"state"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Result is one participant's level completion report.
type Result struct {
	PlayerID         ParticipantID `json:"playerId"`
	Name             string        `json:"name"`
	Score            int           `json:"score"`
	Time             float64       `json:"time"`
	LettersCollected int           `json:"lettersCollected"`
}

// Room close reasons carried by room_closed.
const (
	CloseHostDisconnected = "host_disconnected"
	CloseByAdmin          = "closed_by_admin"
	CloseServerShutdown   = "server_shutdown"
	CloseExpired          = "expired"
)
