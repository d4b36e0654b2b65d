// Package proto defines the JSON wire messages exchanged between
// participants and the room host. Every message is a JSON object with a
// "type" discriminator.
package proto

import (
	"encoding/json"

	"github.com/dkeye/letterlings/internal/domain"
)

const (
	TypeWelcome             = "welcome"
	TypeHost                = "host"
	TypeRoomCreated         = "room_created"
	TypeJoin                = "join"
	TypeJoinedRoom          = "joined_room"
	TypePlayerJoined        = "player_joined"
	TypePlayerLeft          = "player_left"
	TypePlayerUpdate        = "player_update"
	TypeLetterlingCollected = "letterling_collected"
	TypeEntitySpawned       = "entity_spawned"
	TypeLevelComplete       = "level_complete"
	TypeGameStarted         = "game_started"
	TypeGameEnded           = "game_ended"
	TypeRoomClosed          = "room_closed"
	TypeError               = "error"
	TypeLeave               = "leave"
	TypeStartGame           = "start_game"
	TypeHint                = "hint"
	TypeResync              = "resync"
	TypeRoster              = "roster"
	TypePing                = "ping"
	TypePong                = "pong"
)

// Message is implemented by every wire message.
type Message interface {
	MessageType() string
}

// Welcome assigns the connection identity.
type Welcome struct {
	PlayerID domain.ParticipantID `json:"playerId" validate:"required"`
}

// Host asks for a new room.
type Host struct {
	LevelID     domain.LevelID `json:"levelId" validate:"required,max=64"`
	PlayerName  string         `json:"playerName" validate:"max=36"`
	PlayerEmoji string         `json:"playerEmoji" validate:"max=16"`
	MaxPlayers  int            `json:"maxPlayers,omitempty" validate:"omitempty,min=1,max=16"`
}

type RoomCreated struct {
	RoomCode   domain.RoomCode      `json:"roomCode" validate:"required,roomcode"`
	PlayerID   domain.ParticipantID `json:"playerId" validate:"required"`
	LevelID    domain.LevelID       `json:"levelId,omitempty"`
	MaxPlayers int                  `json:"maxPlayers,omitempty" validate:"gte=0"`
}

type Join struct {
	RoomCode    domain.RoomCode `json:"roomCode" validate:"required,roomcode"`
	PlayerName  string          `json:"playerName" validate:"max=36"`
	PlayerEmoji string          `json:"playerEmoji" validate:"max=16"`
	Role        domain.Role     `json:"role,omitempty" validate:"omitempty,oneof=player observer"`
}

// JoinedRoom confirms a join and carries the roster snapshot in join order.
type JoinedRoom struct {
	RoomCode   domain.RoomCode      `json:"roomCode" validate:"required,roomcode"`
	LevelID    domain.LevelID       `json:"levelId"`
	PlayerID   domain.ParticipantID `json:"playerId,omitempty"`
	State      domain.RoomState     `json:"state,omitempty"`
	Players    []domain.Participant `json:"players" validate:"dive"`
	MaxPlayers int                  `json:"maxPlayers,omitempty" validate:"gte=0"`
}

type PlayerJoined struct {
	Player domain.Participant `json:"player"`
}

type PlayerLeft struct {
	PlayerID domain.ParticipantID `json:"playerId" validate:"required"`
}

// PlayerUpdate carries only the fields changed since the sender's last tick.
type PlayerUpdate struct {
	PlayerID  domain.ParticipantID `json:"playerId,omitempty"`
	Position  *domain.Vec2         `json:"position,omitempty"`
	Velocity  *domain.Vec2         `json:"velocity,omitempty"`
	Score     *int                 `json:"score,omitempty"`
	Timestamp int64                `json:"timestamp"`
}

// LetterlingCollected is a world event. Letter and NewScore are optional
// application-defined fields.
type LetterlingCollected struct {
	PlayerID     domain.ParticipantID `json:"playerId,omitempty"`
	LetterlingID string               `json:"letterlingId" validate:"required,max=64"`
	Letter       string               `json:"letter,omitempty" validate:"max=8"`
	Points       int                  `json:"points"`
	NewScore     *int                 `json:"newScore,omitempty"`
}

// EntitySpawned is a host-originated world event with an opaque payload.
type EntitySpawned struct {
	PlayerID domain.ParticipantID `json:"playerId,omitempty"`
	EntityID string               `json:"entityId" validate:"required,max=64"`
	Kind     string               `json:"kind" validate:"required,max=32"`
	Position domain.Vec2          `json:"position"`
	Data     json.RawMessage      `json:"data,omitempty"`
}

type LevelComplete struct {
	Score            int     `json:"score" validate:"min=0"`
	Time             float64 `json:"time" validate:"min=0"`
	LettersCollected int     `json:"lettersCollected" validate:"min=0"`
}

type GameStarted struct {
	RoomCode domain.RoomCode `json:"roomCode"`
}

type GameEnded struct {
	Results map[domain.ParticipantID]domain.Result `json:"results"`
}

type RoomClosed struct {
	Reason string `json:"reason"`
}

type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type Leave struct{}

type StartGame struct{}

// Hint is an observer-originated message relayed to players.
type Hint struct {
	From domain.ParticipantID `json:"from,omitempty"`
	Kind string               `json:"kind" validate:"required,oneof=hint encouragement challenge"`
	Text string               `json:"text" validate:"required,max=280"`
}

type Resync struct{}

type Roster struct {
	Players []domain.Participant `json:"players"`
}

type Ping struct{}

type Pong struct{}

func (Welcome) MessageType() string             { return TypeWelcome }
func (Host) MessageType() string                { return TypeHost }
func (RoomCreated) MessageType() string         { return TypeRoomCreated }
func (Join) MessageType() string                { return TypeJoin }
func (JoinedRoom) MessageType() string          { return TypeJoinedRoom }
func (PlayerJoined) MessageType() string        { return TypePlayerJoined }
func (PlayerLeft) MessageType() string          { return TypePlayerLeft }
func (PlayerUpdate) MessageType() string        { return TypePlayerUpdate }
func (LetterlingCollected) MessageType() string { return TypeLetterlingCollected }
func (EntitySpawned) MessageType() string       { return TypeEntitySpawned }
func (LevelComplete) MessageType() string       { return TypeLevelComplete }
func (GameStarted) MessageType() string         { return TypeGameStarted }
func (GameEnded) MessageType() string           { return TypeGameEnded }
func (RoomClosed) MessageType() string          { return TypeRoomClosed }
func (Error) MessageType() string               { return TypeError }
func (Leave) MessageType() string               { return TypeLeave }
func (StartGame) MessageType() string           { return TypeStartGame }
func (Hint) MessageType() string                { return TypeHint }
func (Resync) MessageType() string              { return TypeResync }
func (Roster) MessageType() string              { return TypeRoster }
func (Ping) MessageType() string                { return TypePing }
func (Pong) MessageType() string                { return TypePong }

// NewError builds an error message from a domain error.
func NewError(err error) Error {
	return Error{Code: domain.Reason(err), Message: err.Error()}
}

// IsEvent reports whether m bypasses the outbound rate limiter.
func IsEvent(m Message) bool {
	switch m.(type) {
	case LetterlingCollected, *LetterlingCollected, EntitySpawned, *EntitySpawned,
		LevelComplete, *LevelComplete, Hint, *Hint:
		return true
	}
	return false
}
