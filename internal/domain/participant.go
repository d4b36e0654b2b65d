// Package domain contains entities without transport logic, just game meta-data
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxDisplayNameLen = 36
	MaxAvatarLen      = 16

	DefaultDisplayName = "Player"
)

var (
	ErrNameTooLong   = errors.New("display name too long")
	ErrAvatarTooLong = errors.New("avatar token too long")
)

type ParticipantID string

// NewParticipantID returns a fresh opaque connection identity.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

type Role string

const (
	RolePlayer   Role = "player"
	RoleObserver Role = "observer"
)

// Valid reports whether r is a known role. The empty role is treated as player.
func (r Role) Valid() bool {
	return r == "" || r == RolePlayer || r == RoleObserver
}

type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec2) Add(o Vec2) Vec2       { return Vec2{X: v.X + o.X, Y: v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2       { return Vec2{X: v.X - o.X, Y: v.Y - o.Y} }
func (v Vec2) Scale(k float64) Vec2  { return Vec2{X: v.X * k, Y: v.Y * k} }
func (v Vec2) LenSq() float64        { return v.X*v.X + v.Y*v.Y }
func (v Vec2) DistSq(o Vec2) float64 { return v.Sub(o).LenSq() }

// Participant is one connection's membership in a room plus its
// last-known game state. Only the owning participant originates writes
// to Position, Velocity and Score.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"name"`
	AvatarToken string        `json:"emoji"`
	IsHost      bool          `json:"isHost"`
	Role        Role          `json:"role"`
	Position    Vec2          `json:"position"`
	Velocity    Vec2          `json:"velocity"`
	Score       int           `json:"score"`
	LastUpdate  time.Time     `json:"-"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id ParticipantID, name, avatar string, role Role) (Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultDisplayName
	}
	if len(name) > MaxDisplayNameLen {
		return Participant{}, ErrNameTooLong
	}
	if len(avatar) > MaxAvatarLen {
		return Participant{}, ErrAvatarTooLong
	}
	if role == "" {
		role = RolePlayer
	}
	return Participant{
		ID:          id,
		DisplayName: name,
		AvatarToken: avatar,
		Role:        role,
	}, nil
}

func (p Participant) IsObserver() bool { return p.Role == RoleObserver }
