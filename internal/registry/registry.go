// Package registry maps shareable room codes to the host that owns them.
package registry

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/dkeye/letterlings/internal/domain"
)

const (
	DefaultTTL      = time.Hour
	DefaultAttempts = 10

	// Codes are numeric. NarrowWidth is tried first, WideWidth once the
	// narrow space keeps colliding.
	NarrowWidth = 4
	WideWidth   = 6
)

// Descriptor is what a joiner needs to reach a room.
type Descriptor struct {
	Code            domain.RoomCode      `json:"roomCode"`
	HostID          domain.ParticipantID `json:"hostId"`
	LevelID         domain.LevelID       `json:"levelId"`
	MaxParticipants int                  `json:"maxPlayers"`
	Addr            string               `json:"addr,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
}

// Registry is shared by every session of a process and serializes
// code-uniqueness checks.
type Registry interface {
	Create(ctx context.Context, hostID domain.ParticipantID, levelID domain.LevelID, maxParticipants int) (Descriptor, error)
	Resolve(ctx context.Context, code domain.RoomCode) (Descriptor, error)
	Remove(ctx context.Context, code domain.RoomCode) error
	Expire(ctx context.Context, now time.Time) (int, error)
	List(ctx context.Context) ([]Descriptor, error)
}

type Options struct {
	TTL      time.Duration
	Attempts int
	// Addr is stamped on every descriptor.
	Addr string
	// Code returns a code of the given width. Nil means crypto/rand digits.
	Code func(width int) string
	Now  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Code == nil {
		o.Code = RandomDigits
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// RandomDigits returns a zero-padded decimal code of the given width.
func RandomDigits(width int) string {
	buf := make([]byte, width)
	ten := big.NewInt(10)
	for i := range buf {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(err)
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf)
}

// claim offers codes narrow-first, then wide, Attempts of each, until
// try accepts one. It fails with domain.ErrRegistryExhausted when every
// candidate collides.
func (o Options) claim(try func(code domain.RoomCode) (bool, error)) (domain.RoomCode, error) {
	for _, width := range []int{NarrowWidth, WideWidth} {
		for i := 0; i < o.Attempts; i++ {
			code := domain.RoomCode(o.Code(width))
			ok, err := try(code)
			if err != nil {
				return "", err
			}
			if ok {
				return code, nil
			}
		}
	}
	return "", domain.ErrRegistryExhausted
}
