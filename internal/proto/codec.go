package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
	ErrInvalid     = errors.New("invalid message")
)

var factories = map[string]func() Message{
	TypeWelcome:             func() Message { return &Welcome{} },
	TypeHost:                func() Message { return &Host{} },
	TypeRoomCreated:         func() Message { return &RoomCreated{} },
	TypeJoin:                func() Message { return &Join{} },
	TypeJoinedRoom:          func() Message { return &JoinedRoom{} },
	TypePlayerJoined:        func() Message { return &PlayerJoined{} },
	TypePlayerLeft:          func() Message { return &PlayerLeft{} },
	TypePlayerUpdate:        func() Message { return &PlayerUpdate{} },
	TypeLetterlingCollected: func() Message { return &LetterlingCollected{} },
	TypeEntitySpawned:       func() Message { return &EntitySpawned{} },
	TypeLevelComplete:       func() Message { return &LevelComplete{} },
	TypeGameStarted:         func() Message { return &GameStarted{} },
	TypeGameEnded:           func() Message { return &GameEnded{} },
	TypeRoomClosed:          func() Message { return &RoomClosed{} },
	TypeError:               func() Message { return &Error{} },
	TypeLeave:               func() Message { return &Leave{} },
	TypeStartGame:           func() Message { return &StartGame{} },
	TypeHint:                func() Message { return &Hint{} },
	TypeResync:              func() Message { return &Resync{} },
	TypeRoster:              func() Message { return &Roster{} },
	TypePing:                func() Message { return &Ping{} },
	TypePong:                func() Message { return &Pong{} },
}

var roomCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{4,8}$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorEngine() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("roomcode", func(fl validator.FieldLevel) bool {
			return roomCodePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidRoomCode reports whether code has the shape of a room code.
func ValidRoomCode(code string) bool {
	return roomCodePattern.MatchString(code)
}

// Encode serializes m with its "type" discriminator first.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + len(m.MessageType()) + 12)
	buf.WriteString(`{"type":`)
	typ, _ := json.Marshal(m.MessageType())
	buf.Write(typ)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MustEncode is Encode for messages that cannot fail to marshal.
func MustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses and validates a frame. The returned Message is a value
// (proto.Join, not *proto.Join) so callers can type-switch on it.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	mk, ok := factories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	ptr := mk()
	if err := json.Unmarshal(data, ptr); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	if err := validatorEngine().Struct(ptr); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, env.Type, err)
	}
	return reflect.ValueOf(ptr).Elem().Interface().(Message), nil
}

// Types lists every registered message type.
func Types() []string {
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	return out
}
