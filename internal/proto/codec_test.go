package proto

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/dkeye/letterlings/internal/domain"
)

func TestEncodePutsTypeFirst(t *testing.T) {
	data, err := Encode(Welcome{PlayerID: "abc"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"type":"welcome",`) {
		t.Fatalf("unexpected encoding %s", data)
	}

	empty, err := Encode(Ping{})
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	if string(empty) != `{"type":"ping"}` {
		t.Fatalf("unexpected empty encoding %s", empty)
	}
}

func TestDecodeReturnsValueTypes(t *testing.T) {
	score := 7
	data := MustEncode(PlayerUpdate{
		PlayerID:  "p1",
		Position:  &domain.Vec2{X: 10, Y: 20},
		Score:     &score,
		Timestamp: 1234,
	})

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	upd, ok := msg.(PlayerUpdate)
	if !ok {
		t.Fatalf("expected PlayerUpdate value, got %T", msg)
	}
	if upd.Position == nil || upd.Position.X != 10 || upd.Position.Y != 20 {
		t.Fatalf("unexpected position %+v", upd.Position)
	}
	if upd.Velocity != nil {
		t.Fatalf("omitted velocity must stay nil")
	}
	if upd.Score == nil || *upd.Score != 7 {
		t.Fatalf("unexpected score %v", upd.Score)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name string
		data string
		want error
	}{
		{"not json", `{{`, ErrMalformed},
		{"unknown type", `{"type":"teleport"}`, ErrUnknownType},
		{"wrong field type", `{"type":"join","roomCode":12}`, ErrMalformed},
		{"missing room code", `{"type":"join","playerName":"Ada"}`, ErrInvalid},
		{"bad room code", `{"type":"join","roomCode":"12 4"}`, ErrInvalid},
		{"bad role", `{"type":"join","roomCode":"4821","role":"admin"}`, ErrInvalid},
		{"long name", `{"type":"host","levelId":"level-3","playerName":"` + strings.Repeat("a", 40) + `"}`, ErrInvalid},
		{"bad hint kind", `{"type":"hint","kind":"spoiler","text":"look left"}`, ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecodeJoinedRoomSnapshot(t *testing.T) {
	data := `{"type":"joined_room","roomCode":"4821","levelId":"level-3","players":[{"id":"h","name":"Host","emoji":"🦊","isHost":true,"role":"player","position":{"x":1,"y":2},"velocity":{"x":0,"y":0},"score":3}]}`
	msg, err := Decode([]byte(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	joined := msg.(JoinedRoom)
	if len(joined.Players) != 1 || !joined.Players[0].IsHost {
		t.Fatalf("unexpected players %+v", joined.Players)
	}
}

func TestIsEvent(t *testing.T) {
	if !IsEvent(LetterlingCollected{}) || !IsEvent(&EntitySpawned{}) {
		t.Fatalf("world events must bypass the limiter")
	}
	if IsEvent(PlayerUpdate{}) {
		t.Fatalf("player_update is rate limited")
	}
}

func TestSchemaCoversEveryType(t *testing.T) {
	s := Schema()
	if len(s.OneOf) != len(Types()) {
		t.Fatalf("expected %d alternatives, got %d", len(Types()), len(s.OneOf))
	}
	if _, err := json.Marshal(s); err != nil {
		t.Fatalf("schema must marshal: %v", err)
	}
}
