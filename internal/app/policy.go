package app

import (
	"github.com/dkeye/letterlings/internal/core"
	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/proto"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

func (a BackpressureAction) String() string {
	switch a {
	case DropFrame:
		return "drop"
	case KickMember:
		return "kick"
	default:
		return "none"
	}
}

// Policy decides what happens to a peer whose send queue refused m.
type Policy interface {
	OnBackPressure(room domain.RoomCode, peer core.PeerID, m proto.Message) BackpressureAction
}

// SimplePolicy drops rate-limited state updates, which the next tick
// supersedes, and kicks peers that cannot keep up with events. A kicked
// joiner reconnects and resyncs.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ domain.RoomCode, _ core.PeerID, m proto.Message) BackpressureAction {
	if proto.IsEvent(m) {
		return KickMember
	}
	switch m.(type) {
	case proto.PlayerUpdate, proto.Pong:
		return DropFrame
	}
	return KickMember
}
