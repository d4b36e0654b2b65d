package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/letterlings/internal/app"
	"github.com/dkeye/letterlings/internal/core"
	"github.com/dkeye/letterlings/internal/domain"
	"github.com/dkeye/letterlings/internal/proto"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleHost(peer core.PeerID, m proto.Host) {
	if code, ok := o.Sessions.RoomOf(peer); ok {
		log.Info().Str("module", "orch").Str("peer", string(peer)).Str("room", string(code)).Msg("host while in a room")
		o.reject(peer, domain.ErrAlreadyInRoom)
		return
	}
	id := domain.ParticipantID(peer)
	p, err := domain.NewParticipant(id, m.PlayerName, m.PlayerEmoji, domain.RolePlayer)
	if err != nil {
		o.reject(peer, fmt.Errorf("%w: %v", domain.ErrBadPayload, err))
		return
	}
	p.IsHost = true

	// A host may ask for fewer seats than configured, never more.
	capacity := o.cfg.MaxParticipants
	if m.MaxPlayers > 0 {
		capacity = min(m.MaxPlayers, capacity)
	}
	ctx, cancel := o.registryCtx()
	defer cancel()
	desc, err := o.Registry.Create(ctx, id, m.LevelID, capacity)
	if err != nil {
		o.reject(peer, err)
		return
	}
	// The registry only reissues a code once its entry expired, so a live
	// room still holding it is stale.
	if stale, ok := o.Rooms.Get(desc.Code); ok {
		o.fanout(stale, proto.RoomClosed{Reason: domain.CloseExpired})
		o.detach(stale)
		log.Info().Str("module", "orch").Str("room", string(desc.Code)).Msg("stale room closed before reuse")
	}

	room := app.NewRoom(domain.Room{
		Code:            desc.Code,
		HostID:          id,
		LevelID:         desc.LevelID,
		MaxParticipants: desc.MaxParticipants,
		State:           domain.RoomWaiting,
		CreatedAt:       desc.CreatedAt,
	})
	if err := room.Roster.Join(p); err != nil {
		o.reject(peer, err)
		_ = o.Registry.Remove(ctx, desc.Code)
		return
	}
	o.Rooms.Add(room)
	o.Sessions.UpdateRoom(peer, desc.Code, p.DisplayName)

	o.send(desc.Code, peer, proto.RoomCreated{
		RoomCode:   desc.Code,
		PlayerID:   id,
		LevelID:    desc.LevelID,
		MaxPlayers: desc.MaxParticipants,
	})
	log.Info().Str("module", "orch").Str("room", string(desc.Code)).Str("host", string(id)).Str("level", string(desc.LevelID)).Msg("room created")
}

func (o *Orchestrator) handleJoin(peer core.PeerID, m proto.Join) {
	if _, ok := o.Sessions.RoomOf(peer); ok {
		o.reject(peer, domain.ErrAlreadyInRoom)
		return
	}
	ctx, cancel := o.registryCtx()
	defer cancel()
	if _, err := o.Registry.Resolve(ctx, m.RoomCode); err != nil {
		o.reject(peer, err)
		return
	}
	room, ok := o.Rooms.Get(m.RoomCode)
	if !ok {
		// The code is registered by another process.
		o.reject(peer, domain.ErrRoomNotFound)
		return
	}

	id := domain.ParticipantID(peer)
	p, err := domain.NewParticipant(id, m.PlayerName, m.PlayerEmoji, m.Role)
	if err != nil {
		o.reject(peer, fmt.Errorf("%w: %v", domain.ErrBadPayload, err))
		return
	}
	if err := room.Roster.Join(p); err != nil {
		o.reject(peer, err)
		return
	}
	o.Sessions.UpdateRoom(peer, room.Info.Code, p.DisplayName)

	o.send(room.Info.Code, peer, proto.JoinedRoom{
		RoomCode:   room.Info.Code,
		LevelID:    room.Info.LevelID,
		PlayerID:   id,
		State:      room.Info.State,
		Players:    room.Roster.Snapshot(),
		MaxPlayers: room.Info.MaxParticipants,
	})
	o.fanout(room, proto.PlayerJoined{Player: p}, id)
	log.Info().Str("module", "orch").Str("room", string(room.Info.Code)).Str("peer", string(peer)).Str("role", string(p.Role)).Msg("joined room")

	if o.cfg.AutoStart && room.Roster.Full() && room.Info.State == domain.RoomWaiting {
		o.start(room)
	}
}

func (o *Orchestrator) handleStart(peer core.PeerID) {
	room, ok := o.roomOf(peer)
	if !ok {
		o.reject(peer, domain.ErrRoomNotFound)
		return
	}
	if room.Info.HostID != domain.ParticipantID(peer) {
		o.reject(peer, domain.ErrNotHost)
		return
	}
	if room.Info.State == domain.RoomActive {
		return
	}
	o.start(room)
}

func (o *Orchestrator) start(room *app.Room) {
	room.Reset()
	room.Info.State = domain.RoomActive
	o.fanout(room, proto.GameStarted{RoomCode: room.Info.Code})
	log.Info().Str("module", "orch").Str("room", string(room.Info.Code)).Msg("game started")
}

func (o *Orchestrator) roomOf(peer core.PeerID) (*app.Room, bool) {
	code, ok := o.Sessions.RoomOf(peer)
	if !ok {
		return nil, false
	}
	return o.Rooms.Get(code)
}

// depart removes peer from its room. A departing host takes the room
// down with it.
func (o *Orchestrator) depart(peer core.PeerID) {
	room, ok := o.roomOf(peer)
	o.Sessions.RemoveRoom(peer)
	if !ok {
		return
	}
	id := domain.ParticipantID(peer)

	if room.Info.HostID == id {
		o.closeRoom(room, domain.CloseHostDisconnected, id)
		return
	}

	if _, ok := room.Roster.Leave(id); !ok {
		return
	}
	o.fanout(room, proto.PlayerLeft{PlayerID: id})
	log.Info().Str("module", "orch").Str("room", string(room.Info.Code)).Str("peer", string(peer)).Msg("left room")

	if room.Roster.Len() == 0 {
		o.destroy(room)
		return
	}
	if room.Info.State == domain.RoomActive {
		o.maybeComplete(room)
	}
	if room.Info.State == domain.RoomActive && room.Roster.Len() < 2 {
		room.Info.State = domain.RoomWaiting
		log.Info().Str("module", "orch").Str("room", string(room.Info.Code)).Msg("room back to waiting")
	}
}

// closeRoom tells every participant except the excluded ones that the room
// is gone, then destroys it. Participants stay connected and may host or
// join again.
func (o *Orchestrator) closeRoom(room *app.Room, reason string, exclude ...domain.ParticipantID) {
	o.fanout(room, proto.RoomClosed{Reason: reason}, exclude...)
	o.destroy(room)
	log.Info().Str("module", "orch").Str("room", string(room.Info.Code)).Str("reason", reason).Msg("room closed")
}

func (o *Orchestrator) destroy(room *app.Room) {
	ctx, cancel := o.registryCtx()
	defer cancel()
	if err := o.Registry.Remove(ctx, room.Info.Code); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room", string(room.Info.Code)).Msg("registry remove")
	}
	o.detach(room)
}

// detach drops the live room and its memberships. The registry entry is
// left alone.
func (o *Orchestrator) detach(room *app.Room) {
	for _, peer := range o.Sessions.MembersOfRoom(room.Info.Code) {
		o.Sessions.RemoveRoom(peer)
	}
	o.Rooms.StopRoom(room.Info.Code)
}

// CloseRoom is the administrative close.
func (o *Orchestrator) CloseRoom(code domain.RoomCode) error {
	err := domain.ErrRoomNotFound
	o.locked(func() {
		room, ok := o.Rooms.Get(code)
		if !ok {
			return
		}
		o.closeRoom(room, domain.CloseByAdmin)
		err = nil
	})
	return err
}

// Expire sweeps expired registry entries and closes live rooms whose code
// no longer resolves.
func (o *Orchestrator) Expire(ctx context.Context) (int, error) {
	n, err := o.Registry.Expire(ctx, o.Now())
	if err != nil {
		return 0, err
	}
	o.locked(func() {
		for _, room := range o.Rooms.All() {
			if _, rerr := o.Registry.Resolve(ctx, room.Info.Code); errors.Is(rerr, domain.ErrRoomNotFound) {
				o.closeRoom(room, domain.CloseExpired)
			}
		}
	})
	return n, nil
}
