package app

import (
	"fmt"
	"slices"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomDirectory maps room ids to their membership. Rooms are created on
// first join and dropped when the last member leaves.
// Owned by the coordinator loop.
type RoomDirectory struct {
	rooms map[domain.RoomID]core.RoomService
}

func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{rooms: make(map[domain.RoomID]core.RoomService)}
}

func (d *RoomDirectory) Get(id domain.RoomID) (core.RoomService, bool) {
	room, ok := d.rooms[id]
	return room, ok
}

// Join adds the peer to the room, creating the room on demand.
func (d *RoomDirectory) Join(id domain.RoomID, peer domain.PeerID, username string) error {
	if d.HasUsername(id, username) {
		return fmt.Errorf("%q in room %s: %w", username, id, core.ErrDuplicateUsername)
	}
	room, ok := d.rooms[id]
	if !ok {
		room = core.NewRoomService(id)
		d.rooms[id] = room
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
	}
	room.AddMember(peer, username)
	return nil
}

func (d *RoomDirectory) HasUsername(id domain.RoomID, username string) bool {
	room, ok := d.rooms[id]
	return ok && room.HasUsername(username)
}

func (d *RoomDirectory) Leave(id domain.RoomID, peer domain.PeerID) {
	room, ok := d.rooms[id]
	if !ok {
		return
	}
	room.RemoveMember(peer)
	if room.MemberCount() == 0 {
		d.StopRoom(id)
	}
}

// MembersOf returns a snapshot of the room's member ids.
func (d *RoomDirectory) MembersOf(id domain.RoomID) []domain.PeerID {
	room, ok := d.rooms[id]
	if !ok {
		return nil
	}
	return room.Members()
}

func (d *RoomDirectory) List() []core.RoomInfo {
	out := make([]core.RoomInfo, 0, len(d.rooms))
	for id, r := range d.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: r.MemberCount()})
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (d *RoomDirectory) StopRoom(id domain.RoomID) {
	if _, ok := d.rooms[id]; !ok {
		return
	}
	delete(d.rooms, id)
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room removed")
}
