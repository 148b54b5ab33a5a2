package orch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type JoinResult struct {
	User       domain.User     `json:"user"`
	OtherUsers []domain.Member `json:"otherUsers"`
}

type Identity struct {
	PeerID   domain.PeerID `json:"peerId"`
	Username string        `json:"username,omitempty"`
	Room     domain.RoomID `json:"room,omitempty"`
	HasAudio bool          `json:"hasAudio"`
	HasVideo bool          `json:"hasVideo"`
}

func (o *Orchestrator) Join(ctx context.Context, id domain.PeerID, username, roomID string) (JoinResult, error) {
	user, err := domain.NewUser(id, username)
	if err != nil {
		return JoinResult{}, fmt.Errorf("%w: %w", core.ErrBadRequest, err)
	}
	room, err := domain.NewRoomID(roomID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("%w: %w", core.ErrBadRequest, err)
	}

	ctx, cancel := o.bounded(ctx)
	defer cancel()
	return onLoop(ctx, o, func() (JoinResult, error) {
		if _, ok := o.Registry.Lookup(id); ok {
			return JoinResult{}, fmt.Errorf("peer %s already joined: %w", id, core.ErrAlreadyExists)
		}
		if err := o.Rooms.Join(room, id, user.Username); err != nil {
			if errors.Is(err, core.ErrDuplicateUsername) {
				o.notify(id, core.Event{Type: core.EventUsernameExists, Payload: map[string]string{"username": user.Username}})
			}
			log.Info().Str("module", "app.orch").Str("sid", string(id)).Str("room", string(room)).Err(err).Msg("join rejected")
			return JoinResult{}, err
		}

		peer := app.NewPeer(*user, room)
		if err := o.Registry.Register(peer); err != nil {
			o.Rooms.Leave(room, id)
			return JoinResult{}, err
		}

		others := make([]domain.Member, 0)
		for _, mid := range o.Rooms.MembersOf(room) {
			if mid == id {
				continue
			}
			if p, ok := o.Registry.Lookup(mid); ok {
				others = append(others, p.Member())
			}
		}
		slices.SortFunc(others, func(a, b domain.Member) int {
			switch {
			case a.Username < b.Username:
				return -1
			case a.Username > b.Username:
				return 1
			}
			return 0
		})

		o.broadcast(room, id, core.Event{Type: core.EventUserJoined, Payload: peer.Member()})
		log.Info().Str("module", "app.orch").Str("sid", string(id)).Str("room", string(room)).Int("others", len(others)).Msg("joined room")
		return JoinResult{User: *user, OtherUsers: others}, nil
	})
}

// Leave removes the peer from its room and closes everything it owns.
// The signaling connection stays bound.
func (o *Orchestrator) Leave(ctx context.Context, id domain.PeerID) error {
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	closers, err := onLoop(ctx, o, func() ([]func(), error) {
		closers, ok := o.removePeerLocked(id)
		if !ok {
			return nil, fmt.Errorf("peer %s: %w", id, core.ErrNotFound)
		}
		return closers, nil
	})
	runAll(closers)
	return err
}

// Disconnect is called when the signaling connection is gone.
func (o *Orchestrator) Disconnect(id domain.PeerID) {
	ctx, cancel := o.bounded(context.Background())
	defer cancel()
	var closers []func()
	err := o.exec(ctx, func() {
		closers, _ = o.removePeerLocked(id)
		o.Registry.Unbind(id)
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("sid", string(id)).Msg("disconnect")
	}
	runAll(closers)
}

// removePeerLocked unregisters the peer, notifies the room and returns the
// engine closes to run off the loop.
func (o *Orchestrator) removePeerLocked(id domain.PeerID) ([]func(), bool) {
	peer, ok := o.Registry.Lookup(id)
	if !ok {
		return nil, false
	}
	var closers []func()
	for pid, e := range peer.Producers {
		closers = append(closers, o.closeProducerLocked(peer, pid, e)...)
	}
	for cid, e := range peer.Consumers {
		o.Registry.RemoveConsumer(cid)
		closers = append(closers, e.Consumer.Close)
	}
	if peer.ProducerTransport != nil {
		closers = append(closers, peer.ProducerTransport.Close)
	}
	if peer.ConsumerTransport != nil {
		closers = append(closers, peer.ConsumerTransport.Close)
	}
	o.Registry.Remove(id)
	o.Rooms.Leave(peer.Room, id)
	o.broadcast(peer.Room, id, core.Event{Type: core.EventUserDisconnected, Payload: core.PeerRef{PeerID: id}})
	log.Info().Str("module", "app.orch").Str("sid", string(id)).Str("room", string(peer.Room)).Int("resources", len(closers)).Msg("peer removed")
	return closers, true
}

func (o *Orchestrator) Whoami(ctx context.Context, id domain.PeerID) (Identity, error) {
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	return onLoop(ctx, o, func() (Identity, error) {
		peer, ok := o.Registry.Lookup(id)
		if !ok {
			return Identity{PeerID: id}, nil
		}
		return Identity{
			PeerID:   id,
			Username: peer.User.Username,
			Room:     peer.Room,
			HasAudio: peer.HasAudio,
			HasVideo: peer.HasVideo,
		}, nil
	})
}

// Relay forwards an opaque payload (chat, drawing) to the rest of the room.
func (o *Orchestrator) Relay(ctx context.Context, id domain.PeerID, payload any) error {
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	_, err := onLoop(ctx, o, func() (struct{}, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return struct{}{}, err
		}
		o.broadcast(peer.Room, id, core.Event{Type: core.EventRelay, Payload: core.RelayPayload{From: id, Payload: payload}})
		return struct{}{}, nil
	})
	return err
}

func (o *Orchestrator) ListRooms(ctx context.Context) ([]core.RoomInfo, error) {
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	return onLoop(ctx, o, func() ([]core.RoomInfo, error) {
		return o.Rooms.List(), nil
	})
}

func (o *Orchestrator) Members(ctx context.Context, roomID domain.RoomID) ([]domain.Member, error) {
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	return onLoop(ctx, o, func() ([]domain.Member, error) {
		if _, ok := o.Rooms.Get(roomID); !ok {
			return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
		}
		ids := o.Rooms.MembersOf(roomID)
		out := make([]domain.Member, 0, len(ids))
		for _, id := range ids {
			if p, ok := o.Registry.Lookup(id); ok {
				out = append(out, p.Member())
			}
		}
		return out, nil
	})
}

// EvictRoom removes every member of a room and drops their connections.
func (o *Orchestrator) EvictRoom(ctx context.Context, roomID domain.RoomID) error {
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	closers, err := onLoop(ctx, o, func() ([]func(), error) {
		if _, ok := o.Rooms.Get(roomID); !ok {
			return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
		}
		var closers []func()
		for _, id := range o.Rooms.MembersOf(roomID) {
			c, _ := o.removePeerLocked(id)
			closers = append(closers, c...)
			o.Registry.Cancel(id)
		}
		o.Rooms.StopRoom(roomID)
		return closers, nil
	})
	runAll(closers)
	if err == nil {
		log.Info().Str("module", "app.orch").Str("room", string(roomID)).Msg("room evicted")
	}
	return err
}
