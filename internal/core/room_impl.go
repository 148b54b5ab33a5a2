package core

import (
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is an in-memory room owned by the coordinator loop.
// It holds membership only and never closes peer resources.
type roomImpl struct {
	id         domain.RoomID
	byPeer     map[domain.PeerID]string
	byUsername map[string]domain.PeerID
}

func NewRoomService(id domain.RoomID) RoomService {
	return &roomImpl{
		id:         id,
		byPeer:     make(map[domain.PeerID]string),
		byUsername: make(map[string]domain.PeerID),
	}
}

func (r *roomImpl) ID() domain.RoomID { return r.id }

func (r *roomImpl) MemberCount() int { return len(r.byPeer) }

func (r *roomImpl) HasUsername(username string) bool {
	_, ok := r.byUsername[username]
	return ok
}

func (r *roomImpl) AddMember(id domain.PeerID, username string) {
	r.byPeer[id] = username
	r.byUsername[username] = id
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("sid", string(id)).Str("username", username).Msg("member added")
}

func (r *roomImpl) RemoveMember(id domain.PeerID) {
	username, ok := r.byPeer[id]
	if !ok {
		return
	}
	if r.byUsername[username] == id {
		delete(r.byUsername, username)
	}
	delete(r.byPeer, id)
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("sid", string(id)).Msg("member removed")
}

func (r *roomImpl) Members() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(r.byPeer))
	for id := range r.byPeer {
		out = append(out, id)
	}
	return out
}
