package core

import (
	"github.com/dkeye/Huddle/internal/domain"
)

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches peer resources.
type RoomService interface {
	ID() domain.RoomID
	MemberCount() int
	Members() []domain.PeerID

	HasUsername(username string) bool
	AddMember(id domain.PeerID, username string)
	RemoveMember(id domain.PeerID)
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"memberCount"`
}
