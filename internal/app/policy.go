package app

import "github.com/dkeye/Huddle/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case NoAction:
		return "none"
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	}
	return "unknown"
}

// Policy decides what to do with a peer whose outbound queue is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, peer domain.PeerID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room domain.RoomID, peer domain.PeerID) BackpressureAction {
	return KickMember
}

// TolerantPolicy drops frames for slow peers and never disconnects them.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(room domain.RoomID, peer domain.PeerID) BackpressureAction {
	return DropFrame
}
