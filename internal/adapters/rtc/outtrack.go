package rtc

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

func (s TrackState) String() string {
	switch s {
	case TrackStateOk:
		return "ok"
	case TrackStateMuted:
		return "muted"
	case TrackStateDelete:
		return "delete"
	}
	return "unknown"
}

// OutTrack is the sending side of one consumer. A muted track is a paused
// consumer; delete is terminal.
type OutTrack struct {
	ConsumerID string
	Track      *webrtc.TrackLocalStaticRTP
	state      atomic.Int32
}

func NewOutTrack(consumerID string, track *webrtc.TrackLocalStaticRTP) *OutTrack {
	return &OutTrack{ConsumerID: consumerID, Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() { ot.transition(TrackStateOk) }

func (ot *OutTrack) MarkMuted() { ot.transition(TrackStateMuted) }

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

// transition never leaves the delete state.
func (ot *OutTrack) transition(to TrackState) {
	for {
		cur := ot.state.Load()
		if TrackState(cur) == TrackStateDelete {
			return
		}
		if ot.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}
