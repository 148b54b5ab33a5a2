package app

import (
	"context"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
)

type ProducerEntry struct {
	Producer engine.Producer
	Kind     domain.MediaKind
	Paused   bool
}

// ConsumerEntry tracks why a consumer is paused. The engine consumer is
// paused while either flag is set.
type ConsumerEntry struct {
	Consumer           engine.Consumer
	ProducerID         string
	Kind               domain.MediaKind
	PausedBySubscriber bool
	PausedByProducer   bool
}

func (c *ConsumerEntry) Paused() bool {
	return c.PausedBySubscriber || c.PausedByProducer
}

// Peer is a joined participant and everything it owns.
// Only the coordinator loop reads or writes it.
type Peer struct {
	User domain.User
	Room domain.RoomID

	Caps              *engine.RtpCapabilities
	ProducerTransport engine.ProducerTransport
	ConsumerTransport engine.ConsumerTransport
	Producers         map[string]*ProducerEntry
	Consumers         map[string]*ConsumerEntry

	HasAudio bool
	HasVideo bool
}

func NewPeer(user domain.User, room domain.RoomID) *Peer {
	return &Peer{
		User:      user,
		Room:      room,
		Producers: make(map[string]*ProducerEntry),
		Consumers: make(map[string]*ConsumerEntry),
	}
}

func (p *Peer) ID() domain.PeerID { return p.User.ID }

func (p *Peer) Member() domain.Member {
	return domain.NewMember(p.User, p.HasAudio, p.HasVideo)
}

// SetMediaFlag updates HasAudio/HasVideo and reports whether it changed.
func (p *Peer) SetMediaFlag(kind domain.MediaKind, enabled bool) bool {
	flag := &p.HasAudio
	if kind == domain.MediaKindVideo {
		flag = &p.HasVideo
	}
	if *flag == enabled {
		return false
	}
	*flag = enabled
	return true
}

// ProducersOfKind returns the ids of the peer's producers of kind.
func (p *Peer) ProducersOfKind(kind domain.MediaKind) []string {
	out := make([]string, 0, len(p.Producers))
	for id, e := range p.Producers {
		if e.Kind == kind {
			out = append(out, id)
		}
	}
	return out
}

// ConsumerOf returns the consumer the peer already holds for producerID.
func (p *Peer) ConsumerOf(producerID string) (string, *ConsumerEntry, bool) {
	for id, e := range p.Consumers {
		if e.ProducerID == producerID {
			return id, e, true
		}
	}
	return "", nil, false
}

// conn is the signaling side of a connected client, joined or not.
type conn struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}
