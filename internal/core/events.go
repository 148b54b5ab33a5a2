package core

import "github.com/dkeye/Huddle/internal/domain"

type EventType string

// Room-wide events.
const (
	EventUserJoined        EventType = "user-joined"
	EventUserDisconnected  EventType = "user-disconnected"
	EventVideoStateChanged EventType = "video-state-changed"
	EventAudioStateChanged EventType = "audio-state-changed"
	EventNewProducer       EventType = "new-producer"
	EventRelay             EventType = "relay"
)

// Events addressed to a single peer.
const (
	EventUsernameExists  EventType = "username-exists"
	EventConsumerClosed  EventType = "consumer-closed"
	EventConsumerPaused  EventType = "consumer-paused"
	EventConsumerResumed EventType = "consumer-resumed"
	EventProducerClosed  EventType = "producer-closed"
)

// Event is a notification produced by the coordinator for the fan-out.
type Event struct {
	Type    EventType
	Payload any
}

func (e Event) Message() Message {
	return Message{Type: string(e.Type), Data: e.Payload}
}

// StateChangedEvent returns the kind-specific state change event.
func StateChangedEvent(kind domain.MediaKind, peer domain.PeerID, enabled bool) Event {
	typ := EventAudioStateChanged
	if kind == domain.MediaKindVideo {
		typ = EventVideoStateChanged
	}
	return Event{Type: typ, Payload: StateChange{PeerID: peer, Enabled: enabled}}
}

type StateChange struct {
	PeerID  domain.PeerID `json:"peerId"`
	Enabled bool          `json:"enabled"`
}

type PeerRef struct {
	PeerID domain.PeerID `json:"peerId"`
}

type ConsumerRef struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId,omitempty"`
}

type ProducerInfo struct {
	PeerID     domain.PeerID    `json:"peerId"`
	ProducerID string           `json:"producerId"`
	Kind       domain.MediaKind `json:"kind"`
}

type RelayPayload struct {
	From    domain.PeerID `json:"from"`
	Payload any           `json:"payload"`
}
