// Package engine is the facade between the coordinator and a media engine.
// Implementations live in adapters; tests use enginetest.
package engine

import (
	"context"

	"github.com/dkeye/Huddle/internal/domain"
)

// Router is one media routing context shared by every room.
type Router interface {
	RtpCapabilities() RtpCapabilities
	// CanConsume reports whether a subscriber with caps can receive producerID.
	CanConsume(producerID string, caps RtpCapabilities) bool

	CreateProducerTransport(ctx context.Context, opts TransportOptions) (ProducerTransport, error)
	CreateConsumerTransport(ctx context.Context, opts TransportOptions) (ConsumerTransport, error)

	// Events delivers closures initiated by the engine.
	Events() <-chan Event
	// Died yields one error wrapping core.ErrFatalEngineFailure if the engine stops.
	Died() <-chan error
	Stats() Stats
	Close()
}

type Transport interface {
	ID() string
	Parameters() TransportParameters
	Connect(ctx context.Context, params ConnectParams) error
	SetMaxIncomingBitrate(bps uint64) error
	Close()
}

type ProducerTransport interface {
	Transport
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
}

type ConsumerTransport interface {
	Transport
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close()
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	RtpParameters() RtpParameters
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	RequestKeyFrame(ctx context.Context) error
	Close()
}
