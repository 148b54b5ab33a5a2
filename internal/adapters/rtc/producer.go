package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var _ engine.Producer = (*producer)(nil)

type producer struct {
	transport *transport
	id        string
	kind      domain.MediaKind
	params    engine.RtpParameters
	ssrc      uint32
	receiver  *webrtc.RTPReceiver
	relay     *Relay
	logger    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (t *producerTransport) Produce(ctx context.Context, opts engine.ProduceOptions) (engine.Producer, error) {
	codec, ok := engine.MediaCodec(opts.RtpParameters)
	if !ok {
		return nil, fmt.Errorf("%w: no media codec in rtp parameters", core.ErrBadRequest)
	}
	if len(opts.RtpParameters.Encodings) == 0 || opts.RtpParameters.Encodings[0].Ssrc == 0 {
		return nil, fmt.Errorf("%w: producer encodings need an ssrc", core.ErrBadRequest)
	}
	ssrc := opts.RtpParameters.Encodings[0].Ssrc

	typ := webrtc.RTPCodecTypeAudio
	if opts.Kind == domain.MediaKindVideo {
		typ = webrtc.RTPCodecTypeVideo
	}
	if err := t.waitConnected(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.router.api.NewRTPReceiver(typ, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("%w: rtp receiver: %w", core.ErrEngine, err)
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	}); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("%w: receive: %w", core.ErrEngine, err)
	}

	p := &producer{
		transport: t.transport,
		id:        newID(),
		kind:      opts.Kind,
		params:    opts.RtpParameters,
		ssrc:      ssrc,
		receiver:  receiver,
	}
	p.logger = t.logger.With().Str("producer_id", p.id).Str("kind", string(p.kind)).Logger()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, fmt.Errorf("%w: transport %s closed", core.ErrEngine, t.id)
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	p.relay = t.router.relays.StartRelay(p.id, receiver.Track(), &p.logger)
	if opts.Paused {
		p.relay.SetPaused(true)
	}
	go p.drainRTCP()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	p.logger.Info().Uint32("ssrc", ssrc).Str("codec", codec.MimeType).Msg("producer created")
	return p, nil
}

func (p *producer) ID() string             { return p.id }
func (p *producer) Kind() domain.MediaKind { return p.kind }
func (p *producer) Paused() bool           { return p.relay.Paused() }

func (p *producer) Pause(ctx context.Context) error  { return p.setPaused(true) }
func (p *producer) Resume(ctx context.Context) error { return p.setPaused(false) }

func (p *producer) setPaused(paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: producer %s closed", core.ErrEngine, p.id)
	}
	p.relay.SetPaused(paused)
	if !paused {
		p.requestKeyFrame()
	}
	p.logger.Debug().Bool("paused", paused).Msg("producer state")
	return nil
}

// requestKeyFrame asks the publisher for a fresh key frame.
func (p *producer) requestKeyFrame() {
	if p.kind != domain.MediaKindVideo {
		return
	}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: p.ssrc},
	}); err != nil {
		p.logger.Debug().Err(err).Msg("pli write failed")
	}
}

// drainRTCP keeps the receiver interceptors running.
func (p *producer) drainRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := p.receiver.Read(buf); err != nil {
			return
		}
	}
}

// Close stops the receiver and closes dependent consumers.
func (p *producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	router := p.transport.router
	for _, c := range router.consumersOf(p.id) {
		c.Close()
	}
	router.relays.StopRelay(p.id)
	if err := p.receiver.Stop(); err != nil {
		p.logger.Debug().Err(err).Msg("receiver stop")
	}
	p.transport.forget(p.id, "")

	router.mu.Lock()
	delete(router.producers, p.id)
	router.mu.Unlock()
	router.queue.Push(engine.Event{Type: engine.EventProducerClosed, ID: p.id})
	p.logger.Info().Msg("producer closed")
}
