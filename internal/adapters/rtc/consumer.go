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

var _ engine.Consumer = (*consumer)(nil)

type consumer struct {
	transport *transport
	producer  *producer
	id        string
	params    engine.RtpParameters
	sender    *webrtc.RTPSender
	out       *OutTrack
	logger    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (t *consumerTransport) Consume(ctx context.Context, opts engine.ConsumeOptions) (engine.Consumer, error) {
	p, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("producer %s: %w", opts.ProducerID, core.ErrNotFound)
	}
	params, err := engine.ConsumerRtpParameters(p.params, opts.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	codec := params.Codecs[0]
	id := newID()

	local, err := webrtc.NewTrackLocalStaticRTP(
		codecCapability(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters, codec.RtcpFeedback),
		id, p.id,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: local track: %w", core.ErrEngine, err)
	}
	sender, err := t.router.api.NewRTPSender(local, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("%w: rtp sender: %w", core.ErrEngine, err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("%w: send: %w", core.ErrEngine, err)
	}
	if len(sendParams.Encodings) > 0 {
		params.Encodings[0].Ssrc = uint32(sendParams.Encodings[0].SSRC)
	}
	params.Rtcp = &engine.RtcpParameters{Cname: p.id, ReducedSize: true}

	c := &consumer{
		transport: t.transport,
		producer:  p,
		id:        id,
		params:    params,
		sender:    sender,
		out:       NewOutTrack(id, local),
	}
	c.logger = t.logger.With().Str("consumer_id", id).Str("producer_id", p.id).Logger()
	if opts.Paused {
		c.out.MarkMuted()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, fmt.Errorf("%w: transport %s closed", core.ErrEngine, t.id)
	}
	t.consumers[id] = c
	t.mu.Unlock()

	if !t.router.relays.AddOutTrack(p.id, c.out) {
		c.Close()
		return nil, fmt.Errorf("producer %s: %w", p.id, core.ErrNotFound)
	}
	go c.readRTCP()

	t.router.mu.Lock()
	t.router.consumers[id] = c
	t.router.mu.Unlock()
	c.logger.Info().Uint32("ssrc", params.Encodings[0].Ssrc).Bool("paused", opts.Paused).Msg("consumer created")
	return c, nil
}

func (c *consumer) ID() string                          { return c.id }
func (c *consumer) ProducerID() string                  { return c.producer.id }
func (c *consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *consumer) RtpParameters() engine.RtpParameters { return c.params }
func (c *consumer) Paused() bool                        { return c.out.GetState() == TrackStateMuted }

func (c *consumer) Pause(ctx context.Context) error {
	return c.setState(TrackStateMuted)
}

func (c *consumer) Resume(ctx context.Context) error {
	return c.setState(TrackStateOk)
}

func (c *consumer) setState(state TrackState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.out.GetState() == TrackStateDelete {
		return fmt.Errorf("%w: consumer %s closed", core.ErrEngine, c.id)
	}
	if state == TrackStateMuted {
		c.out.MarkMuted()
	} else {
		c.out.MarkOk()
	}
	return nil
}

func (c *consumer) RequestKeyFrame(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: consumer %s closed", core.ErrEngine, c.id)
	}
	c.producer.requestKeyFrame()
	return nil
}

// readRTCP relays key frame requests from the subscriber to the publisher.
func (c *consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame()
			}
		}
	}
}

func (c *consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.out.MarkDelete()
	if err := c.sender.Stop(); err != nil {
		c.logger.Debug().Err(err).Msg("sender stop")
	}
	c.transport.forget("", c.id)

	router := c.transport.router
	router.mu.Lock()
	delete(router.consumers, c.id)
	router.mu.Unlock()
	router.queue.Push(engine.Event{Type: engine.EventConsumerClosed, ID: c.id})
	c.logger.Info().Msg("consumer closed")
}
