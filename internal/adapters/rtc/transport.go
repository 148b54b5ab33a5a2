package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const rembInterval = 2 * time.Second

var (
	_ engine.ProducerTransport = (*producerTransport)(nil)
	_ engine.ConsumerTransport = (*consumerTransport)(nil)
)

type transport struct {
	router *Router
	id     string
	dir    string
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport
	params   engine.TransportParameters

	connected chan struct{}
	done      chan struct{}

	mu         sync.Mutex
	started    bool
	closed     bool
	maxBitrate uint64
	producers  map[string]*producer
	consumers  map[string]*consumer
}

func (r *Router) newTransport(ctx context.Context, dir string, opts engine.TransportOptions) (*transport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: ice gatherer: %w", core.ErrEngine, err)
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("%w: dtls transport: %w", core.ErrEngine, err)
	}

	t := &transport{
		router:    r,
		id:        newID(),
		dir:       dir,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}
	t.logger = r.logger.With().Str("transport_id", t.id).Str("direction", dir).Logger()
	if opts.EnableSctp {
		t.sctp = r.api.NewSCTPTransport(dtls)
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		t.stop()
		return nil, fmt.Errorf("%w: gather: %w", core.ErrEngine, err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		t.stop()
		return nil, ctx.Err()
	}

	cands, err := gatherer.GetLocalCandidates()
	if err != nil {
		t.stop()
		return nil, fmt.Errorf("%w: local candidates: %w", core.ErrEngine, err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		t.stop()
		return nil, fmt.Errorf("%w: local ice parameters: %w", core.ErrEngine, err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		t.stop()
		return nil, fmt.Errorf("%w: local dtls parameters: %w", core.ErrEngine, err)
	}
	t.params = engine.TransportParameters{
		ID:             t.id,
		IceParameters:  iceParameters(iceParams),
		IceCandidates:  iceCandidates(cands),
		DtlsParameters: dtlsParameters(dtlsParams),
	}
	if t.sctp != nil {
		t.params.SctpParameters = &engine.SctpParameters{
			Port:           5000,
			OS:             1024,
			MIS:            1024,
			MaxMessageSize: t.sctp.GetCapabilities().MaxMessageSize,
		}
	}

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		t.logger.Debug().Str("state", state.String()).Msg("ice state")
		if state == webrtc.ICETransportStateFailed || state == webrtc.ICETransportStateClosed {
			t.closeWithReason("ice " + state.String())
		}
	})
	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		t.logger.Debug().Str("state", state.String()).Msg("dtls state")
		if state == webrtc.DTLSTransportStateFailed {
			t.closeWithReason("dtls failed")
		}
	})

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	t.logger.Info().Int("candidates", len(cands)).Msg("transport created")
	return t, nil
}

func (t *transport) ID() string { return t.id }

func (t *transport) Parameters() engine.TransportParameters { return t.params }

// Connect starts ICE and DTLS in the background and returns once the remote
// side is accepted. Producing waits for the handshake to finish.
func (t *transport) Connect(ctx context.Context, params engine.ConnectParams) error {
	if params.IceParameters == nil {
		return fmt.Errorf("%w: ice parameters are required", core.ErrBadRequest)
	}
	remoteDTLS, err := remoteDTLS(params.DtlsParameters)
	if err != nil {
		return err
	}
	cands, err := remoteCandidates(params.IceCandidates)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport %s closed", core.ErrEngine, t.id)
	}
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport %s already connected", core.ErrEngine, t.id)
	}
	t.started = true
	t.mu.Unlock()

	if err := t.ice.SetRemoteCandidates(cands); err != nil {
		return fmt.Errorf("%w: remote candidates: %w", core.ErrEngine, err)
	}
	remoteICE := webrtc.ICEParameters{
		UsernameFragment: params.IceParameters.UsernameFragment,
		Password:         params.IceParameters.Password,
		ICELite:          params.IceParameters.IceLite,
	}
	go t.handshake(remoteICE, remoteDTLS)
	return nil
}

func (t *transport) handshake(remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, remoteICE, &role); err != nil {
		t.logger.Warn().Err(err).Msg("ice start failed")
		t.closeWithReason("ice start failed")
		return
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		t.logger.Warn().Err(err).Msg("dtls handshake failed")
		t.closeWithReason("dtls handshake failed")
		return
	}
	if t.sctp != nil {
		if err := t.sctp.Start(webrtc.SCTPCapabilities{MaxMessageSize: t.params.SctpParameters.MaxMessageSize}); err != nil {
			t.logger.Warn().Err(err).Msg("sctp start failed")
		}
	}
	close(t.connected)
	t.logger.Info().Msg("transport connected")
	if t.dir == "send" {
		go t.rembLoop()
	}
}

func (t *transport) waitConnected(ctx context.Context) error {
	select {
	case <-t.connected:
		return nil
	case <-t.done:
		return fmt.Errorf("%w: transport %s closed", core.ErrEngine, t.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *transport) SetMaxIncomingBitrate(bps uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: transport %s closed", core.ErrEngine, t.id)
	}
	t.maxBitrate = bps
	return nil
}

// rembLoop caps what publishers send on this transport.
func (t *transport) rembLoop() {
	ticker := time.NewTicker(rembInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		bps := t.maxBitrate
		ssrcs := make([]uint32, 0, len(t.producers))
		for _, p := range t.producers {
			ssrcs = append(ssrcs, p.ssrc)
		}
		t.mu.Unlock()
		if bps == 0 || len(ssrcs) == 0 {
			continue
		}
		if _, err := t.dtls.WriteRTCP([]rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{
			Bitrate: float32(bps),
			SSRCs:   ssrcs,
		}}); err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Debug().Err(err).Msg("remb write failed")
		}
	}
}

func (t *transport) Close() { t.closeWithReason("") }

func (t *transport) closeWithReason(reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.done)
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	t.stop()

	t.router.mu.Lock()
	delete(t.router.transports, t.id)
	t.router.mu.Unlock()
	t.router.queue.Push(engine.Event{Type: engine.EventTransportClosed, ID: t.id, Reason: reason})
	t.logger.Info().Str("reason", reason).Msg("transport closed")
}

func (t *transport) stop() {
	if t.sctp != nil {
		if err := t.sctp.Stop(); err != nil {
			t.logger.Debug().Err(err).Msg("sctp stop")
		}
	}
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debug().Err(err).Msg("gatherer close")
	}
}

func (t *transport) forget(producerID, consumerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if producerID != "" {
		delete(t.producers, producerID)
	}
	if consumerID != "" {
		delete(t.consumers, consumerID)
	}
}

type producerTransport struct{ *transport }

type consumerTransport struct{ *transport }
