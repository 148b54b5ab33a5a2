package rtc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type Config struct {
	MinPort     uint16
	MaxPort     uint16
	ListenIP    string
	AnnouncedIP string
	Codecs      []engine.RtpCodecCapability
}

var _ engine.Router = (*Router)(nil)

// Router is a pion based media router. Transports are ORTC objects, so the
// browser keeps its own SDP and the server only exchanges parameters.
type Router struct {
	api    *webrtc.API
	caps   engine.RtpCapabilities
	queue  *engine.EventQueue
	relays *RelayManager
	logger zerolog.Logger

	died    chan error
	dieOnce sync.Once

	mu         sync.RWMutex
	transports map[string]*transport
	producers  map[string]*producer
	consumers  map[string]*consumer

	forwarded atomic.Uint64
}

func NewRouter(cfg Config) (*Router, error) {
	caps, err := engine.NewRtpCapabilities(cfg.Codecs)
	if err != nil {
		return nil, err
	}

	m := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		typ := webrtc.RTPCodecTypeAudio
		if c.Kind == domain.MediaKindVideo {
			typ = webrtc.RTPCodecTypeVideo
		}
		if err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codecCapability(c.MimeType, c.ClockRate, c.Channels, c.Parameters, c.RtcpFeedback),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, typ); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetLite(true)
	if cfg.MinPort > 0 && cfg.MaxPort >= cfg.MinPort {
		if err := se.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("set rtc port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if listen := net.ParseIP(cfg.ListenIP); listen != nil && !listen.IsUnspecified() {
		se.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listen) })
	}

	r := &Router{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		caps:       caps,
		queue:      engine.NewEventQueue(),
		logger:     log.With().Str("module", "adapters.rtc").Logger(),
		died:       make(chan error, 1),
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
		consumers:  make(map[string]*consumer),
	}
	r.relays = NewRelayManager(&r.forwarded, r.die)
	r.logger.Info().
		Int("codecs", len(caps.Codecs)).
		Uint16("min_port", cfg.MinPort).
		Uint16("max_port", cfg.MaxPort).
		Str("announced_ip", cfg.AnnouncedIP).
		Msg("router ready")
	return r, nil
}

func (r *Router) RtpCapabilities() engine.RtpCapabilities { return r.caps }

func (r *Router) CanConsume(producerID string, caps engine.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	return ok && engine.CanConsume(p.params, caps)
}

func (r *Router) CreateProducerTransport(ctx context.Context, opts engine.TransportOptions) (engine.ProducerTransport, error) {
	t, err := r.newTransport(ctx, "send", opts)
	if err != nil {
		return nil, err
	}
	return &producerTransport{t}, nil
}

func (r *Router) CreateConsumerTransport(ctx context.Context, opts engine.TransportOptions) (engine.ConsumerTransport, error) {
	t, err := r.newTransport(ctx, "recv", opts)
	if err != nil {
		return nil, err
	}
	return &consumerTransport{t}, nil
}

func (r *Router) Events() <-chan engine.Event { return r.queue.C() }

func (r *Router) Died() <-chan error { return r.died }

func (r *Router) Stats() engine.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return engine.Stats{
		Transports:       len(r.transports),
		Producers:        len(r.producers),
		Consumers:        len(r.consumers),
		PacketsForwarded: r.forwarded.Load(),
	}
}

func (r *Router) Close() {
	r.mu.RLock()
	ts := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	r.mu.RUnlock()

	var wg conc.WaitGroup
	for _, t := range ts {
		wg.Go(t.Close)
	}
	wg.Wait()
	r.queue.Close()
	r.logger.Info().Int("transports", len(ts)).Msg("router closed")
}

// die reports an unrecoverable failure once.
func (r *Router) die(err error) {
	r.dieOnce.Do(func() {
		r.logger.Error().Err(err).Msg("media worker failed")
		r.died <- fmt.Errorf("%w: %w", core.ErrFatalEngineFailure, err)
	})
}

func (r *Router) producer(id string) (*producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) consumersOf(producerID string) []*consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*consumer
	for _, c := range r.consumers {
		if c.producer.id == producerID {
			out = append(out, c)
		}
	}
	return out
}

func newID() string { return uuid.NewString() }
