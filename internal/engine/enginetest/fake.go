// Package enginetest provides an in-memory engine.Router for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
)

// Op names an engine call that can fail or be intercepted.
type Op int

const (
	OpCreateTransport Op = iota
	OpConnect
	OpSetMaxBitrate
	OpProduce
	OpConsume
	OpProducerPause
	OpProducerResume
	OpConsumerPause
	OpConsumerResume
)

var (
	_ engine.Router            = (*Router)(nil)
	_ engine.ProducerTransport = (*Transport)(nil)
	_ engine.ConsumerTransport = (*Transport)(nil)
	_ engine.Producer          = (*Producer)(nil)
	_ engine.Consumer          = (*Consumer)(nil)
)

type Router struct {
	caps   engine.RtpCapabilities
	queue  *engine.EventQueue
	died   chan error
	killed sync.Once

	mu         sync.Mutex
	seq        int
	failures   map[Op]error
	hooks      map[Op]func()
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

func NewRouter() *Router {
	caps, err := engine.NewRtpCapabilities(nil)
	if err != nil {
		panic(err)
	}
	return &Router{
		caps:       caps,
		queue:      engine.NewEventQueue(),
		died:       make(chan error, 1),
		failures:   make(map[Op]error),
		hooks:      make(map[Op]func()),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
}

// Fail makes every later call of op return err. A nil err clears it.
func (r *Router) Fail(op Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, op)
		return
	}
	r.failures[op] = fmt.Errorf("%w: %w", core.ErrEngine, err)
}

// Hook runs fn at the start of every later call of op, without locks held.
func (r *Router) Hook(op Op, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.hooks, op)
		return
	}
	r.hooks[op] = fn
}

// Kill simulates the engine worker dying.
func (r *Router) Kill() {
	r.killed.Do(func() {
		r.died <- fmt.Errorf("worker exited: %w", core.ErrFatalEngineFailure)
	})
}

func (r *Router) enter(ctx context.Context, op Op) error {
	r.mu.Lock()
	hook := r.hooks[op]
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[op]
}

func (r *Router) nextID(prefix string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *Router) RtpCapabilities() engine.RtpCapabilities { return r.caps }

func (r *Router) CanConsume(producerID string, caps engine.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	return ok && engine.CanConsume(p.params, caps)
}

func (r *Router) CreateProducerTransport(ctx context.Context, opts engine.TransportOptions) (engine.ProducerTransport, error) {
	return r.createTransport(ctx, "send")
}

func (r *Router) CreateConsumerTransport(ctx context.Context, opts engine.TransportOptions) (engine.ConsumerTransport, error) {
	return r.createTransport(ctx, "recv")
}

func (r *Router) createTransport(ctx context.Context, dir string) (*Transport, error) {
	if err := r.enter(ctx, OpCreateTransport); err != nil {
		return nil, err
	}
	t := &Transport{router: r, id: r.nextID("transport-" + dir), dir: dir}
	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) Events() <-chan engine.Event { return r.queue.C() }

func (r *Router) Died() <-chan error { return r.died }

func (r *Router) Stats() engine.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return engine.Stats{
		Transports: len(r.transports),
		Producers:  len(r.producers),
		Consumers:  len(r.consumers),
	}
}

func (r *Router) Close() {
	r.mu.Lock()
	ts := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	r.mu.Unlock()
	for _, t := range ts {
		t.Close()
	}
	r.queue.Close()
}

// Transport returns a live transport by id.
func (r *Router) Transport(id string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[id]
	return t, ok
}

// Producer returns a live producer by id.
func (r *Router) Producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// Consumer returns a live consumer by id.
func (r *Router) Consumer(id string) (*Consumer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[id]
	return c, ok
}

// ConsumersOf returns live consumers of producerID.
func (r *Router) ConsumersOf(producerID string) []*Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Consumer
	for _, c := range r.consumers {
		if c.producerID == producerID {
			out = append(out, c)
		}
	}
	return out
}

type Transport struct {
	router *Router
	id     string
	dir    string

	mu          sync.Mutex
	connected   bool
	closed      bool
	maxBitrate  uint64
	connectArgs engine.ConnectParams
	producers   []*Producer
	consumers   []*Consumer
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Parameters() engine.TransportParameters {
	return engine.TransportParameters{
		ID:            t.id,
		IceParameters: engine.IceParameters{UsernameFragment: "ufrag-" + t.id, Password: "pwd-" + t.id, IceLite: true},
		IceCandidates: []engine.IceCandidate{{
			Foundation: "udpcandidate", Priority: 1076302079, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host",
		}},
		DtlsParameters: engine.DtlsParameters{
			Role:         "auto",
			Fingerprints: []engine.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) Connect(ctx context.Context, params engine.ConnectParams) error {
	if err := t.router.enter(ctx, OpConnect); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed: %w", core.ErrEngine)
	}
	if t.connected {
		return fmt.Errorf("transport already connected: %w", core.ErrEngine)
	}
	t.connected = true
	t.connectArgs = params
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) MaxIncomingBitrate() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxBitrate
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) SetMaxIncomingBitrate(bps uint64) error {
	if err := t.router.enter(context.Background(), OpSetMaxBitrate); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxBitrate = bps
	return nil
}

func (t *Transport) Produce(ctx context.Context, opts engine.ProduceOptions) (engine.Producer, error) {
	if err := t.router.enter(ctx, OpProduce); err != nil {
		return nil, err
	}
	if _, ok := engine.MediaCodec(opts.RtpParameters); !ok {
		return nil, fmt.Errorf("no media codec in rtp parameters: %w", core.ErrEngine)
	}
	p := &Producer{
		router:    t.router,
		transport: t,
		id:        t.router.nextID("producer"),
		kind:      opts.Kind,
		params:    opts.RtpParameters,
		paused:    opts.Paused,
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed: %w", core.ErrEngine)
	}
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts engine.ConsumeOptions) (engine.Consumer, error) {
	if err := t.router.enter(ctx, OpConsume); err != nil {
		return nil, err
	}
	p, ok := t.router.Producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("producer %s: %w", opts.ProducerID, core.ErrNotFound)
	}
	params, err := engine.ConsumerRtpParameters(p.params, opts.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		router:     t.router,
		transport:  t,
		id:         t.router.nextID("consumer"),
		producerID: p.id,
		kind:       p.kind,
		params:     params,
		paused:     opts.Paused,
	}
	c.params.Encodings[0].Ssrc = uint32(1000 + len(c.id))
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed: %w", core.ErrEngine)
	}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.consumers[c.id] = c
	t.router.mu.Unlock()
	return c, nil
}

// Close closes the transport and everything created on it, emitting closure events.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers, consumers := t.producers, t.consumers
	t.producers, t.consumers = nil, nil
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	t.router.mu.Lock()
	delete(t.router.transports, t.id)
	t.router.mu.Unlock()
	t.router.queue.Push(engine.Event{Type: engine.EventTransportClosed, ID: t.id})
}

// Fail simulates an ICE/DTLS failure closing the transport from the engine side.
func (t *Transport) Fail() { t.Close() }

type Producer struct {
	router    *Router
	transport *Transport
	id        string
	kind      domain.MediaKind
	params    engine.RtpParameters

	mu     sync.Mutex
	paused bool
	closed bool
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Pause(ctx context.Context) error {
	if err := p.router.enter(ctx, OpProducerPause); err != nil {
		return err
	}
	return p.setPaused(true)
}

func (p *Producer) Resume(ctx context.Context) error {
	if err := p.router.enter(ctx, OpProducerResume); err != nil {
		return err
	}
	return p.setPaused(false)
}

func (p *Producer) setPaused(paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("producer %s closed: %w", p.id, core.ErrEngine)
	}
	p.paused = paused
	return nil
}

// Close closes the producer and its consumers, emitting closure events.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, c := range p.router.ConsumersOf(p.id) {
		c.Close()
	}
	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()
	p.router.queue.Push(engine.Event{Type: engine.EventProducerClosed, ID: p.id})
}

type Consumer struct {
	router     *Router
	transport  *Transport
	id         string
	producerID string
	kind       domain.MediaKind
	params     engine.RtpParameters

	mu        sync.Mutex
	paused    bool
	closed    bool
	keyFrames int
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() string                  { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() engine.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// KeyFrames counts RequestKeyFrame calls.
func (c *Consumer) KeyFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyFrames
}

func (c *Consumer) Pause(ctx context.Context) error {
	if err := c.router.enter(ctx, OpConsumerPause); err != nil {
		return err
	}
	return c.setPaused(true)
}

func (c *Consumer) Resume(ctx context.Context) error {
	if err := c.router.enter(ctx, OpConsumerResume); err != nil {
		return err
	}
	return c.setPaused(false)
}

func (c *Consumer) setPaused(paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s closed: %w", c.id, core.ErrEngine)
	}
	c.paused = paused
	return nil
}

func (c *Consumer) RequestKeyFrame(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s closed: %w", c.id, core.ErrEngine)
	}
	c.keyFrames++
	return nil
}

func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.router.mu.Lock()
	delete(c.router.consumers, c.id)
	c.router.mu.Unlock()
	c.router.queue.Push(engine.Event{Type: engine.EventConsumerClosed, ID: c.id})
}

// VP8 returns producer parameters for a VP8 video track.
func VP8(ssrc uint32) engine.RtpParameters {
	return engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []engine.RtpEncodingParameters{{Ssrc: ssrc}},
	}
}

// Opus returns producer parameters for a stereo opus track.
func Opus(ssrc uint32) engine.RtpParameters {
	return engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []engine.RtpEncodingParameters{{Ssrc: ssrc}},
	}
}
