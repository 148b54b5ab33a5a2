package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/dkeye/Huddle/internal/engine/enginetest"
)

// recorder is a SignalConnection that keeps every encoded message.
type recorder struct {
	mu   sync.Mutex
	msgs []core.Message
}

func (r *recorder) Encode(v any) (core.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, v.(core.Message))
	return core.Frame(`{}`), nil
}

func (r *recorder) TrySend(core.Frame) error { return nil }
func (r *recorder) Close()                   {}

func (r *recorder) count(typ core.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Type == string(typ) {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ core.EventType) (core.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Type == string(typ) {
			return r.msgs[i], true
		}
	}
	return core.Message{}, false
}

func (r *recorder) has(match func(core.Message) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if match(m) {
			return true
		}
	}
	return false
}

func newHarness(t *testing.T, cfg Config) (*Orchestrator, *enginetest.Router) {
	t.Helper()
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = time.Second
	}
	router := enginetest.NewRouter()
	o := New(cfg, router, app.TolerantPolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = o.Run(ctx) }()
	go func() { _ = o.Fanout.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		router.Close()
	})
	return o, router
}

func join(t *testing.T, o *Orchestrator, id domain.PeerID, username, room string) *recorder {
	t.Helper()
	rec := &recorder{}
	ctx := context.Background()
	if err := o.Connect(ctx, id, rec, nil); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	if _, err := o.Join(ctx, id, username, room); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	return rec
}

// publisher joins and produces one video and one audio track.
func publisher(t *testing.T, o *Orchestrator, id domain.PeerID, room string) (*recorder, string, string) {
	t.Helper()
	ctx := context.Background()
	rec := join(t, o, id, string(id), room)
	params, err := o.CreateProducerTransport(ctx, id)
	if err != nil {
		t.Fatalf("create producer transport: %v", err)
	}
	if err := o.ConnectProducerTransport(ctx, id, engine.ConnectParams{}); err != nil {
		t.Fatalf("connect producer transport: %v", err)
	}
	video, err := o.Produce(ctx, id, domain.MediaKindVideo, enginetest.VP8(1111), params.ID)
	if err != nil {
		t.Fatalf("produce video: %v", err)
	}
	audio, err := o.Produce(ctx, id, domain.MediaKindAudio, enginetest.Opus(2222), "")
	if err != nil {
		t.Fatalf("produce audio: %v", err)
	}
	return rec, video, audio
}

// subscriber joins, negotiates caps and opens a consumer transport.
func subscriber(t *testing.T, o *Orchestrator, id domain.PeerID, room string, caps engine.RtpCapabilities) *recorder {
	t.Helper()
	ctx := context.Background()
	rec := join(t, o, id, string(id), room)
	if err := o.JoinRouter(ctx, id, caps); err != nil {
		t.Fatalf("join router: %v", err)
	}
	if _, err := o.CreateConsumerTransport(ctx, id); err != nil {
		t.Fatalf("create consumer transport: %v", err)
	}
	if err := o.ConnectConsumerTransport(ctx, id, engine.ConnectParams{}); err != nil {
		t.Fatalf("connect consumer transport: %v", err)
	}
	return rec
}

// peerView is a copy of a peer's state taken on the loop.
type peerView struct {
	exists            bool
	producers         int
	pausedProducers   int
	consumers         int
	hasAudio          bool
	hasVideo          bool
	producerTransport string
}

func peerState(t *testing.T, o *Orchestrator, id domain.PeerID) peerView {
	t.Helper()
	var v peerView
	err := o.exec(context.Background(), func() {
		p, ok := o.Registry.Lookup(id)
		if !ok {
			return
		}
		v = peerView{
			exists:    true,
			producers: len(p.Producers),
			consumers: len(p.Consumers),
			hasAudio:  p.HasAudio,
			hasVideo:  p.HasVideo,
		}
		for _, e := range p.Producers {
			if e.Paused {
				v.pausedProducers++
			}
		}
		if p.ProducerTransport != nil {
			v.producerTransport = p.ProducerTransport.ID()
		}
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	return v
}

func byKind(t *testing.T, ds []ConsumerDescriptor, kind domain.MediaKind) ConsumerDescriptor {
	t.Helper()
	for _, d := range ds {
		if d.Kind == kind {
			return d
		}
	}
	t.Fatalf("no %s consumer in %+v", kind, ds)
	return ConsumerDescriptor{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishSubscribeToggleScenario(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()

	_, videoID, audioID := publisher(t, o, "A", "r1")
	if a := peerState(t, o, "A"); a.producers != 2 || a.pausedProducers != 0 || !a.hasVideo || !a.hasAudio {
		t.Fatalf("publisher state = %+v", a)
	}

	recB := subscriber(t, o, "B", "r1", router.RtpCapabilities())
	ds, err := o.Consume(ctx, "B", "A")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(ds))
	}
	video := byKind(t, ds, domain.MediaKindVideo)
	audio := byKind(t, ds, domain.MediaKindAudio)
	if !video.Paused || audio.Paused {
		t.Fatalf("video paused=%v audio paused=%v, want true/false", video.Paused, audio.Paused)
	}
	if video.ProducerID != videoID || audio.ProducerID != audioID {
		t.Fatalf("descriptors point at wrong producers: %+v", ds)
	}

	if err := o.ResumeConsumer(ctx, "B", video.ID); err != nil {
		t.Fatalf("resume consumer: %v", err)
	}
	vc, _ := router.Consumer(video.ID)
	if vc.Paused() {
		t.Fatal("video consumer still paused after resume")
	}

	if err := o.Toggle(ctx, "A", domain.MediaKindVideo, false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	vp, _ := router.Producer(videoID)
	if !vp.Paused() {
		t.Error("video producer not paused")
	}
	if !vc.Paused() {
		t.Error("subscriber video consumer not paused")
	}
	ap, _ := router.Producer(audioID)
	if ap.Paused() {
		t.Error("audio producer paused by video toggle")
	}
	waitFor(t, func() bool {
		m, ok := recB.last(core.EventVideoStateChanged)
		return ok && m.Data == core.StateChange{PeerID: "A", Enabled: false}
	})
}

func TestDuplicateUsernameIsNotRegistered(t *testing.T) {
	o, _ := newHarness(t, Config{})
	ctx := context.Background()

	join(t, o, "A", "sam", "r1")
	recC := &recorder{}
	if err := o.Connect(ctx, "C", recC, nil); err != nil {
		t.Fatal(err)
	}
	_, err := o.Join(ctx, "C", "sam", "r1")
	if !errors.Is(err, core.ErrDuplicateUsername) {
		t.Fatalf("got %v, want ErrDuplicateUsername", err)
	}
	if peerState(t, o, "C").exists {
		t.Fatal("duplicate peer was registered")
	}
	waitFor(t, func() bool { return recC.count(core.EventUsernameExists) == 1 })

	if _, err := o.Join(ctx, "C", "sam", "r2"); err != nil {
		t.Fatalf("same name in another room: %v", err)
	}
}

func TestRejoinFromSameConnection(t *testing.T) {
	o, _ := newHarness(t, Config{})
	join(t, o, "A", "sam", "r1")
	_, err := o.Join(context.Background(), "A", "other", "r1")
	if !errors.Is(err, core.ErrAlreadyExists) {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
}

func TestSecondTransportIsRejected(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	join(t, o, "A", "a", "r1")

	first, err := o.CreateProducerTransport(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.CreateProducerTransport(ctx, "A"); !errors.Is(err, core.ErrAlreadyExists) {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
	ft, ok := router.Transport(first.ID)
	if !ok || ft.Closed() {
		t.Fatal("first transport was touched")
	}
	if _, err := o.CreateConsumerTransport(ctx, "A"); err != nil {
		t.Fatalf("recv direction is independent: %v", err)
	}
}

func TestTransportParametersCarryIceServers(t *testing.T) {
	servers := []engine.IceServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	o, router := newHarness(t, Config{IceServers: servers, MaxIncomingBitrate: 1_500_000})
	join(t, o, "A", "a", "r1")

	params, err := o.CreateProducerTransport(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(params.IceServers) != 1 || params.IceServers[0].URLs[0] != servers[0].URLs[0] {
		t.Fatalf("ice servers = %+v", params.IceServers)
	}
	tr, _ := router.Transport(params.ID)
	if tr.MaxIncomingBitrate() != 1_500_000 {
		t.Fatalf("max bitrate = %d", tr.MaxIncomingBitrate())
	}
}

func TestBitrateCapFailureIsNotFatal(t *testing.T) {
	o, router := newHarness(t, Config{MaxIncomingBitrate: 1_500_000})
	router.Fail(enginetest.OpSetMaxBitrate, errors.New("unsupported"))
	join(t, o, "A", "a", "r1")

	if _, err := o.CreateProducerTransport(context.Background(), "A"); err != nil {
		t.Fatalf("create transport: %v", err)
	}
}

func TestConnectUnknownTransport(t *testing.T) {
	o, _ := newHarness(t, Config{})
	join(t, o, "A", "a", "r1")
	err := o.ConnectConsumerTransport(context.Background(), "A", engine.ConnectParams{})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestProduceValidation(t *testing.T) {
	o, _ := newHarness(t, Config{})
	ctx := context.Background()
	join(t, o, "A", "a", "r1")

	if _, err := o.Produce(ctx, "A", domain.MediaKindVideo, enginetest.VP8(1), ""); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("without transport: got %v, want ErrNotFound", err)
	}
	if _, err := o.CreateProducerTransport(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Produce(ctx, "A", domain.MediaKindVideo, enginetest.VP8(1), "transport-forged"); !errors.Is(err, core.ErrTransportMismatch) {
		t.Fatalf("forged transport: got %v, want ErrTransportMismatch", err)
	}
	if _, err := o.Produce(ctx, "A", domain.MediaKindAudio, enginetest.VP8(1), ""); !errors.Is(err, core.ErrBadRequest) {
		t.Fatalf("kind mismatch: got %v, want ErrBadRequest", err)
	}
}

func TestProduceBroadcastsToRoomOnly(t *testing.T) {
	o, _ := newHarness(t, Config{})
	recB := join(t, o, "B", "b", "r1")
	recOther := join(t, o, "X", "x", "r2")
	recA, videoID, _ := publisher(t, o, "A", "r1")

	waitFor(t, func() bool { return recB.count(core.EventNewProducer) == 2 })
	m, _ := recB.last(core.EventVideoStateChanged)
	if m.Data != (core.StateChange{PeerID: "A", Enabled: true}) {
		t.Fatalf("state change = %+v", m.Data)
	}
	if !recB.has(func(m core.Message) bool {
		info, ok := m.Data.(core.ProducerInfo)
		return ok && info.ProducerID == videoID && info.Kind == domain.MediaKindVideo
	}) {
		t.Fatal("new-producer for video not delivered")
	}
	if recOther.count(core.EventNewProducer) != 0 || recA.count(core.EventNewProducer) != 0 {
		t.Fatal("new-producer leaked outside the room or back to the producer")
	}
}

func TestConsumeSkipsIncompatibleProducers(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	publisher(t, o, "A", "r1")

	var audioOnly engine.RtpCapabilities
	for _, c := range router.RtpCapabilities().Codecs {
		if c.Kind == domain.MediaKindAudio {
			audioOnly.Codecs = append(audioOnly.Codecs, c)
		}
	}
	subscriber(t, o, "B", "r1", audioOnly)

	ds, err := o.Consume(ctx, "B", "A")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(ds) != 1 || ds[0].Kind != domain.MediaKindAudio || ds[0].Paused {
		t.Fatalf("descriptors = %+v, want one active audio", ds)
	}
}

func TestConsumeIsASnapshot(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()

	join(t, o, "A", "a", "r1")
	if _, err := o.CreateProducerTransport(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Produce(ctx, "A", domain.MediaKindAudio, enginetest.Opus(1), ""); err != nil {
		t.Fatal(err)
	}
	subscriber(t, o, "B", "r1", router.RtpCapabilities())

	ds, err := o.Consume(ctx, "B", "A")
	if err != nil || len(ds) != 1 {
		t.Fatalf("consume: %v %+v", err, ds)
	}
	if _, err := o.Produce(ctx, "A", domain.MediaKindVideo, enginetest.VP8(2), ""); err != nil {
		t.Fatal(err)
	}
	if n := peerState(t, o, "B").consumers; n != 1 {
		t.Fatalf("late producer was consumed: %d consumers", n)
	}

	again, err := o.Consume(ctx, "B", "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 2 {
		t.Fatalf("second consume = %d descriptors, want 2", len(again))
	}
	if router.Stats().Consumers != 2 {
		t.Fatalf("engine consumers = %d, existing one was duplicated", router.Stats().Consumers)
	}
}

func TestConsumePartialFailure(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	publisher(t, o, "A", "r1")
	subscriber(t, o, "B", "r1", router.RtpCapabilities())

	var calls int
	var mu sync.Mutex
	router.Hook(enginetest.OpConsume, func() {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			router.Fail(enginetest.OpConsume, errors.New("boom"))
		} else {
			router.Fail(enginetest.OpConsume, nil)
		}
	})

	ds, err := o.Consume(ctx, "B", "A")
	if err != nil {
		t.Fatalf("partial failure surfaced: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(ds))
	}
}

func TestConsumeUnknownPeers(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	subscriber(t, o, "B", "r1", router.RtpCapabilities())
	publisher(t, o, "Z", "elsewhere")

	if _, err := o.Consume(ctx, "B", "nobody"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("unknown source: got %v", err)
	}
	if _, err := o.Consume(ctx, "nobody", "B"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("unknown subscriber: got %v", err)
	}
	if _, err := o.Consume(ctx, "B", "Z"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("other room: got %v", err)
	}
}

func TestResumeConsumerIsIdempotent(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	publisher(t, o, "A", "r1")
	subscriber(t, o, "B", "r1", router.RtpCapabilities())
	ds, _ := o.Consume(ctx, "B", "A")
	video := byKind(t, ds, domain.MediaKindVideo)

	for range 2 {
		if err := o.ResumeConsumer(ctx, "B", video.ID); err != nil {
			t.Fatalf("resume: %v", err)
		}
	}
	c, _ := router.Consumer(video.ID)
	if c.Paused() {
		t.Fatal("consumer paused")
	}
	if c.KeyFrames() != 1 {
		t.Fatalf("key frames = %d, want 1", c.KeyFrames())
	}
	if err := o.ResumeConsumer(ctx, "B", "consumer-unknown"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("unknown consumer: got %v", err)
	}
	if err := o.ResumeConsumer(ctx, "A", video.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("foreign consumer: got %v", err)
	}
}

func TestProducerPauseCascade(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	_, videoID, _ := publisher(t, o, "A", "r1")

	var consumers []string
	var recs []*recorder
	for _, id := range []domain.PeerID{"B", "C"} {
		recs = append(recs, subscriber(t, o, id, "r1", router.RtpCapabilities()))
		ds, err := o.Consume(ctx, id, "A")
		if err != nil {
			t.Fatal(err)
		}
		v := byKind(t, ds, domain.MediaKindVideo)
		if err := o.ResumeConsumer(ctx, id, v.ID); err != nil {
			t.Fatal(err)
		}
		consumers = append(consumers, v.ID)
	}
	recB, recC := recs[0], recs[1]
	// C chooses to keep its video off.
	if err := o.PauseConsumer(ctx, "C", consumers[1]); err != nil {
		t.Fatal(err)
	}

	if err := o.PauseProducer(ctx, "A", videoID); err != nil {
		t.Fatal(err)
	}
	for _, id := range consumers {
		if c, _ := router.Consumer(id); !c.Paused() {
			t.Fatalf("consumer %s active after producer pause", id)
		}
	}
	waitFor(t, func() bool {
		m, ok := recB.last(core.EventConsumerPaused)
		return ok && m.Data == core.ConsumerRef{ConsumerID: consumers[0], ProducerID: videoID}
	})

	if err := o.ResumeProducer(ctx, "A", videoID); err != nil {
		t.Fatal(err)
	}
	b, _ := router.Consumer(consumers[0])
	c, _ := router.Consumer(consumers[1])
	if b.Paused() {
		t.Error("B consumer still paused after producer resume")
	}
	if !c.Paused() {
		t.Error("C consumer resumed despite its own pause")
	}
	waitFor(t, func() bool {
		m, ok := recB.last(core.EventConsumerResumed)
		return ok && m.Data == core.ConsumerRef{ConsumerID: consumers[0], ProducerID: videoID}
	})

	// C's consumer never changed effective state, so C hears nothing.
	if err := o.Relay(ctx, "A", "sync"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return recC.count(core.EventRelay) == 1 })
	if n := recC.count(core.EventConsumerPaused) + recC.count(core.EventConsumerResumed); n != 0 {
		t.Fatalf("C got %d consumer state events, want 0", n)
	}
}

func TestCascadeIsolatesConsumerFailures(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	_, videoID, _ := publisher(t, o, "A", "r1")
	subscriber(t, o, "B", "r1", router.RtpCapabilities())
	ds, _ := o.Consume(ctx, "B", "A")
	audio := byKind(t, ds, domain.MediaKindAudio)

	router.Fail(enginetest.OpConsumerPause, errors.New("consumer gone"))
	if err := o.Toggle(ctx, "A", domain.MediaKindAudio, false); err != nil {
		t.Fatalf("consumer failure surfaced: %v", err)
	}
	router.Fail(enginetest.OpConsumerPause, nil)
	if a := peerState(t, o, "A"); a.hasAudio || a.pausedProducers != 1 {
		t.Fatalf("audio toggle with consumer failure not recorded: %+v", a)
	}

	router.Fail(enginetest.OpProducerPause, errors.New("engine down"))
	err := o.PauseProducer(ctx, "A", videoID)
	if !errors.Is(err, core.ErrEngine) {
		t.Fatalf("producer failure: got %v, want ErrEngine", err)
	}
	if c, _ := router.Consumer(audio.ID); c.Closed() {
		t.Fatal("audio consumer closed")
	}
	if a := peerState(t, o, "A"); a.pausedProducers != 1 || !a.hasVideo {
		t.Fatalf("failed producer pause was recorded: %+v", a)
	}
}

func TestFailedToggleChangesNothing(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	_, videoID, _ := publisher(t, o, "A", "r1")
	recB := subscriber(t, o, "B", "r1", router.RtpCapabilities())
	ds, err := o.Consume(ctx, "B", "A")
	if err != nil {
		t.Fatal(err)
	}
	video := byKind(t, ds, domain.MediaKindVideo)
	if err := o.ResumeConsumer(ctx, "B", video.ID); err != nil {
		t.Fatal(err)
	}

	router.Fail(enginetest.OpProducerPause, errors.New("engine down"))
	err = o.Toggle(ctx, "A", domain.MediaKindVideo, false)
	if !errors.Is(err, core.ErrEngine) {
		t.Fatalf("got %v, want ErrEngine", err)
	}

	if a := peerState(t, o, "A"); !a.hasVideo || a.pausedProducers != 0 {
		t.Fatalf("publisher state after failed toggle = %+v", a)
	}
	if p, _ := router.Producer(videoID); p.Paused() {
		t.Fatal("engine producer paused")
	}
	if c, _ := router.Consumer(video.ID); c.Paused() {
		t.Fatal("subscriber consumer paused by a failed toggle")
	}

	// Deliveries are ordered, so once the relay arrives nothing else is pending.
	if err := o.Relay(ctx, "A", "sync"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return recB.count(core.EventRelay) == 1 })
	if n := recB.count(core.EventVideoStateChanged); n != 0 {
		t.Fatalf("room told about a toggle that failed (%d events)", n)
	}
	if n := recB.count(core.EventConsumerPaused); n != 0 {
		t.Fatalf("consumer-paused sent for a failed toggle (%d events)", n)
	}

	router.Fail(enginetest.OpProducerPause, nil)
	if err := o.Toggle(ctx, "A", domain.MediaKindVideo, false); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitFor(t, func() bool { return recB.count(core.EventVideoStateChanged) == 1 })
}

func TestConsumeTimeoutClosesCreatedConsumers(t *testing.T) {
	o, router := newHarness(t, Config{RequestTimeout: 100 * time.Millisecond})
	publisher(t, o, "A", "r1")
	subscriber(t, o, "B", "r1", router.RtpCapabilities())

	// The second engine consume holds the coordinator loop busy and outlives
	// the deadline, so the first consumer can never be registered.
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	router.Hook(enginetest.OpConsume, func() {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n != 2 {
			return
		}
		busy := make(chan struct{})
		go func() {
			_ = o.exec(context.Background(), func() {
				close(busy)
				<-release
			})
		}()
		<-busy
		time.Sleep(150 * time.Millisecond)
	})

	_, err := o.Consume(context.Background(), "B", "A")
	close(release)
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if b := peerState(t, o, "B"); b.consumers != 0 {
		t.Fatalf("registry holds %d consumers", b.consumers)
	}
	if n := router.Stats().Consumers; n != 0 {
		t.Fatalf("engine holds %d consumers after a timed out consume", n)
	}
}

func TestToggleIsIdempotent(t *testing.T) {
	o, _ := newHarness(t, Config{})
	ctx := context.Background()
	recB := join(t, o, "B", "b", "r1")
	publisher(t, o, "A", "r1")
	waitFor(t, func() bool { return recB.count(core.EventAudioStateChanged) == 1 })

	for range 2 {
		if err := o.Toggle(ctx, "A", domain.MediaKindAudio, false); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return recB.count(core.EventAudioStateChanged) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := recB.count(core.EventAudioStateChanged); n != 2 {
		t.Fatalf("state changes = %d, want 2", n)
	}
	if peerState(t, o, "A").hasAudio {
		t.Fatal("HasAudio still set")
	}
}

func TestDisconnectClosesEverything(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	_, videoID, audioID := publisher(t, o, "A", "r1")
	recB := subscriber(t, o, "B", "r1", router.RtpCapabilities())
	recC := join(t, o, "C", "c", "r1")
	ds, _ := o.Consume(ctx, "B", "A")

	o.Disconnect("A")

	for _, id := range []string{videoID, audioID} {
		if _, ok := router.Producer(id); ok {
			t.Errorf("producer %s still open", id)
		}
	}
	for _, d := range ds {
		if _, ok := router.Consumer(d.ID); ok {
			t.Errorf("consumer %s still open", d.ID)
		}
	}
	if n := peerState(t, o, "B").consumers; n != 0 {
		t.Fatalf("B still holds %d consumers", n)
	}
	if peerState(t, o, "A").exists {
		t.Fatal("A still registered")
	}
	waitFor(t, func() bool {
		return recB.count(core.EventUserDisconnected) == 1 && recC.count(core.EventUserDisconnected) == 1
	})
	waitFor(t, func() bool { return recB.count(core.EventConsumerClosed) == 2 })

	time.Sleep(20 * time.Millisecond)
	if recB.count(core.EventUserDisconnected) != 1 {
		t.Fatal("user-disconnected delivered more than once")
	}
	if st := router.Stats(); st.Producers != 0 || st.Consumers != 0 || st.Transports != 1 {
		t.Fatalf("engine stats after disconnect = %+v", st)
	}
}

func TestEngineTransportFailureCleansUp(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	recA, _, _ := publisher(t, o, "A", "r1")
	recB := subscriber(t, o, "B", "r1", router.RtpCapabilities())
	if _, err := o.Consume(ctx, "B", "A"); err != nil {
		t.Fatal(err)
	}

	tr, _ := router.Transport(peerState(t, o, "A").producerTransport)
	tr.Fail()

	waitFor(t, func() bool {
		a := peerState(t, o, "A")
		return a.producerTransport == "" && a.producers == 0 && !a.hasVideo && !a.hasAudio
	})
	waitFor(t, func() bool { return peerState(t, o, "B").consumers == 0 })
	waitFor(t, func() bool { return recA.count(core.EventProducerClosed) == 2 })
	waitFor(t, func() bool { return recB.count(core.EventConsumerClosed) == 2 })
	waitFor(t, func() bool {
		m, ok := recB.last(core.EventVideoStateChanged)
		return ok && m.Data == core.StateChange{PeerID: "A", Enabled: false}
	})

	if _, err := o.CreateProducerTransport(ctx, "A"); err != nil {
		t.Fatalf("new transport after failure: %v", err)
	}
}

func TestCloseProducer(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	_, videoID, _ := publisher(t, o, "A", "r1")
	recB := subscriber(t, o, "B", "r1", router.RtpCapabilities())
	ds, _ := o.Consume(ctx, "B", "A")
	video := byKind(t, ds, domain.MediaKindVideo)

	if err := o.CloseProducer(ctx, "A", videoID); err != nil {
		t.Fatal(err)
	}
	if _, ok := router.Consumer(video.ID); ok {
		t.Fatal("consumer of closed producer still open")
	}
	if err := o.ResumeConsumer(ctx, "B", video.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("closed consumer: got %v, want ErrNotFound", err)
	}
	if err := o.PauseProducer(ctx, "A", videoID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("closed producer: got %v, want ErrNotFound", err)
	}
	waitFor(t, func() bool {
		m, ok := recB.last(core.EventConsumerClosed)
		return ok && m.Data == core.ConsumerRef{ConsumerID: video.ID, ProducerID: videoID}
	})
}

func TestDisconnectDuringProduceLeaksNothing(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	join(t, o, "A", "a", "r1")
	if _, err := o.CreateProducerTransport(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	router.Hook(enginetest.OpProduce, func() { o.Disconnect("A") })

	if _, err := o.Produce(ctx, "A", domain.MediaKindVideo, enginetest.VP8(1), ""); err == nil {
		t.Fatal("produce succeeded for a departed peer")
	}
	waitFor(t, func() bool { return router.Stats().Producers == 0 })
}

func TestDisconnectDuringTransportCreateDiscardsTransport(t *testing.T) {
	o, router := newHarness(t, Config{})
	join(t, o, "A", "a", "r1")
	router.Hook(enginetest.OpCreateTransport, func() { o.Disconnect("A") })

	_, err := o.CreateConsumerTransport(context.Background(), "A")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if router.Stats().Transports != 0 {
		t.Fatal("transport leaked")
	}
}

func TestSlowEngineTimesOut(t *testing.T) {
	o, router := newHarness(t, Config{RequestTimeout: 30 * time.Millisecond})
	join(t, o, "A", "a", "r1")
	router.Hook(enginetest.OpCreateTransport, func() { time.Sleep(60 * time.Millisecond) })

	_, err := o.CreateProducerTransport(context.Background(), "A")
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if core.Code(err) != core.CodeTimeout {
		t.Fatalf("code = %s", core.Code(err))
	}
}

func TestJoinRouterOnce(t *testing.T) {
	o, router := newHarness(t, Config{})
	ctx := context.Background()
	join(t, o, "A", "a", "r1")

	if err := o.JoinRouter(ctx, "A", engine.RtpCapabilities{}); !errors.Is(err, core.ErrBadRequest) {
		t.Fatalf("empty caps: got %v", err)
	}
	if err := o.JoinRouter(ctx, "A", router.RtpCapabilities()); err != nil {
		t.Fatal(err)
	}
	err := o.JoinRouter(ctx, "A", router.RtpCapabilities())
	if !errors.Is(err, core.ErrAlreadyNegotiated) || !errors.Is(err, core.ErrAlreadyExists) {
		t.Fatalf("renegotiation: got %v", err)
	}
}

func TestEvictRoomCancelsMembers(t *testing.T) {
	o, _ := newHarness(t, Config{})
	ctx := context.Background()
	canceled := make(chan domain.PeerID, 2)
	for _, id := range []domain.PeerID{"A", "B"} {
		if err := o.Connect(ctx, id, &recorder{}, func() { canceled <- id }); err != nil {
			t.Fatal(err)
		}
		if _, err := o.Join(ctx, id, string(id), "r1"); err != nil {
			t.Fatal(err)
		}
	}

	if err := o.EvictRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		select {
		case <-canceled:
		case <-time.After(time.Second):
			t.Fatal("member not canceled")
		}
	}
	rooms, _ := o.ListRooms(ctx)
	if len(rooms) != 0 {
		t.Fatalf("rooms = %+v", rooms)
	}
	if err := o.EvictRoom(ctx, "r1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("second evict: got %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	o, _ := newHarness(t, Config{})
	publisher(t, o, "A", "r1")
	join(t, o, "B", "b", "r1")

	snap, err := o.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Peers != 2 || len(snap.Rooms) != 1 || snap.Rooms[0].MemberCount != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Media.Producers != 2 || snap.Media.Transports != 1 {
		t.Fatalf("media = %+v", snap.Media)
	}
}
