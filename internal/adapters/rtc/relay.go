package rtc

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

// Relay forwards one producer's RTP to all of its consumers.
type Relay struct {
	ProducerID string
	Src        *webrtc.TrackRemote

	paused    atomic.Bool
	forwarded *atomic.Uint64

	mu        sync.RWMutex
	outTracks map[string]*OutTrack

	cancel context.CancelFunc
}

func NewRelay(producerID string, src *webrtc.TrackRemote, forwarded *atomic.Uint64, cancel context.CancelFunc) *Relay {
	return &Relay{
		ProducerID: producerID,
		Src:        src,
		forwarded:  forwarded,
		outTracks:  make(map[string]*OutTrack),
		cancel:     cancel,
	}
}

func (r *Relay) Paused() bool { return r.paused.Load() }

// SetPaused stops forwarding without tearing down consumers.
func (r *Relay) SetPaused(paused bool) { r.paused.Store(paused) }

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		if r.paused.Load() {
			continue
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for consumerID, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, consumerID)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("consumer_id", consumerID).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, consumerID)
				continue
			}
			if r.forwarded != nil {
				r.forwarded.Add(1)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[ot.ConsumerID] = ot
}

func (r *Relay) OutTrackCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

// RelayManager owns one relay per producer.
type RelayManager struct {
	forwarded *atomic.Uint64
	onPanic   func(error)

	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager(forwarded *atomic.Uint64, onPanic func(error)) *RelayManager {
	return &RelayManager{
		forwarded: forwarded,
		onPanic:   onPanic,
		relays:    make(map[string]*Relay),
	}
}

// StartRelay creates the relay for producerID and starts its loop. A panic
// inside the loop is reported through onPanic.
func (m *RelayManager) StartRelay(producerID string, track *webrtc.TrackRemote, parent *zerolog.Logger) *Relay {
	logger := parent.With().Str("module", "adapters.rtc.relay").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	relay := NewRelay(producerID, track, m.forwarded, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go func() {
		var pc panics.Catcher
		pc.Try(func() { relay.loop(ctx, &logger) })
		if rec := pc.Recovered(); rec != nil {
			err := rec.AsError()
			logger.Error().Err(err).Msg("relay loop panicked")
			if m.onPanic != nil {
				m.onPanic(fmt.Errorf("relay %s: %w", producerID, err))
			}
		}
	}()
	return relay
}

// AddOutTrack attaches a consumer to the relay of producerID.
func (m *RelayManager) AddOutTrack(producerID string, ot *OutTrack) bool {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(ot)
	return true
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

func (m *RelayManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
