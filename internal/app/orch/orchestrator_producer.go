package orch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/davecgh/go-spew/spew"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

const (
	cascadeWorkers  = 8
	maxSettleRounds = 3
)

// Produce starts receiving a track on the peer's producer transport.
// claimedTransportID is optional; when set it must match.
func (o *Orchestrator) Produce(ctx context.Context, id domain.PeerID, kind domain.MediaKind, params engine.RtpParameters, claimedTransportID string) (string, error) {
	codec, ok := engine.MediaCodec(params)
	if !ok {
		return "", fmt.Errorf("%w: rtp parameters without a media codec", core.ErrBadRequest)
	}
	if codecKind, err := engine.KindOf(codec.MimeType); err != nil || codecKind != kind {
		return "", fmt.Errorf("%w: codec %s does not carry %s", core.ErrBadRequest, codec.MimeType, kind)
	}

	ctx, cancel := o.bounded(ctx)
	defer cancel()

	t, err := onLoop(ctx, o, func() (engine.ProducerTransport, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		if peer.ProducerTransport == nil {
			return nil, fmt.Errorf("producer transport of %s: %w", id, core.ErrNotFound)
		}
		if claimedTransportID != "" && claimedTransportID != peer.ProducerTransport.ID() {
			return nil, fmt.Errorf("claimed %s, have %s: %w", claimedTransportID, peer.ProducerTransport.ID(), core.ErrTransportMismatch)
		}
		return peer.ProducerTransport, nil
	})
	if err != nil {
		return "", err
	}

	if e := log.Trace(); e.Enabled() {
		e.Str("module", "app.orch").Str("sid", string(id)).Str("params", spew.Sdump(params)).Msg("produce")
	}
	producer, err := t.Produce(ctx, engine.ProduceOptions{Kind: kind, RtpParameters: params})
	if err != nil {
		return "", engineError("produce", err)
	}

	_, err = onLoop(ctx, o, func() (struct{}, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return struct{}{}, err
		}
		if peer.ProducerTransport == nil || peer.ProducerTransport.ID() != t.ID() {
			return struct{}{}, fmt.Errorf("producer transport %s: %w", t.ID(), core.ErrNotFound)
		}
		o.Registry.AddProducer(peer, producer.ID(), &app.ProducerEntry{Producer: producer, Kind: kind})
		peer.SetMediaFlag(kind, true)
		o.broadcast(peer.Room, id, core.StateChangedEvent(kind, id, true))
		o.broadcast(peer.Room, id, core.Event{
			Type:    core.EventNewProducer,
			Payload: core.ProducerInfo{PeerID: id, ProducerID: producer.ID(), Kind: kind},
		})
		return struct{}{}, nil
	})
	if err != nil {
		producer.Close()
		return "", err
	}
	log.Info().Str("module", "app.orch").Str("sid", string(id)).Str("producer_id", producer.ID()).Str("kind", string(kind)).Msg("producer created")
	return producer.ID(), nil
}

// Toggle pauses or resumes every producer of kind and updates the peer's
// media flag. Repeating the current state changes nothing and still succeeds.
// The flag and the room only see the change once the engine applied it to
// at least one producer, or when the peer has no producer of kind.
func (o *Orchestrator) Toggle(ctx context.Context, id domain.PeerID, kind domain.MediaKind, enabled bool) error {
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	paused := !enabled

	producers, err := onLoop(ctx, o, func() ([]engine.Producer, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		return producersOf(peer, peer.ProducersOfKind(kind)), nil
	})
	if err != nil {
		return err
	}

	applied, primary := o.applyProducers(ctx, producers, paused)

	type outcome struct {
		consumers []consumerState
		changed   bool
	}
	out, err := onLoop(ctx, o, func() (outcome, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return outcome{}, err
		}
		if len(producers) > 0 && len(applied) == 0 {
			return outcome{}, nil
		}
		r := outcome{
			consumers: o.markProducersLocked(peer, applied, paused),
			changed:   peer.SetMediaFlag(kind, enabled),
		}
		if r.changed {
			o.broadcast(peer.Room, id, core.StateChangedEvent(kind, id, enabled))
		}
		return r, nil
	})
	if err != nil {
		o.revertProducers(producers, applied, paused)
		return err
	}
	o.settleConsumers(ctx, out.consumers)

	log.Info().
		Str("module", "app.orch").
		Str("sid", string(id)).
		Str("kind", string(kind)).
		Bool("enabled", enabled).
		Bool("changed", out.changed).
		Int("producers", len(producers)).
		Int("applied", len(applied)).
		Int("consumers", len(out.consumers)).
		Msg("toggle")
	return primary
}

func (o *Orchestrator) PauseProducer(ctx context.Context, id domain.PeerID, producerID string) error {
	return o.setProducerPaused(ctx, id, producerID, true)
}

func (o *Orchestrator) ResumeProducer(ctx context.Context, id domain.PeerID, producerID string) error {
	return o.setProducerPaused(ctx, id, producerID, false)
}

func (o *Orchestrator) setProducerPaused(ctx context.Context, id domain.PeerID, producerID string, paused bool) error {
	ctx, cancel := o.bounded(ctx)
	defer cancel()

	producer, err := onLoop(ctx, o, func() (engine.Producer, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		e, ok := peer.Producers[producerID]
		if !ok {
			return nil, fmt.Errorf("producer %s: %w", producerID, core.ErrNotFound)
		}
		return e.Producer, nil
	})
	if err != nil {
		return err
	}
	producers := []engine.Producer{producer}
	applied, err := o.applyProducers(ctx, producers, paused)
	if err != nil {
		return err
	}

	consumers, err := onLoop(ctx, o, func() ([]consumerState, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		return o.markProducersLocked(peer, applied, paused), nil
	})
	if err != nil {
		o.revertProducers(producers, applied, paused)
		return err
	}
	o.settleConsumers(ctx, consumers)
	return nil
}

// CloseProducer closes one of the peer's producers and every consumer of it.
func (o *Orchestrator) CloseProducer(ctx context.Context, id domain.PeerID, producerID string) error {
	ctx, cancel := o.bounded(ctx)
	defer cancel()

	closers, err := onLoop(ctx, o, func() ([]func(), error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		e, ok := peer.Producers[producerID]
		if !ok {
			return nil, fmt.Errorf("producer %s: %w", producerID, core.ErrNotFound)
		}
		closers := o.closeProducerLocked(peer, producerID, e)
		o.afterProducerGoneLocked(peer, e.Kind)
		return closers, nil
	})
	runAll(closers)
	return err
}

type consumerState struct {
	id       string
	consumer engine.Consumer
	kind     domain.MediaKind
	paused   bool
}

func producersOf(peer *app.Peer, ids []string) []engine.Producer {
	out := make([]engine.Producer, 0, len(ids))
	for _, pid := range ids {
		if e, ok := peer.Producers[pid]; ok {
			out = append(out, e.Producer)
		}
	}
	return out
}

// applyProducers drives engine producers to paused and returns the ids now in
// that state. Failures are joined into the returned error.
func (o *Orchestrator) applyProducers(ctx context.Context, producers []engine.Producer, paused bool) ([]string, error) {
	var (
		applied []string
		errs    []error
	)
	for _, p := range producers {
		if p.Paused() != paused {
			var err error
			if paused {
				err = p.Pause(ctx)
			} else {
				err = p.Resume(ctx)
			}
			if err != nil {
				log.Error().Err(err).Str("module", "app.orch").Str("producer_id", p.ID()).Bool("paused", paused).Msg("producer state change failed")
				errs = append(errs, engineError("producer "+p.ID(), err))
				continue
			}
		}
		applied = append(applied, p.ID())
	}
	return applied, errors.Join(errs...)
}

// revertProducers undoes applyProducers when its result could not be recorded.
func (o *Orchestrator) revertProducers(producers []engine.Producer, applied []string, paused bool) {
	if len(applied) == 0 {
		return
	}
	ctx, cancel := o.bounded(context.Background())
	defer cancel()
	var undo []engine.Producer
	for _, p := range producers {
		if slices.Contains(applied, p.ID()) {
			undo = append(undo, p)
		}
	}
	if _, err := o.applyProducers(ctx, undo, !paused); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("revert producer state")
	}
}

// markProducersLocked records the new paused state for the producers and
// the producer-driven flag on every dependent consumer. Owners of consumers
// whose effective state changed are notified.
func (o *Orchestrator) markProducersLocked(peer *app.Peer, producerIDs []string, paused bool) []consumerState {
	typ := core.EventConsumerResumed
	if paused {
		typ = core.EventConsumerPaused
	}
	var states []consumerState
	for _, pid := range producerIDs {
		e, ok := peer.Producers[pid]
		if !ok {
			continue
		}
		e.Paused = paused
		for _, ref := range o.Registry.ConsumersOf(pid) {
			before := ref.Entry.Paused()
			ref.Entry.PausedByProducer = paused
			if ref.Entry.Paused() != before {
				o.notify(ref.Owner.ID(), core.Event{
					Type:    typ,
					Payload: core.ConsumerRef{ConsumerID: ref.ID, ProducerID: pid},
				})
			}
			states = append(states, consumerState{
				id:       ref.ID,
				consumer: ref.Entry.Consumer,
				kind:     ref.Entry.Kind,
				paused:   ref.Entry.Paused(),
			})
		}
	}
	return states
}

// settleConsumers drives engine consumers to the recorded state. It re-reads
// the registry after each round so concurrent changes are picked up.
func (o *Orchestrator) settleConsumers(ctx context.Context, states []consumerState) {
	for round := 0; round < maxSettleRounds && len(states) > 0; round++ {
		o.applyConsumerStates(ctx, states)

		var drift []consumerState
		err := o.exec(ctx, func() {
			for _, s := range states {
				ref, ok := o.Registry.Consumer(s.id)
				if !ok {
					continue
				}
				if want := ref.Entry.Paused(); want != s.paused {
					drift = append(drift, consumerState{id: s.id, consumer: s.consumer, kind: s.kind, paused: want})
				}
			}
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("settle consumers")
			return
		}
		states = drift
	}
}

func (o *Orchestrator) applyConsumerStates(ctx context.Context, states []consumerState) {
	p := pool.New().WithMaxGoroutines(cascadeWorkers)
	for _, s := range states {
		p.Go(func() {
			if s.consumer.Paused() == s.paused {
				return
			}
			var err error
			if s.paused {
				err = s.consumer.Pause(ctx)
			} else {
				err = s.consumer.Resume(ctx)
				if err == nil && s.kind == domain.MediaKindVideo {
					if kerr := s.consumer.RequestKeyFrame(ctx); kerr != nil {
						log.Debug().Err(kerr).Str("module", "app.orch").Str("consumer_id", s.id).Msg("key frame request")
					}
				}
			}
			if err != nil {
				log.Warn().Err(err).Str("module", "app.orch").Str("consumer_id", s.id).Bool("paused", s.paused).Msg("consumer state change failed")
			}
		})
	}
	p.Wait()
}
