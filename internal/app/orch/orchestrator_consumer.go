package orch

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/rs/zerolog/log"
)

type ConsumerDescriptor struct {
	ID            string               `json:"id"`
	ProducerID    string               `json:"producerId"`
	PeerID        domain.PeerID        `json:"peerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters engine.RtpParameters `json:"rtpParameters"`
	Paused        bool                 `json:"paused"`
}

func describe(id string, source domain.PeerID, e *app.ConsumerEntry) ConsumerDescriptor {
	return ConsumerDescriptor{
		ID:            id,
		ProducerID:    e.ProducerID,
		PeerID:        source,
		Kind:          e.Kind,
		RtpParameters: e.Consumer.RtpParameters(),
		Paused:        e.Paused(),
	}
}

// Consume subscribes the peer to every producer the source peer has right
// now. Incompatible or failing producers are skipped.
func (o *Orchestrator) Consume(ctx context.Context, id, sourceID domain.PeerID) ([]ConsumerDescriptor, error) {
	ctx, cancel := o.bounded(ctx)
	defer cancel()

	type candidate struct {
		producerID string
		kind       domain.MediaKind
		paused     bool
	}
	type snapshot struct {
		transport  engine.ConsumerTransport
		caps       *engine.RtpCapabilities
		existing   []ConsumerDescriptor
		candidates []candidate
	}
	snap, err := onLoop(ctx, o, func() (snapshot, error) {
		sub, err := o.Registry.Get(id)
		if err != nil {
			return snapshot{}, err
		}
		src, err := o.Registry.Get(sourceID)
		if err != nil {
			return snapshot{}, err
		}
		if src.Room != sub.Room {
			return snapshot{}, fmt.Errorf("peer %s not in room %s: %w", sourceID, sub.Room, core.ErrNotFound)
		}
		if sub.ConsumerTransport == nil {
			return snapshot{}, fmt.Errorf("consumer transport of %s: %w", id, core.ErrNotFound)
		}
		s := snapshot{transport: sub.ConsumerTransport, caps: sub.Caps}
		for pid, e := range src.Producers {
			if cid, ce, ok := sub.ConsumerOf(pid); ok {
				s.existing = append(s.existing, describe(cid, sourceID, ce))
				continue
			}
			s.candidates = append(s.candidates, candidate{producerID: pid, kind: e.Kind, paused: e.Paused})
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if snap.caps == nil {
		log.Warn().Str("module", "app.orch").Str("sid", string(id)).Msg("consume before rtp capabilities")
		return []ConsumerDescriptor{}, nil
	}

	type created struct {
		consumer engine.Consumer
		paused   bool
	}
	var made []created
	for _, c := range snap.candidates {
		if !o.Router.CanConsume(c.producerID, *snap.caps) {
			log.Info().Str("module", "app.orch").Str("sid", string(id)).Str("producer_id", c.producerID).Msg("skip incompatible producer")
			continue
		}
		paused := c.kind == domain.MediaKindVideo || c.paused
		consumer, err := snap.transport.Consume(ctx, engine.ConsumeOptions{
			ProducerID:      c.producerID,
			RtpCapabilities: *snap.caps,
			Paused:          paused,
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("sid", string(id)).Str("producer_id", c.producerID).Msg("consume failed")
			continue
		}
		made = append(made, created{consumer: consumer, paused: paused})
	}

	type result struct {
		descriptors []ConsumerDescriptor
		fixups      []consumerState
		discard     []engine.Consumer
	}
	res, err := onLoop(ctx, o, func() (result, error) {
		var r result
		sub, ok := o.Registry.Lookup(id)
		if !ok || sub.ConsumerTransport == nil || sub.ConsumerTransport.ID() != snap.transport.ID() {
			return r, fmt.Errorf("consumer transport of %s: %w", id, core.ErrNotFound)
		}
		for _, m := range made {
			owner, pe, ok := o.Registry.ProducerOwner(m.consumer.ProducerID())
			if !ok {
				r.discard = append(r.discard, m.consumer)
				continue
			}
			e := &app.ConsumerEntry{
				Consumer:           m.consumer,
				ProducerID:         m.consumer.ProducerID(),
				Kind:               m.consumer.Kind(),
				PausedBySubscriber: m.consumer.Kind() == domain.MediaKindVideo,
				PausedByProducer:   pe.Paused,
			}
			o.Registry.AddConsumer(sub, m.consumer.ID(), e)
			if e.Paused() != m.paused {
				r.fixups = append(r.fixups, consumerState{id: m.consumer.ID(), consumer: m.consumer, kind: e.Kind, paused: e.Paused()})
			}
			r.descriptors = append(r.descriptors, describe(m.consumer.ID(), owner.ID(), e))
		}
		return r, nil
	})
	if err != nil {
		// Nothing was registered: either the peer went away or the loop
		// was never reached before the deadline.
		for _, m := range made {
			m.consumer.Close()
		}
		return nil, err
	}
	for _, c := range res.discard {
		c.Close()
	}
	o.settleConsumers(ctx, res.fixups)

	out := make([]ConsumerDescriptor, 0, len(snap.existing)+len(res.descriptors))
	out = append(out, snap.existing...)
	out = append(out, res.descriptors...)
	slices.SortFunc(out, func(a, b ConsumerDescriptor) int {
		if c := strings.Compare(string(a.Kind), string(b.Kind)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	log.Info().
		Str("module", "app.orch").
		Str("sid", string(id)).
		Str("source", string(sourceID)).
		Int("created", len(res.descriptors)).
		Int("skipped", len(snap.candidates)-len(res.descriptors)).
		Msg("consume")
	return out, nil
}

// ResumeConsumer lifts the subscriber's pause. The consumer stays paused
// while its producer is paused.
func (o *Orchestrator) ResumeConsumer(ctx context.Context, id domain.PeerID, consumerID string) error {
	return o.setConsumerPaused(ctx, id, consumerID, false)
}

func (o *Orchestrator) PauseConsumer(ctx context.Context, id domain.PeerID, consumerID string) error {
	return o.setConsumerPaused(ctx, id, consumerID, true)
}

func (o *Orchestrator) setConsumerPaused(ctx context.Context, id domain.PeerID, consumerID string, paused bool) error {
	ctx, cancel := o.bounded(ctx)
	defer cancel()

	state, err := onLoop(ctx, o, func() (consumerState, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return consumerState{}, err
		}
		e, ok := peer.Consumers[consumerID]
		if !ok {
			return consumerState{}, fmt.Errorf("consumer %s: %w", consumerID, core.ErrNotFound)
		}
		e.PausedBySubscriber = paused
		return consumerState{id: consumerID, consumer: e.Consumer, kind: e.Kind, paused: e.Paused()}, nil
	})
	if err != nil {
		return err
	}
	o.settleConsumers(ctx, []consumerState{state})

	_, err = onLoop(ctx, o, func() (struct{}, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return struct{}{}, err
		}
		if _, ok := peer.Consumers[consumerID]; !ok {
			return struct{}{}, fmt.Errorf("consumer %s: %w", consumerID, core.ErrNotFound)
		}
		return struct{}{}, nil
	})
	return err
}
