package orch

import (
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/rs/zerolog/log"
)

// handleEngineEvent reacts to closures the engine made on its own. Events
// for resources already removed are ignored.
func (o *Orchestrator) handleEngineEvent(ev engine.Event) {
	var closers []func()
	switch ev.Type {
	case engine.EventTransportClosed:
		closers = o.onTransportClosedLocked(ev.ID)
	case engine.EventProducerClosed:
		owner, e, ok := o.Registry.ProducerOwner(ev.ID)
		if !ok {
			return
		}
		closers = o.closeProducerLocked(owner, ev.ID, e)
		o.notify(owner.ID(), core.Event{Type: core.EventProducerClosed, Payload: core.ConsumerRef{ProducerID: ev.ID}})
		o.afterProducerGoneLocked(owner, e.Kind)
	case engine.EventConsumerClosed:
		owner, e, ok := o.Registry.RemoveConsumer(ev.ID)
		if !ok {
			return
		}
		o.notify(owner.ID(), core.Event{
			Type:    core.EventConsumerClosed,
			Payload: core.ConsumerRef{ConsumerID: ev.ID, ProducerID: e.ProducerID},
		})
	default:
		return
	}
	log.Info().Str("module", "app.orch").Str("event", ev.Type.String()).Str("id", ev.ID).Str("reason", ev.Reason).Msg("engine closed resource")
	if len(closers) > 0 {
		go runAll(closers)
	}
}

func (o *Orchestrator) onTransportClosedLocked(transportID string) []func() {
	owner, ok := o.Registry.TransportOwner(transportID)
	o.Registry.UnindexTransport(transportID)
	if !ok {
		return nil
	}
	var closers []func()
	switch {
	case owner.ProducerTransport != nil && owner.ProducerTransport.ID() == transportID:
		owner.ProducerTransport = nil
		kinds := map[domain.MediaKind]bool{}
		for pid, e := range owner.Producers {
			closers = append(closers, o.closeProducerLocked(owner, pid, e)...)
			o.notify(owner.ID(), core.Event{Type: core.EventProducerClosed, Payload: core.ConsumerRef{ProducerID: pid}})
			kinds[e.Kind] = true
		}
		for kind := range kinds {
			o.afterProducerGoneLocked(owner, kind)
		}
	case owner.ConsumerTransport != nil && owner.ConsumerTransport.ID() == transportID:
		owner.ConsumerTransport = nil
		for cid, e := range owner.Consumers {
			o.Registry.RemoveConsumer(cid)
			closers = append(closers, e.Consumer.Close)
			o.notify(owner.ID(), core.Event{
				Type:    core.EventConsumerClosed,
				Payload: core.ConsumerRef{ConsumerID: cid, ProducerID: e.ProducerID},
			})
		}
	}
	return closers
}

// closeProducerLocked unregisters a producer and all consumers of it,
// telling each consumer's owner. Returns the engine closes to run.
func (o *Orchestrator) closeProducerLocked(owner *app.Peer, producerID string, e *app.ProducerEntry) []func() {
	o.Registry.RemoveProducer(producerID)
	closers := []func(){e.Producer.Close}
	for _, ref := range o.Registry.ConsumersOf(producerID) {
		o.Registry.RemoveConsumer(ref.ID)
		closers = append(closers, ref.Entry.Consumer.Close)
		o.notify(ref.Owner.ID(), core.Event{
			Type:    core.EventConsumerClosed,
			Payload: core.ConsumerRef{ConsumerID: ref.ID, ProducerID: producerID},
		})
	}
	log.Debug().Str("module", "app.orch").Str("sid", string(owner.ID())).Str("producer_id", producerID).Int("consumers", len(closers)-1).Msg("producer closed")
	return closers
}

// afterProducerGoneLocked clears the media flag once the last producer of
// kind is gone.
func (o *Orchestrator) afterProducerGoneLocked(owner *app.Peer, kind domain.MediaKind) {
	if _, ok := o.Registry.Lookup(owner.ID()); !ok {
		return
	}
	if len(owner.ProducersOfKind(kind)) > 0 {
		return
	}
	if owner.SetMediaFlag(kind, false) {
		o.broadcast(owner.Room, owner.ID(), core.StateChangedEvent(kind, owner.ID(), false))
	}
}
