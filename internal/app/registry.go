package app

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// ConsumerRef locates a consumer and its owner.
type ConsumerRef struct {
	Owner *Peer
	ID    string
	Entry *ConsumerEntry
}

// Registry indexes connections, peers and the resources they own.
// It is owned by the coordinator loop and is not safe for concurrent use.
type Registry struct {
	conns map[domain.PeerID]*conn
	peers map[domain.PeerID]*Peer

	transports map[string]domain.PeerID
	producers  map[string]domain.PeerID
	consumers  map[string]domain.PeerID
	byProducer map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:      make(map[domain.PeerID]*conn),
		peers:      make(map[domain.PeerID]*Peer),
		transports: make(map[string]domain.PeerID),
		producers:  make(map[string]domain.PeerID),
		consumers:  make(map[string]domain.PeerID),
		byProducer: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) BindSignal(id domain.PeerID, sc core.SignalConnection, cancel context.CancelFunc) {
	r.conns[id] = &conn{Conn: sc, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("bound signal")
}

func (r *Registry) Unbind(id domain.PeerID) {
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("unbind signal")
}

func (r *Registry) Conn(id domain.PeerID) (core.SignalConnection, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return c.Conn, true
}

// Cancel stops the connection's pumps; the adapter then disconnects it.
func (r *Registry) Cancel(id domain.PeerID) bool {
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if c.Cancel != nil {
		c.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("canceled session")
	return true
}

func (r *Registry) Register(p *Peer) error {
	if _, ok := r.peers[p.ID()]; ok {
		return fmt.Errorf("peer %s: %w", p.ID(), core.ErrAlreadyExists)
	}
	r.peers[p.ID()] = p
	log.Info().Str("module", "app.registry").Str("sid", string(p.ID())).Str("room", string(p.Room)).Msg("registered peer")
	return nil
}

func (r *Registry) Lookup(id domain.PeerID) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// Get is Lookup with a NotFound error.
func (r *Registry) Get(id domain.PeerID) (*Peer, error) {
	p, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("peer %s: %w", id, core.ErrNotFound)
	}
	return p, nil
}

// Remove drops the peer and every index entry of resources it owns. The
// resources themselves are left for the caller to close.
func (r *Registry) Remove(id domain.PeerID) (*Peer, bool) {
	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	for cid := range p.Consumers {
		r.unindexConsumer(cid, p.Consumers[cid].ProducerID)
	}
	for pid := range p.Producers {
		delete(r.producers, pid)
	}
	if p.ProducerTransport != nil {
		delete(r.transports, p.ProducerTransport.ID())
	}
	if p.ConsumerTransport != nil {
		delete(r.transports, p.ConsumerTransport.ID())
	}
	delete(r.peers, id)
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("removed peer")
	return p, true
}

func (r *Registry) Len() int { return len(r.peers) }

func (r *Registry) IndexTransport(owner domain.PeerID, transportID string) {
	r.transports[transportID] = owner
}

func (r *Registry) UnindexTransport(transportID string) {
	delete(r.transports, transportID)
}

func (r *Registry) TransportOwner(transportID string) (*Peer, bool) {
	id, ok := r.transports[transportID]
	if !ok {
		return nil, false
	}
	return r.Lookup(id)
}

func (r *Registry) AddProducer(owner *Peer, id string, e *ProducerEntry) {
	owner.Producers[id] = e
	r.producers[id] = owner.ID()
}

func (r *Registry) RemoveProducer(id string) (*Peer, *ProducerEntry, bool) {
	ownerID, ok := r.producers[id]
	if !ok {
		return nil, nil, false
	}
	delete(r.producers, id)
	owner, ok := r.peers[ownerID]
	if !ok {
		return nil, nil, false
	}
	e, ok := owner.Producers[id]
	delete(owner.Producers, id)
	return owner, e, ok
}

func (r *Registry) ProducerOwner(id string) (*Peer, *ProducerEntry, bool) {
	ownerID, ok := r.producers[id]
	if !ok {
		return nil, nil, false
	}
	owner, ok := r.peers[ownerID]
	if !ok {
		return nil, nil, false
	}
	e, ok := owner.Producers[id]
	return owner, e, ok
}

func (r *Registry) AddConsumer(owner *Peer, id string, e *ConsumerEntry) {
	owner.Consumers[id] = e
	r.consumers[id] = owner.ID()
	set, ok := r.byProducer[e.ProducerID]
	if !ok {
		set = make(map[string]struct{})
		r.byProducer[e.ProducerID] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) RemoveConsumer(id string) (*Peer, *ConsumerEntry, bool) {
	ownerID, ok := r.consumers[id]
	if !ok {
		return nil, nil, false
	}
	owner, ok := r.peers[ownerID]
	if !ok {
		delete(r.consumers, id)
		return nil, nil, false
	}
	e, ok := owner.Consumers[id]
	if !ok {
		delete(r.consumers, id)
		return nil, nil, false
	}
	delete(owner.Consumers, id)
	r.unindexConsumer(id, e.ProducerID)
	return owner, e, true
}

func (r *Registry) Consumer(id string) (ConsumerRef, bool) {
	ownerID, ok := r.consumers[id]
	if !ok {
		return ConsumerRef{}, false
	}
	owner, ok := r.peers[ownerID]
	if !ok {
		return ConsumerRef{}, false
	}
	e, ok := owner.Consumers[id]
	if !ok {
		return ConsumerRef{}, false
	}
	return ConsumerRef{Owner: owner, ID: id, Entry: e}, true
}

// ConsumersOf returns every consumer, across all peers, sourced from producerID.
func (r *Registry) ConsumersOf(producerID string) []ConsumerRef {
	set := r.byProducer[producerID]
	out := make([]ConsumerRef, 0, len(set))
	for id := range set {
		if ref, ok := r.Consumer(id); ok {
			out = append(out, ref)
		}
	}
	return out
}

func (r *Registry) unindexConsumer(id, producerID string) {
	delete(r.consumers, id)
	if set, ok := r.byProducer[producerID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byProducer, producerID)
		}
	}
}
