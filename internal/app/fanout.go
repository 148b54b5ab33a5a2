package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type Target struct {
	ID   domain.PeerID
	Conn core.SignalConnection
}

// Delivery is an event with its recipients resolved at publish time.
type Delivery struct {
	Event   core.Event
	Room    domain.RoomID
	Targets []Target
}

// Fanout encodes and sends events off the coordinator loop. Publish never
// blocks; deliveries are sent in publish order.
type Fanout struct {
	policy Policy
	onKick func(domain.PeerID)

	mu      sync.Mutex
	pending []Delivery
	notify  chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewFanout(policy Policy, onKick func(domain.PeerID)) *Fanout {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Fanout{
		policy: policy,
		onKick: onKick,
		notify: make(chan struct{}, 1),
	}
}

func (f *Fanout) Publish(d Delivery) {
	if len(d.Targets) == 0 {
		return
	}
	f.mu.Lock()
	f.pending = append(f.pending, d)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Run delivers until ctx is done.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		f.mu.Lock()
		batch := f.pending
		f.pending = nil
		f.mu.Unlock()

		for _, d := range batch {
			f.deliver(d)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-f.notify:
		}
	}
}

func (f *Fanout) deliver(d Delivery) {
	msg := d.Event.Message()
	for _, t := range d.Targets {
		frame, err := t.Conn.Encode(msg)
		if err != nil {
			log.Error().Err(err).Str("module", "app.fanout").Str("event", string(d.Event.Type)).Msg("encode event")
			continue
		}
		err = t.Conn.TrySend(frame)
		switch {
		case err == nil:
			f.sent.Add(1)
		case errors.Is(err, core.ErrBackpressure):
			f.dropped.Add(1)
			action := f.policy.OnBackPressure(d.Room, t.ID)
			log.Warn().
				Str("module", "app.fanout").
				Str("sid", string(t.ID)).
				Str("event", string(d.Event.Type)).
				Str("action", action.String()).
				Msg("peer is slow")
			if action == KickMember && f.onKick != nil {
				f.onKick(t.ID)
			}
		default:
			f.dropped.Add(1)
			log.Debug().Err(err).Str("module", "app.fanout").Str("sid", string(t.ID)).Msg("send failed")
		}
	}
}

func (f *Fanout) Sent() uint64    { return f.sent.Load() }
func (f *Fanout) Dropped() uint64 { return f.dropped.Load() }
