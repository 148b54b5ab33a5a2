package orch

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/rs/zerolog/log"
)

type Direction int

const (
	DirectionSend Direction = iota
	DirectionRecv
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "recv"
}

func transportOf(peer *app.Peer, dir Direction) engine.Transport {
	if dir == DirectionSend {
		if peer.ProducerTransport == nil {
			return nil
		}
		return peer.ProducerTransport
	}
	if peer.ConsumerTransport == nil {
		return nil
	}
	return peer.ConsumerTransport
}

func (o *Orchestrator) CreateProducerTransport(ctx context.Context, id domain.PeerID) (engine.TransportParameters, error) {
	return o.createTransport(ctx, id, DirectionSend)
}

func (o *Orchestrator) CreateConsumerTransport(ctx context.Context, id domain.PeerID) (engine.TransportParameters, error) {
	return o.createTransport(ctx, id, DirectionRecv)
}

func (o *Orchestrator) createTransport(ctx context.Context, id domain.PeerID, dir Direction) (engine.TransportParameters, error) {
	ctx, cancel := o.bounded(ctx)
	defer cancel()

	_, err := onLoop(ctx, o, func() (struct{}, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return struct{}{}, err
		}
		if transportOf(peer, dir) != nil {
			return struct{}{}, fmt.Errorf("%s transport of %s: %w", dir, id, core.ErrAlreadyExists)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return engine.TransportParameters{}, err
	}

	opts := engine.TransportOptions{
		EnableSctp:                      o.cfg.EnableSctp,
		InitialAvailableOutgoingBitrate: o.cfg.InitialAvailableOutgoingBitrate,
	}
	var (
		sendT engine.ProducerTransport
		recvT engine.ConsumerTransport
		t     engine.Transport
	)
	if dir == DirectionSend {
		sendT, err = o.Router.CreateProducerTransport(ctx, opts)
		t = sendT
	} else {
		recvT, err = o.Router.CreateConsumerTransport(ctx, opts)
		t = recvT
	}
	if err != nil {
		return engine.TransportParameters{}, engineError("create transport", err)
	}
	if o.cfg.MaxIncomingBitrate > 0 {
		if err := t.SetMaxIncomingBitrate(o.cfg.MaxIncomingBitrate); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("sid", string(id)).Str("transport_id", t.ID()).Msg("set max incoming bitrate")
		}
	}

	_, err = onLoop(ctx, o, func() (struct{}, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return struct{}{}, err
		}
		if transportOf(peer, dir) != nil {
			return struct{}{}, fmt.Errorf("%s transport of %s: %w", dir, id, core.ErrAlreadyExists)
		}
		if dir == DirectionSend {
			peer.ProducerTransport = sendT
		} else {
			peer.ConsumerTransport = recvT
		}
		o.Registry.IndexTransport(id, t.ID())
		return struct{}{}, nil
	})
	if err != nil {
		t.Close()
		return engine.TransportParameters{}, err
	}

	params := t.Parameters()
	params.IceServers = o.cfg.IceServers
	log.Info().Str("module", "app.orch").Str("sid", string(id)).Str("transport_id", t.ID()).Str("direction", dir.String()).Msg("transport created")
	return params, nil
}

func (o *Orchestrator) ConnectProducerTransport(ctx context.Context, id domain.PeerID, params engine.ConnectParams) error {
	return o.connectTransport(ctx, id, DirectionSend, params)
}

func (o *Orchestrator) ConnectConsumerTransport(ctx context.Context, id domain.PeerID, params engine.ConnectParams) error {
	return o.connectTransport(ctx, id, DirectionRecv, params)
}

func (o *Orchestrator) connectTransport(ctx context.Context, id domain.PeerID, dir Direction, params engine.ConnectParams) error {
	ctx, cancel := o.bounded(ctx)
	defer cancel()

	t, err := onLoop(ctx, o, func() (engine.Transport, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		t := transportOf(peer, dir)
		if t == nil {
			return nil, fmt.Errorf("%s transport of %s: %w", dir, id, core.ErrNotFound)
		}
		return t, nil
	})
	if err != nil {
		return err
	}

	if e := log.Trace(); e.Enabled() {
		e.Str("module", "app.orch").Str("transport_id", t.ID()).Str("params", spew.Sdump(params)).Msg("connect transport")
	}
	if err := t.Connect(ctx, params); err != nil {
		return engineError("connect transport", err)
	}

	_, err = onLoop(ctx, o, func() (struct{}, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return struct{}{}, err
		}
		if cur := transportOf(peer, dir); cur == nil || cur.ID() != t.ID() {
			return struct{}{}, fmt.Errorf("%s transport %s: %w", dir, t.ID(), core.ErrNotFound)
		}
		return struct{}{}, nil
	})
	if err == nil {
		log.Info().Str("module", "app.orch").Str("sid", string(id)).Str("transport_id", t.ID()).Msg("transport connected")
	}
	return err
}
