package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/rs/zerolog/log"
)

const defaultRequestTimeout = 10 * time.Second

var ErrStopped = errors.New("coordinator stopped")

type Config struct {
	RequestTimeout                  time.Duration
	MaxIncomingBitrate              uint64
	InitialAvailableOutgoingBitrate uint64
	IceServers                      []engine.IceServer
	EnableSctp                      bool
}

// Orchestrator coordinates rooms, peers and media resources. All registry
// and directory access happens on the goroutine running Run; engine calls
// are made outside it and every handler re-validates state afterwards.
type Orchestrator struct {
	cfg Config

	Registry *app.Registry
	Rooms    *app.RoomDirectory
	Router   engine.Router
	Fanout   *app.Fanout

	ops     chan func()
	stopped chan struct{}
}

func New(cfg Config, router engine.Router, policy app.Policy) *Orchestrator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	o := &Orchestrator{
		cfg:      cfg,
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomDirectory(),
		Router:   router,
		ops:      make(chan func()),
		stopped:  make(chan struct{}),
	}
	o.Fanout = app.NewFanout(policy, o.Kick)
	return o
}

// Run owns coordinator state until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.stopped)
	events := o.Router.Events()
	log.Info().Str("module", "app.orch").Msg("coordinator loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.orch").Msg("coordinator loop stopped")
			return nil
		case fn := <-o.ops:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			o.handleEngineEvent(ev)
		}
	}
}

// exec runs fn on the loop and waits for it.
func (o *Orchestrator) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case o.ops <- func() { defer close(done); fn() }:
	case <-ctx.Done():
		return core.Timeout(ctx.Err())
	case <-o.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

func onLoop[T any](ctx context.Context, o *Orchestrator, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if e := o.exec(ctx, func() { out, err = fn() }); e != nil {
		return out, e
	}
	return out, err
}

func (o *Orchestrator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.RequestTimeout)
}

// Connect binds a signaling connection before the peer joins a room.
func (o *Orchestrator) Connect(ctx context.Context, id domain.PeerID, conn core.SignalConnection, cancel context.CancelFunc) error {
	ctx, done := o.bounded(ctx)
	defer done()
	return o.exec(ctx, func() { o.Registry.BindSignal(id, conn, cancel) })
}

// Kick disconnects a peer's signaling connection. Safe to call from any goroutine.
func (o *Orchestrator) Kick(id domain.PeerID) {
	go func() {
		ctx, cancel := o.bounded(context.Background())
		defer cancel()
		if err := o.exec(ctx, func() { o.Registry.Cancel(id) }); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("sid", string(id)).Msg("kick failed")
		}
	}()
}

type Snapshot struct {
	Peers int             `json:"peers"`
	Rooms []core.RoomInfo `json:"rooms"`
	Media engine.Stats    `json:"media"`
	Sent  uint64          `json:"eventsSent"`
	Drops uint64          `json:"eventsDropped"`
}

func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	snap, err := onLoop(ctx, o, func() (Snapshot, error) {
		return Snapshot{Peers: o.Registry.Len(), Rooms: o.Rooms.List()}, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	snap.Media = o.Router.Stats()
	snap.Sent = o.Fanout.Sent()
	snap.Drops = o.Fanout.Dropped()
	return snap, nil
}

// engineError keeps known error kinds and classifies the rest as engine errors.
func engineError(op string, err error) error {
	err = core.Timeout(err)
	if core.Code(err) == core.CodeInternal {
		return fmt.Errorf("%s: %w: %w", op, core.ErrEngine, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
