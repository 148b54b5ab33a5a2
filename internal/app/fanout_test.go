package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/core/mock_core"
	"github.com/dkeye/Huddle/internal/domain"
	"go.uber.org/mock/gomock"
)

type kickPolicy struct{ action BackpressureAction }

func (p kickPolicy) OnBackPressure(domain.RoomID, domain.PeerID) BackpressureAction { return p.action }

func TestFanoutDeliversToEveryTarget(t *testing.T) {
	ctrl := gomock.NewController(t)
	done := make(chan struct{}, 2)

	targets := make([]Target, 0, 2)
	for _, id := range []domain.PeerID{"b", "c"} {
		conn := mock_core.NewMockSignalConnection(ctrl)
		conn.EXPECT().Encode(gomock.Any()).Return(core.Frame(`{}`), nil).Times(1)
		conn.EXPECT().TrySend(core.Frame(`{}`)).DoAndReturn(func(core.Frame) error {
			done <- struct{}{}
			return nil
		}).Times(1)
		targets = append(targets, Target{ID: id, Conn: conn})
	}

	f := NewFanout(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	f.Publish(Delivery{
		Event:   core.Event{Type: core.EventUserDisconnected, Payload: core.PeerRef{PeerID: "a"}},
		Room:    "r1",
		Targets: targets,
	})
	for range 2 {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("delivery timed out")
		}
	}
	waitFor(t, func() bool { return f.Sent() == 2 })
}

func TestFanoutBackpressureKicks(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock_core.NewMockSignalConnection(ctrl)
	conn.EXPECT().Encode(gomock.Any()).Return(core.Frame(`{}`), nil)
	conn.EXPECT().TrySend(gomock.Any()).Return(core.ErrBackpressure)

	kicked := make(chan domain.PeerID, 1)
	f := NewFanout(kickPolicy{action: KickMember}, func(id domain.PeerID) { kicked <- id })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	f.Publish(Delivery{
		Event:   core.Event{Type: core.EventUserJoined},
		Targets: []Target{{ID: "slow", Conn: conn}},
	})
	select {
	case id := <-kicked:
		if id != "slow" {
			t.Fatalf("kicked %q, want slow", id)
		}
	case <-time.After(time.Second):
		t.Fatal("slow peer was not kicked")
	}
}

func TestFanoutDropFrameDoesNotKick(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock_core.NewMockSignalConnection(ctrl)
	sent := make(chan struct{})
	conn.EXPECT().Encode(gomock.Any()).Return(core.Frame(`{}`), nil)
	conn.EXPECT().TrySend(gomock.Any()).DoAndReturn(func(core.Frame) error {
		close(sent)
		return core.ErrBackpressure
	})

	f := NewFanout(TolerantPolicy{}, func(domain.PeerID) { t.Error("must not kick") })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	f.Publish(Delivery{Event: core.Event{Type: core.EventUserJoined}, Targets: []Target{{ID: "slow", Conn: conn}}})
	<-sent
	waitFor(t, func() bool { return f.Dropped() == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
