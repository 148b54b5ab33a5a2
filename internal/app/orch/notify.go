package orch

import (
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// broadcast sends ev to every room member except exclude. Loop only.
func (o *Orchestrator) broadcast(room domain.RoomID, exclude domain.PeerID, ev core.Event) {
	members := o.Rooms.MembersOf(room)
	targets := make([]app.Target, 0, len(members))
	for _, id := range members {
		if id == exclude {
			continue
		}
		if conn, ok := o.Registry.Conn(id); ok {
			targets = append(targets, app.Target{ID: id, Conn: conn})
		}
	}
	o.Fanout.Publish(app.Delivery{Event: ev, Room: room, Targets: targets})
}

// notify sends ev to a single peer. Loop only.
func (o *Orchestrator) notify(id domain.PeerID, ev core.Event) {
	conn, ok := o.Registry.Conn(id)
	if !ok {
		return
	}
	var room domain.RoomID
	if p, ok := o.Registry.Lookup(id); ok {
		room = p.Room
	}
	o.Fanout.Publish(app.Delivery{Event: ev, Room: room, Targets: []app.Target{{ID: id, Conn: conn}}})
}
