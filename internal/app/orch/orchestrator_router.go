package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) RouterCapabilities() engine.RtpCapabilities {
	return o.Router.RtpCapabilities()
}

// JoinRouter attaches the peer's receive capabilities. They are set once.
func (o *Orchestrator) JoinRouter(ctx context.Context, id domain.PeerID, caps engine.RtpCapabilities) error {
	if len(caps.Codecs) == 0 {
		return fmt.Errorf("%w: rtp capabilities without codecs", core.ErrBadRequest)
	}
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	_, err := onLoop(ctx, o, func() (struct{}, error) {
		peer, err := o.Registry.Get(id)
		if err != nil {
			return struct{}{}, err
		}
		if peer.Caps != nil {
			return struct{}{}, fmt.Errorf("peer %s: %w", id, core.ErrAlreadyNegotiated)
		}
		peer.Caps = &caps
		log.Info().Str("module", "app.orch").Str("sid", string(id)).Int("codecs", len(caps.Codecs)).Msg("rtp capabilities set")
		return struct{}{}, nil
	})
	return err
}
