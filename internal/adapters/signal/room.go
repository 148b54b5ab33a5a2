package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, sid domain.PeerID, req *Request) (orch.JoinResult, error) {
	var p struct {
		Username string `json:"username"`
		RoomID   string `json:"roomId"`
	}
	if err := req.Bind(&p); err != nil {
		return orch.JoinResult{}, err
	}
	if !ctl.limiter.Allow(sid) {
		return orch.JoinResult{}, fmt.Errorf("%w: too many join attempts", core.ErrBadRequest)
	}

	log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Str("room", p.RoomID).Str("name", p.Username).Msg("join")
	return ctl.Orch.Join(ctx, sid, p.Username, p.RoomID)
}

// handleLeave exits the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(ctx context.Context, sid domain.PeerID) (success, error) {
	log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("leave")
	if err := ctl.Orch.Leave(ctx, sid); err != nil {
		return success{}, err
	}
	return ack, nil
}
