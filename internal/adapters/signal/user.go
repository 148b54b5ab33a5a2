package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

func (ctl *SignalWSController) handleWhoAmI(ctx context.Context, sid domain.PeerID) (orch.Identity, error) {
	return ctl.Orch.Whoami(ctx, sid)
}

// handleBroadcast relays chat or drawing payloads to the rest of the room
// without looking inside them.
func (ctl *SignalWSController) handleBroadcast(ctx context.Context, sid domain.PeerID, req *Request) (success, error) {
	var p struct {
		Payload any `json:"payload"`
	}
	if err := req.Bind(&p); err != nil {
		return success{}, err
	}
	if p.Payload == nil {
		return success{}, fmt.Errorf("%w: empty payload", core.ErrBadRequest)
	}
	if err := ctl.Orch.Relay(ctx, sid, p.Payload); err != nil {
		return success{}, err
	}
	return ack, nil
}
