package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoinRouter(ctx context.Context, sid domain.PeerID, req *Request) (success, error) {
	var p struct {
		RtpCapabilities engine.RtpCapabilities `json:"rtpCapabilities"`
	}
	if err := req.Bind(&p); err != nil {
		return success{}, err
	}
	if err := ctl.Orch.JoinRouter(ctx, sid, p.RtpCapabilities); err != nil {
		return success{}, err
	}
	return ack, nil
}

func (ctl *SignalWSController) handleConnect(
	ctx context.Context,
	sid domain.PeerID,
	req *Request,
	connect func(context.Context, domain.PeerID, engine.ConnectParams) error,
) (success, error) {
	var p engine.ConnectParams
	if err := req.Bind(&p); err != nil {
		return success{}, err
	}
	if len(p.DtlsParameters.Fingerprints) == 0 {
		return success{}, fmt.Errorf("%w: dtlsParameters without fingerprints", core.ErrBadRequest)
	}
	if err := connect(ctx, sid, p); err != nil {
		return success{}, err
	}
	return ack, nil
}

type produced struct {
	ProducerID string `json:"producerId"`
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, sid domain.PeerID, req *Request) (produced, error) {
	var p struct {
		Kind          string               `json:"kind"`
		RtpParameters engine.RtpParameters `json:"rtpParameters"`
		TransportID   string               `json:"transportId"`
	}
	if err := req.Bind(&p); err != nil {
		return produced{}, err
	}
	kind, err := domain.ParseMediaKind(p.Kind)
	if err != nil {
		return produced{}, fmt.Errorf("%w: %w", core.ErrBadRequest, err)
	}
	id, err := ctl.Orch.Produce(ctx, sid, kind, p.RtpParameters, p.TransportID)
	if err != nil {
		return produced{}, err
	}
	return produced{ProducerID: id}, nil
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, sid domain.PeerID, req *Request) ([]orch.ConsumerDescriptor, error) {
	var p struct {
		PeerID domain.PeerID `json:"peerId"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	if p.PeerID == "" {
		return nil, fmt.Errorf("%w: missing peerId", core.ErrBadRequest)
	}
	return ctl.Orch.Consume(ctx, sid, p.PeerID)
}

func (ctl *SignalWSController) handleConsumerOp(
	ctx context.Context,
	sid domain.PeerID,
	req *Request,
	op func(context.Context, domain.PeerID, string) error,
) (success, error) {
	var p struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := req.Bind(&p); err != nil {
		return success{}, err
	}
	if err := op(ctx, sid, p.ConsumerID); err != nil {
		return success{}, err
	}
	return ack, nil
}

func (ctl *SignalWSController) handleProducerOp(
	ctx context.Context,
	sid domain.PeerID,
	req *Request,
	op func(context.Context, domain.PeerID, string) error,
) (success, error) {
	var p struct {
		ProducerID string `json:"producerId"`
	}
	if err := req.Bind(&p); err != nil {
		return success{}, err
	}
	if err := op(ctx, sid, p.ProducerID); err != nil {
		return success{}, err
	}
	return ack, nil
}

// handleToggle acknowledges only after the coordinator applied the change;
// clients must not flip their own state before the response arrives.
func (ctl *SignalWSController) handleToggle(ctx context.Context, sid domain.PeerID, req *Request, kind domain.MediaKind) (success, error) {
	var p struct {
		Enabled *bool `json:"enabled"`
	}
	if err := req.Bind(&p); err != nil {
		return success{}, err
	}
	if p.Enabled == nil {
		return success{}, fmt.Errorf("%w: missing enabled", core.ErrBadRequest)
	}
	log.Debug().Str("module", "adapters.signal").Str("sid", string(sid)).Str("kind", string(kind)).Bool("enabled", *p.Enabled).Msg("toggle")
	if err := ctl.Orch.Toggle(ctx, sid, kind, *p.Enabled); err != nil {
		return success{}, err
	}
	return ack, nil
}
