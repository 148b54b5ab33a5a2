package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, sid domain.PeerID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(frameTypeOf(data), data); err != nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid domain.PeerID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.limiter.Forget(sid)
		ctl.Orch.Disconnect(sid)
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	})

	for {
		frameType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))

		codec := codecFor(frameType)
		c.SetCodec(codec)
		resp := ctl.handleSignal(ctx, sid, codec, data)
		ctl.reply(sid, c, resp)
	}
}

// handleSignal decodes one inbound frame and returns the response to send.
func (ctl *SignalWSController) handleSignal(ctx context.Context, sid domain.PeerID, codec Codec, data []byte) core.Message {
	req, err := codec.DecodeRequest(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Str("codec", codec.Name()).Msg("bad frame")
		return core.Failure(0, err)
	}

	out, err := ctl.dispatch(ctx, sid, req)
	if err != nil {
		lvl := zerolog.InfoLevel
		if core.Code(err) == core.CodeInternal || core.Code(err) == core.CodeEngine {
			lvl = zerolog.ErrorLevel
		}
		log.WithLevel(lvl).Err(err).
			Str("module", "adapters.signal").
			Str("sid", string(sid)).
			Str("type", req.Type).
			Str("code", core.Code(err)).
			Msg("request failed")
		return core.Failure(req.ID, err)
	}
	return core.Response(req.ID, out)
}

func (ctl *SignalWSController) dispatch(ctx context.Context, sid domain.PeerID, req *Request) (any, error) {
	switch req.Type {
	case "join-request":
		return ctl.handleJoin(ctx, sid, req)
	case "leave":
		return ctl.handleLeave(ctx, sid)
	case "ping":
		return ctl.handlePing()
	case "whoami":
		return ctl.handleWhoAmI(ctx, sid)
	case "broadcast":
		return ctl.handleBroadcast(ctx, sid, req)
	case "get-router-capabilities":
		return ctl.Orch.RouterCapabilities(), nil
	case "join-router":
		return ctl.handleJoinRouter(ctx, sid, req)
	case "create-producer-transport":
		return ctl.Orch.CreateProducerTransport(ctx, sid)
	case "create-consumer-transport":
		return ctl.Orch.CreateConsumerTransport(ctx, sid)
	case "connect-producer-transport":
		return ctl.handleConnect(ctx, sid, req, ctl.Orch.ConnectProducerTransport)
	case "connect-consumer-transport":
		return ctl.handleConnect(ctx, sid, req, ctl.Orch.ConnectConsumerTransport)
	case "produce":
		return ctl.handleProduce(ctx, sid, req)
	case "consume":
		return ctl.handleConsume(ctx, sid, req)
	case "resume-consumer":
		return ctl.handleConsumerOp(ctx, sid, req, ctl.Orch.ResumeConsumer)
	case "pause-consumer":
		return ctl.handleConsumerOp(ctx, sid, req, ctl.Orch.PauseConsumer)
	case "toggle-video":
		return ctl.handleToggle(ctx, sid, req, domain.MediaKindVideo)
	case "toggle-audio":
		return ctl.handleToggle(ctx, sid, req, domain.MediaKindAudio)
	case "pause-producer":
		return ctl.handleProducerOp(ctx, sid, req, ctl.Orch.PauseProducer)
	case "resume-producer":
		return ctl.handleProducerOp(ctx, sid, req, ctl.Orch.ResumeProducer)
	case "close-producer":
		return ctl.handleProducerOp(ctx, sid, req, ctl.Orch.CloseProducer)
	default:
		return nil, fmt.Errorf("%w: unknown signal %q", core.ErrBadRequest, req.Type)
	}
}

func (ctl *SignalWSController) reply(sid domain.PeerID, c *WsSignalConn, msg core.Message) {
	frame, err := c.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("encode response")
		return
	}
	if err := c.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Uint64("id", msg.ID).Msg("response dropped")
	}
}

type success struct {
	Success bool `json:"success"`
}

var ack = success{Success: true}
