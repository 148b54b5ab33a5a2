package signal

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultReadLimit  = 32768
	defaultPingPeriod = 54 * time.Second
	defaultSendBuffer = 64
	writeWait         = 5 * time.Second
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int

	JoinRateLimit    int
	JoinRateInterval time.Duration
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	opts    Options
	limiter *RoomRateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.JoinRateLimit <= 0 {
		opts.JoinRateLimit = 5
	}
	if opts.JoinRateInterval <= 0 {
		opts.JoinRateInterval = 10 * time.Second
	}
	return &SignalWSController{
		Orch:    o,
		opts:    opts,
		limiter: NewRoomRateLimiter(opts.JoinRateLimit, opts.JoinRateInterval),
	}
}

// pongWait is how long a connection may stay silent.
func (ctl *SignalWSController) pongWait() time.Duration {
	return ctl.opts.PingPeriod * 10 / 9
}

// WsSignalConn is the outbound side of one signaling websocket.
type WsSignalConn struct {
	conn  *websocket.Conn
	send  chan core.Frame
	codec atomic.Value // Codec

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	c := &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
	c.codec.Store(JSON)
	return c
}

func (c *WsSignalConn) Codec() Codec { return c.codec.Load().(Codec) }

// SetCodec switches replies and events to the peer's latest frame format.
func (c *WsSignalConn) SetCodec(codec Codec) { c.codec.Store(codec) }

func (c *WsSignalConn) Encode(v any) (core.Frame, error) {
	b, err := c.Codec().Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the peer until the socket
// closes or ctx is done. Every socket is a new peer; the client token only
// ties log lines to a browser.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	sid := domain.PeerID(uuid.NewString())
	log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Str("client_token", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("ws upgrade")
		return
	}

	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	if err := ctl.Orch.Connect(ctx, sid, conn, cancel); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("bind signal")
		cancel()
		conn.Close()
		return
	}

	go ctl.writePump(ctx, sid, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
