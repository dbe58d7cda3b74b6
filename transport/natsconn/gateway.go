package natsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/rstream/internal/logging"
	"github.com/arloliu/rstream/types"
)

// gatewayQueue is the queue group of every gateway, so an address served by
// several gateways is answered by exactly one of them.
const gatewayQueue = "rstream-gateway"

// Gateway lifecycle errors.
var (
	ErrGatewayStarted    = errors.New("natsconn: gateway already started")
	ErrGatewayNotStarted = errors.New("natsconn: gateway not started")
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// Prefix is the subject prefix. Default: DefaultPrefix
	Prefix string

	// Node is the broker address this gateway serves. Backend connections are
	// dialed to it.
	Node types.Broker

	// SharedAddresses are extra addresses, such as a load balancer, that any
	// gateway in the queue group may answer.
	SharedAddresses []types.Broker

	// RequestTimeout bounds each backend call. Default: DefaultRequestTimeout
	RequestTimeout time.Duration

	Logger types.Logger
}

// Gateway bridges NATS sessions opened by Dialer to connections from a
// backend Dialer, one backend connection per session.
//
// Requests are forwarded in arrival order and backend events are published
// on the session's event subject.
type Gateway struct {
	nc      *nats.Conn
	cfg     GatewayConfig
	backend types.Dialer
	logger  types.Logger

	sessions *xsync.Map[string, *session]

	mu      sync.Mutex
	started bool
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type session struct {
	id   string
	conn types.Connection
	subs []*nats.Subscription
}

// NewGateway creates a gateway serving cfg.Node over nc.
//
// Parameters:
//   - nc: NATS connection used for every subscription; owned by the caller
//   - cfg: Gateway configuration
//   - backend: Dialer for the broker behind the gateway
//
// Returns:
//   - *Gateway: Gateway ready to Start
//
// Example:
//
//	gw := natsconn.NewGateway(nc, natsconn.GatewayConfig{
//	    Node: rstream.Broker{Host: "node-0", Port: 5552},
//	}, tcpDialer)
//	if err := gw.Start(ctx); err != nil {
//	    return err
//	}
//	defer gw.Stop(context.Background())
func NewGateway(nc *nats.Conn, cfg GatewayConfig, backend types.Dialer) *Gateway {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Gateway{
		nc:       nc,
		cfg:      cfg,
		backend:  backend,
		logger:   logger,
		sessions: xsync.NewMap[string, *session](),
	}
}

// Start subscribes to the handshake subjects of the node and shared addresses.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return ErrGatewayStarted
	}
	g.ctx, g.cancel = context.WithCancel(context.WithoutCancel(ctx))

	addrs := append([]types.Broker{g.cfg.Node}, g.cfg.SharedAddresses...)
	for _, addr := range addrs {
		subject := nodeSubject(g.cfg.Prefix, addr.Host, addr.Port)
		sub, err := g.nc.QueueSubscribe(subject, gatewayQueue, g.handleOpen)
		if err != nil {
			g.unsubscribeAll(g.subs)
			g.subs = nil
			g.cancel()

			return fmt.Errorf("natsconn: subscribe %s: %w", subject, err)
		}
		g.subs = append(g.subs, sub)
	}
	if err := g.nc.Flush(); err != nil {
		g.logger.Warn("gateway flush failed", "error", err)
	}
	g.started = true

	g.logger.Info("gateway started",
		"node", fmt.Sprintf("%s:%d", g.cfg.Node.Host, g.cfg.Node.Port),
		"sharedAddresses", len(g.cfg.SharedAddresses),
	)

	return nil
}

// Stop closes every session and waits for their event forwarders.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return ErrGatewayNotStarted
	}
	g.started = false
	g.unsubscribeAll(g.subs)
	g.subs = nil
	g.mu.Unlock()
	g.flush()

	g.sessions.Range(func(_ string, s *session) bool {
		g.endSession(s, types.CloseParams{Code: types.ResponseCodeOK, Reason: "gateway stopped"})
		return true
	})
	g.flush()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	defer g.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns the number of open sessions.
func (g *Gateway) Sessions() int { return g.sessions.Size() }

func (g *Gateway) handleOpen(msg *nats.Msg) {
	var req openRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.ConnectionID == "" {
		g.respond(msg, openResponse{Error: "malformed open request"})
		return
	}

	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.RequestTimeout)
	defer cancel()

	if s, ok := g.sessions.Load(req.ConnectionID); ok {
		if !req.Restart {
			g.respond(msg, openResponse{Error: "connection id already in use"})
			return
		}
		if err := s.conn.Restart(ctx); err != nil {
			g.respond(msg, openResponse{Error: err.Error()})
			return
		}
		g.logger.Info("session restarted", "connectionID", s.id)
		g.respond(msg, describe(s.conn))

		return
	}

	// a restart for an unknown id means this gateway lost the session, so it
	// starts a fresh one under the same id
	conn, err := g.backend.Dial(ctx, types.DialParams{
		Host:           g.cfg.Node.Host,
		Port:           g.cfg.Node.Port,
		Username:       req.Username,
		Password:       req.Password,
		VHost:          req.VHost,
		ConnectionName: req.ConnectionName,
		FrameMax:       req.FrameMax,
		Heartbeat:      time.Duration(req.HeartbeatMs) * time.Millisecond,
	})
	if err != nil {
		g.respond(msg, openResponse{Error: err.Error()})
		return
	}

	s, err := g.startSession(req.ConnectionID, conn)
	if err != nil {
		_ = conn.Close(ctx, types.CloseParams{Code: types.ResponseCodeInternalError, Reason: "gateway session failed"})
		g.respond(msg, openResponse{Error: err.Error()})

		return
	}

	g.logger.Debug("session opened", "connectionID", s.id, "backendID", conn.ID())
	g.respond(msg, describe(conn))
}

func (g *Gateway) startSession(id string, conn types.Connection) (*session, error) {
	s := &session{id: id, conn: conn}

	reqSub, err := g.nc.Subscribe(connSubject(g.cfg.Prefix, id, suffixRequest), func(msg *nats.Msg) {
		g.handleRequest(s, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("natsconn: subscribe requests: %w", err)
	}
	closeSub, err := g.nc.Subscribe(connSubject(g.cfg.Prefix, id, suffixClose), func(msg *nats.Msg) {
		var params types.CloseParams
		if err := json.Unmarshal(msg.Data, &params); err != nil {
			params = types.CloseParams{Code: types.ResponseCodeOK, Reason: "client closed"}
		}
		g.endSession(s, params)
	})
	if err != nil {
		_ = reqSub.Unsubscribe()
		return nil, fmt.Errorf("natsconn: subscribe close: %w", err)
	}
	if err := g.nc.Flush(); err != nil {
		g.logger.Warn("gateway flush failed", "connectionID", id, "error", err)
	}

	s.subs = []*nats.Subscription{reqSub, closeSub}
	g.sessions.Store(id, s)

	g.wg.Add(1)
	go g.forward(s)

	return s, nil
}

// forward publishes the backend's events until its event channel closes.
func (g *Gateway) forward(s *session) {
	defer g.wg.Done()

	subject := connSubject(g.cfg.Prefix, s.id, suffixEvents)
	for ev := range s.conn.Events() {
		data, err := encodeEvent(ev)
		if err != nil {
			g.logger.Warn("dropping event", "connectionID", s.id, "error", err)
			continue
		}
		if err := g.nc.Publish(subject, data); err != nil {
			g.logger.Warn("event publish failed", "connectionID", s.id, "error", err)
		}
	}
}

func (g *Gateway) handleRequest(s *session, msg *nats.Msg) {
	req, err := decodeRequest(msg.Data)
	if err != nil {
		g.logger.Warn("bad request", "connectionID", s.id, "error", err)
		if msg.Reply != "" {
			g.respond(msg, replyEnvelope{Error: err.Error()})
		}

		return
	}

	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.RequestTimeout)
	defer cancel()

	if msg.Reply == "" {
		if err := s.conn.Send(ctx, req); err != nil {
			g.logger.Warn("backend send failed", "connectionID", s.id, "command", req.Command().String(), "error", err)
		}

		return
	}

	resp, err := s.conn.SendAndWait(ctx, req)
	switch {
	case errors.Is(err, types.ErrConnectionClosed):
		g.respond(msg, replyEnvelope{Closed: true})
	case err != nil:
		g.respond(msg, replyEnvelope{Error: err.Error()})
	default:
		g.respond(msg, replyEnvelope{Response: resp})
	}
}

// endSession removes s and closes its backend connection. Safe to call twice.
func (g *Gateway) endSession(s *session, params types.CloseParams) {
	if _, loaded := g.sessions.LoadAndDelete(s.id); !loaded {
		return
	}
	g.unsubscribeAll(s.subs)
	// the server must drop the interest before the backend closes, or a
	// request in that window is discarded instead of failing fast
	g.flush()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(g.ctx), g.cfg.RequestTimeout)
	defer cancel()
	if err := s.conn.Close(ctx, params); err != nil {
		g.logger.Warn("backend close failed", "connectionID", s.id, "error", err)
	}

	g.logger.Debug("session closed", "connectionID", s.id, "reason", params.Reason)
}

func (g *Gateway) flush() {
	if err := g.nc.FlushTimeout(g.cfg.RequestTimeout); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		g.logger.Warn("gateway flush failed", "error", err)
	}
}

func (g *Gateway) respond(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("encode reply failed", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		g.logger.Warn("reply failed", "subject", msg.Subject, "error", err)
	}
}

func (g *Gateway) unsubscribeAll(subs []*nats.Subscription) {
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			g.logger.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
}

func describe(conn types.Connection) openResponse {
	info := conn.ConnectionInfo()

	return openResponse{
		Host:              info.Host,
		Port:              info.Port,
		MaxFrameSize:      conn.MaxFrameSize(),
		Filtering:         conn.IsFilteringEnabled(),
		ServerVersions:    conn.ServerVersions(),
		ManagementVersion: conn.ManagementVersion(),
	}
}
