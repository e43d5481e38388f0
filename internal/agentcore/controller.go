// internal/agentcore/controller.go
// Package agentcore implements the agent side of the tunnel (spec.md §4.6):
// a control-channel state machine (Idle -> Connecting -> Authenticating ->
// Ready -> Disconnected -> BackoffWait -> Connecting) driving one or more
// local proxies, adapted from the teacher's exporter reconnect loop
// (internal/agent/exporter/grpc_exporter.go) but with jittered-exponential
// delay wrapped in cenkalti/backoff.WithMaxRetries, and a heartbeat loop
// modeled on internal/agent/collector.go's own periodic-ticker lifecycle.
package agentcore

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flarego/tunnel/internal/agentconf"
	"github.com/flarego/tunnel/internal/metrics"
	"github.com/flarego/tunnel/internal/registry"
	"github.com/flarego/tunnel/internal/tunnelerr"
	"github.com/flarego/tunnel/internal/util"
	"github.com/flarego/tunnel/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State enumerates the controller's connection lifecycle (spec.md §4.6).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateDisconnected
	StateBackoffWait
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateBackoffWait:
		return "backoff_wait"
	default:
		return "unknown"
	}
}

// Controller owns the control-channel lifecycle and every proxy configured
// for this agent.
type Controller struct {
	cfg    agentconf.Config
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	agentID  string
	sock     *websocket.Conn
	sendMu   sync.Mutex
	pending  *wire.PendingTable
	proxies  []*proxyManager
	conns    *registry.ConnTable
	dataChan *agentDataChannel
	udpChan  *agentUDPChannel

	handlersMu sync.Mutex
	handlers   map[string]*localHandler

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Controller; call Run to start the reconnect loop.
func New(cfg agentconf.Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:      cfg,
		logger:   logger,
		state:    StateIdle,
		conns:    registry.NewConnTable(),
		handlers: make(map[string]*localHandler),
		stop:     make(chan struct{}),
	}
}

// State reports the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the connect/authenticate/serve/reconnect loop until ctx is
// canceled or Stop is called. It never returns nil on a permanent failure:
// MaxReconnectAttempts > 0 surfaces tunnelerr.ErrMaxReconnect once exceeded.
func (c *Controller) Run(ctx context.Context) error {
	raw := newReconnectBackoff(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
	var bo backoff.BackOff = raw
	if c.cfg.MaxReconnectAttempts > 0 {
		bo = backoff.WithMaxRetries(raw, uint64(c.cfg.MaxReconnectAttempts))
	}

	waitOrStop := func() error {
		c.setState(StateBackoffWait)
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return tunnelerr.ErrMaxReconnect
		}
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return errStopRequested
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		default:
		}

		c.setState(StateConnecting)
		if err := c.connectOnce(ctx); err != nil {
			c.logger.Warn("agent connect failed", zap.Error(err), zap.Int("attempt", raw.Attempts()+1))
			metrics.ReconnectsTotal.Inc()

			if werr := waitOrStop(); werr != nil {
				if werr == errStopRequested {
					return nil
				}
				return werr
			}
			continue
		}

		bo.Reset()
		// connectOnce blocks until the control session ends (error, peer
		// close, or Stop); the StateReady -> StateDisconnected step is
		// recorded here, once it has returned.
		c.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		default:
		}
		if werr := waitOrStop(); werr != nil {
			if werr == errStopRequested {
				return nil
			}
			return werr
		}
	}
}

// errStopRequested is a sentinel distinguishing "Stop() was called during
// the reconnect wait" from a real error inside waitOrStop's callers.
var errStopRequested = errors.New("agentcore: stop requested during backoff wait")

// Stop terminates the reconnect loop and closes any live control socket.
func (c *Controller) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
	c.wg.Wait()
}

// AddProxy registers a local proxy to REGISTER once the control channel is
// ready. Safe to call before or after Run.
func (c *Controller) AddProxy(pc agentconf.ProxyConfig) {
	pm := newProxyManager(c, pc)
	c.mu.Lock()
	c.proxies = append(c.proxies, pm)
	c.mu.Unlock()
}

func (c *Controller) connectOnce(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.cfg.RelayAddr, Path: "/"}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sock = conn
	c.pending = wire.NewPendingTable(wire.DefaultRequestTimeout)
	c.mu.Unlock()

	c.setState(StateAuthenticating)
	agentID, err := c.authenticate(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.agentID = agentID
	c.conns = registry.NewConnTable()
	c.dataChan = newAgentDataChannel(c, agentID)
	c.udpChan = newAgentUDPChannel(c, agentID)
	proxies := append([]*proxyManager(nil), c.proxies...)
	c.mu.Unlock()

	c.handlersMu.Lock()
	c.handlers = make(map[string]*localHandler)
	c.handlersMu.Unlock()

	if err := c.dataChan.connect(ctx); err != nil {
		_ = conn.Close()
		return err
	}
	c.udpChan.start(ctx)

	c.setState(StateReady)
	c.logger.Info("agent ready", zap.String("agent", agentID), zap.String("relay", c.cfg.RelayAddr))

	var wg sync.WaitGroup
	readDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(readDone)
		c.readLoop(conn)
	}()

	hbDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(conn, hbDone)
	}()

	for _, pm := range proxies {
		pm.startOnControlReady(ctx)
	}

	<-readDone
	close(hbDone)
	c.udpChan.stop()
	c.dataChan.close()
	c.closeAllHandlers()
	for _, pm := range proxies {
		pm.stopAll()
	}
	wg.Wait()
	return nil
}

// proxyForPort returns the configured proxy owning remotePort, if any.
func (c *Controller) proxyForPort(remotePort int) *proxyManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pm := range c.proxies {
		if pm.cfg.RemotePort == remotePort {
			return pm
		}
	}
	return nil
}

func (c *Controller) registerHandler(h *localHandler) {
	c.handlersMu.Lock()
	c.handlers[h.connID] = h
	c.handlersMu.Unlock()
}

func (c *Controller) lookupHandler(connID string) (*localHandler, bool) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	h, ok := c.handlers[connID]
	return h, ok
}

func (c *Controller) removeHandler(connID string) (*localHandler, bool) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	h, ok := c.handlers[connID]
	if ok {
		delete(c.handlers, connID)
	}
	return h, ok
}

func (c *Controller) closeAllHandlers() {
	c.handlersMu.Lock()
	snapshot := make([]*localHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		snapshot = append(snapshot, h)
	}
	c.handlers = make(map[string]*localHandler)
	c.handlersMu.Unlock()

	for _, h := range snapshot {
		h.close()
	}
}

// onRelayFrame delivers a TCP data-channel frame from the relay to the
// local connection handler owning connID, if one is still live.
func (c *Controller) onRelayFrame(connID string, payload []byte) {
	h, ok := c.lookupHandler(connID)
	if !ok {
		return
	}
	select {
	case h.inbox <- payload:
	case <-h.closed:
	}
}

// onRelayUDPFrame delivers a UDP data-channel frame the same way.
func (c *Controller) onRelayUDPFrame(connID string, payload []byte) {
	c.onRelayFrame(connID, payload)
}

func (c *Controller) authenticate(conn *websocket.Conn) (string, error) {
	id := util.NewID()
	env, err := wire.Encode(wire.TypeAuth, id, wire.AuthPayload{Token: c.cfg.Token})
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.TextMessage, env); err != nil {
		return "", err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	resp, err := wire.DecodeEnvelope(data)
	if err != nil || resp.Type != wire.TypeAuthResp {
		return "", tunnelerr.ErrMalformedMessage
	}
	var p wire.AuthRespPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		return "", tunnelerr.ErrMalformedMessage
	}
	if !p.Success {
		return "", tunnelerr.ErrInvalidToken
	}
	return p.ClientID, nil
}

func (c *Controller) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			continue
		}
		if c.pending.Resolve(env) {
			continue
		}
		c.dispatch(env)
	}
}

func (c *Controller) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.TypeNewConnection:
		c.handleNewConnection(env)
	case wire.TypeConnectionClose:
		c.handleConnectionClose(env)
	case wire.TypeConnectionError:
		c.handleConnectionError(env)
	case wire.TypeHeartbeatResp:
		// heartbeats are sent without a pending-table entry and their
		// responses are ignored; the relay's sweep decides liveness.
	}
}

func (c *Controller) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			id := util.NewID()
			env, err := wire.Encode(wire.TypeHeartbeat, id, wire.HeartbeatPayload{Timestamp: time.Now().Unix()})
			if err != nil {
				continue
			}
			c.sendMu.Lock()
			werr := conn.WriteMessage(websocket.TextMessage, env)
			c.sendMu.Unlock()
			if werr != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// send serializes one envelope onto the control socket.
func (c *Controller) send(env wire.Envelope) error {
	c.mu.Lock()
	conn := c.sock
	c.mu.Unlock()
	if conn == nil {
		return tunnelerr.ErrPeerIO
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}
