// internal/relay/relay.go
// Package relay implements the relay side of the tunneling engine: the
// port-ingress router, control dispatcher, data-channel manager and
// per-port proxies described across spec.md §4. The shape mirrors the
// teacher's gateway.Server — a Config, a New(), a blocking Start/serve, and
// a draining Stop(ctx) — generalized from a single gRPC+WS fan-out hub into
// a multi-agent tunnel relay.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flarego/tunnel/internal/metrics"
	"github.com/flarego/tunnel/internal/registry"
	"github.com/flarego/tunnel/internal/relayconf"
	"github.com/flarego/tunnel/internal/tunnelerr"
	"github.com/flarego/tunnel/internal/util"
	"github.com/flarego/tunnel/internal/wire"
	"github.com/flarego/tunnel/pkg/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// maxIngressConns caps concurrent sockets on the shared control port, the
// same defensive role golang.org/x/net/netutil.LimitListener plays for the
// teacher's gateway HTTP listener.
const maxIngressConns = 8192

// Relay is one running instance of the tunneling engine's relay side.
type Relay struct {
	cfg    relayconf.Config
	logger *zap.Logger

	sessions *registry.SessionRegistry
	ports    *registry.PortRegistry
	conns    *registry.ConnTable
	dataChan *dataChannelManager

	jwtVerifier *auth.Verifier

	proxiesMu sync.RWMutex
	proxies   map[int]*portProxy

	ingressListener      net.Listener
	ingressUDPConn        *net.UDPConn
	controlHTTPListener  *handoffListener
	controlHTTPServer    *http.Server
	adminServer          *http.Server

	sweepStop chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Relay from cfg. The returned value is idle until Start.
func New(cfg relayconf.Config, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		cfg:       cfg,
		logger:    logger,
		sessions:  registry.NewSessionRegistry(),
		ports:     registry.NewPortRegistry(),
		conns:     registry.NewConnTable(),
		proxies:   make(map[int]*portProxy),
		sweepStop: make(chan struct{}),
	}
	r.dataChan = newDataChannelManager(r)
	if cfg.JWTSecret != "" {
		r.jwtVerifier = auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	}
	return r
}

// Start binds the single-port TCP+UDP ingress, the control WebSocket
// server, the admin/metrics server and the heartbeat sweeper, then returns;
// serving continues on background goroutines until Stop.
func (r *Relay) Start() error {
	metrics.Register()

	ln, err := net.Listen("tcp", r.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("relay: listen tcp %s: %w", r.cfg.BindAddr, err)
	}
	limited := netutil.LimitListener(ln, maxIngressConns)
	r.ingressListener = limited

	udpAddr, err := net.ResolveUDPAddr("udp", r.cfg.BindAddr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("relay: resolve udp %s: %w", r.cfg.BindAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("relay: listen udp %s: %w", r.cfg.BindAddr, err)
	}
	r.ingressUDPConn = udpConn
	r.dataChan.udpConn = udpConn

	r.controlHTTPListener = newHandoffListener(ln.Addr())

	r.wg.Add(3)
	go func() { defer r.wg.Done(); r.serveControlHTTP(r.controlHTTPListener) }()
	go func() { defer r.wg.Done(); r.runIngress(limited) }()
	go func() { defer r.wg.Done(); r.runUDPIngress(udpConn) }()

	r.wg.Add(1)
	go func() { defer r.wg.Done(); r.sweepLoop() }()

	if r.cfg.MetricsAddr != "" {
		r.startAdmin()
	}

	r.logger.Info("relay started", zap.String("bind_addr", r.cfg.BindAddr), zap.String("metrics_addr", r.cfg.MetricsAddr))
	return nil
}

// Stop drains every session (synthesizing CONNECTION_CLOSE for each of its
// ConnectionRecords and closing its control socket) and closes all
// listeners (spec.md §6 "Lifecycle signals").
func (r *Relay) Stop(ctx context.Context) error {
	select {
	case <-r.sweepStop:
	default:
		close(r.sweepStop)
	}
	if r.ingressListener != nil {
		_ = r.ingressListener.Close()
	}
	if r.ingressUDPConn != nil {
		_ = r.ingressUDPConn.Close()
	}
	if r.controlHTTPListener != nil {
		_ = r.controlHTTPListener.Close()
	}
	if r.controlHTTPServer != nil {
		_ = r.controlHTTPServer.Shutdown(ctx)
	}
	if r.adminServer != nil {
		_ = r.adminServer.Shutdown(ctx)
	}

	for _, sess := range r.sessions.All() {
		for _, rec := range r.conns.RemoveAgent(sess.AgentID) {
			if rec.ExternalConn != nil {
				_ = rec.ExternalConn.Close()
			}
			env, err := newEnvelope(wire.TypeConnectionClose, util.NewID(), wire.ConnectionClosePayload{ConnectionID: rec.ExternalConnID})
			if err == nil {
				_ = sess.Send(env)
			}
		}
		_ = sess.Close()
	}

	r.proxiesMu.RLock()
	ports := make([]int, 0, len(r.proxies))
	for p := range r.proxies {
		ports = append(ports, p)
	}
	r.proxiesMu.RUnlock()
	for _, port := range ports {
		r.stopProxy(port)
	}

	r.wg.Wait()
	r.logger.Info("relay stopped")
	return nil
}

func (r *Relay) runIngress(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go r.handleIngressConn(conn)
	}
}

// handleIngressConn classifies one freshly accepted socket per spec.md
// §4.3: the first two bytes 0xFD 0x01 mark a TCP data-channel candidate;
// anything else is handed, bytes intact, to the control WebSocket server.
func (r *Relay) handleIngressConn(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	peek := make([]byte, 1024)
	n, err := conn.Read(peek)
	if n == 0 && err != nil {
		_ = conn.Close()
		return
	}
	peek = peek[:n]
	_ = conn.SetReadDeadline(time.Time{})

	if wire.IsAuthFrame(peek) {
		r.dataChan.HandleCandidate(conn, peek)
		return
	}
	r.controlHTTPListener.handoff(newPeekedConn(conn, peek))
}

func (r *Relay) runUDPIngress(conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		r.dataChan.HandleUDP(addr, data)
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (r *Relay) serveControlHTTP(ln net.Listener) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Debug("control ws upgrade failed", zap.Error(err))
			return
		}
		go r.handleControlConn(conn)
	})
	srv := &http.Server{Handler: mux}
	r.controlHTTPServer = srv
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		r.logger.Warn("control http server stopped", zap.Error(err))
	}
}

func (r *Relay) sweepLoop() {
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, s := range r.sessions.SweepExpired(time.Now(), r.cfg.SessionTimeout) {
				if cur, ok := r.sessions.Remove(s.AgentID); ok {
					r.cascadeRemoveSession(cur)
					metrics.HeartbeatSweepRemovals.Inc()
					r.logger.Info("session expired", zap.String("agent", s.AgentID))
				}
			}
		case <-r.sweepStop:
			return
		}
	}
}

// onAgentFrame delivers one TCP data frame received from agentID to the
// external socket that owns connID (spec.md §4.5 "Pump inbound frames with
// matching ExternalConnId back to the external socket").
func (r *Relay) onAgentFrame(agentID, connID string, payload []byte) {
	rec, ok := r.conns.Load(connID)
	if !ok || rec.OwningAgentID != agentID || rec.ExternalConn == nil {
		return // stale or foreign id: discarded per spec.md §5 ordering guarantee 3
	}
	if _, err := rec.ExternalConn.Write(payload); err != nil {
		r.forceCloseConn(connID, true)
	}
}

// onAgentUDPFrame forwards a UDP data frame received from the agent back to
// the recorded external peer (spec.md §4.5).
func (r *Relay) onAgentUDPFrame(connID string, payload []byte) {
	rec, ok := r.conns.Load(connID)
	if !ok || rec.UDPPeer == nil {
		return
	}
	p, ok := r.proxyForPort(rec.RemotePort)
	if !ok {
		return
	}
	if _, err := p.udpConn.WriteToUDP(payload, rec.UDPPeer); err != nil {
		return
	}
	p.touchUDPSession(rec.UDPPeer)
}

// forceCloseConn tears down connID's ConnectionRecord, closing the external
// socket and optionally notifying the owning agent with CONNECTION_CLOSE.
func (r *Relay) forceCloseConn(connID string, notifyAgent bool) {
	rec, ok := r.conns.Delete(connID)
	if !ok {
		return
	}
	if rec.ExternalConn != nil {
		_ = rec.ExternalConn.Close()
	}
	if dc, ok := r.dataChan.Get(rec.OwningAgentID); ok {
		dc.idCache.Evict(connID)
	}
	if notifyAgent {
		if sess, ok := r.sessions.Get(rec.OwningAgentID); ok {
			env, err := newEnvelope(wire.TypeConnectionClose, util.NewID(), wire.ConnectionClosePayload{ConnectionID: connID})
			if err == nil {
				_ = sess.Send(env)
			}
		}
	}
	metrics.ConnectionsActive.Dec()
}

// cascadeRemoveSession releases everything a session owned: its exposed
// ports (and their proxy listeners), its live ConnectionRecords, and its
// TCP/UDP data channels (spec.md §3 "Removal cascades to...").
func (r *Relay) cascadeRemoveSession(sess *registry.Session) {
	for _, port := range r.ports.ReleaseAll(sess.AgentID) {
		r.stopProxy(port)
	}
	for _, rec := range r.conns.RemoveAgent(sess.AgentID) {
		if rec.ExternalConn != nil {
			_ = rec.ExternalConn.Close()
		}
		metrics.ConnectionsActive.Dec()
	}
	r.dataChan.RemoveAgent(sess.AgentID)
	_ = sess.Close()
	metrics.Sessions.Set(float64(r.sessions.Len()))
	metrics.Ports.Set(float64(r.ports.Len()))
}

func (r *Relay) proxyForPort(port int) (*portProxy, bool) {
	r.proxiesMu.RLock()
	defer r.proxiesMu.RUnlock()
	p, ok := r.proxies[port]
	return p, ok
}

func (r *Relay) ensureProxy(port int, agentID string) (*portProxy, error) {
	r.proxiesMu.Lock()
	defer r.proxiesMu.Unlock()
	if p, ok := r.proxies[port]; ok {
		return p, nil
	}

	tcpLn, err := listenTCPWithRetry(port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tunnelerr.ErrLocalIO, err)
	}
	udpAddr, _ := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = tcpLn.Close()
		return nil, fmt.Errorf("%w: %v", tunnelerr.ErrLocalIO, err)
	}

	p := newPortProxy(r, port, agentID, tcpLn, udpConn)
	r.proxies[port] = p
	go p.acceptTCP()
	go p.readUDP()
	metrics.Ports.Set(float64(len(r.proxies)))
	return p, nil
}

// listenTCPWithRetry binds port, retrying a handful of times with a short
// jittered back-off when the bind fails transiently — a port just released
// by stopProxy can briefly still be in the OS's TIME_WAIT/closing state when
// an UNREGISTER is immediately followed by a re-REGISTER of the same port.
const listenRetryAttempts = 4

func listenTCPWithRetry(port int) (net.Listener, error) {
	bo := util.NewBackoff()
	var lastErr error
	for attempt := 0; attempt < listenRetryAttempts; attempt++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, nil
		}
		lastErr = err
		time.Sleep(bo.Next())
	}
	return nil, lastErr
}

func (r *Relay) stopProxy(port int) {
	r.proxiesMu.Lock()
	p, ok := r.proxies[port]
	if ok {
		delete(r.proxies, port)
	}
	n := len(r.proxies)
	r.proxiesMu.Unlock()
	if ok {
		p.stop()
	}
	metrics.Ports.Set(float64(n))
}

func (r *Relay) validToken(token string) bool {
	for _, t := range r.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	if r.jwtVerifier != nil {
		if _, err := r.jwtVerifier.ParseAndVerify(token); err == nil {
			return true
		}
	}
	return false
}

func (r *Relay) publicHost() string {
	host, _, err := net.SplitHostPort(r.cfg.BindAddr)
	if err != nil || host == "" {
		return "0.0.0.0"
	}
	return host
}

// newEnvelope marshals payload and wraps it in a wire.Envelope ready for
// Session.Send; unlike wire.Encode (which serializes the whole envelope to
// bytes for a raw-byte transport) a websocket control socket wants the
// struct form so it can choose its own framing.
func newEnvelope(typ wire.MessageType, id string, payload any) (wire.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{Type: typ, ID: id, Payload: b}, nil
}
