// internal/relay/proxy.go
// The relay-side per-port proxy (spec.md §4.5): one TCP listener and one UDP
// socket per registered exposed port, bridging external traffic to the
// owning agent's data channel(s).
package relay

import (
	"net"
	"sync"
	"time"

	"github.com/flarego/tunnel/internal/metrics"
	"github.com/flarego/tunnel/internal/registry"
	"github.com/flarego/tunnel/internal/util"
	"github.com/flarego/tunnel/internal/wire"
	otelbreadcrumb "github.com/flarego/tunnel/pkg/otel"
	"go.uber.org/zap"
)

// udpSession tracks one external (peerIp, peerPort) source against the
// ExternalConnId the relay assigned it (spec.md §4.5 UDP proxy).
type udpSession struct {
	connID string
	peer   *net.UDPAddr
	timer  *time.Timer
}

// portProxy owns the external-facing listeners for one registered exposed
// port and bridges accepted traffic to agentID.
type portProxy struct {
	relay   *Relay
	port    int
	agentID string

	tcpLn   net.Listener
	udpConn *net.UDPConn

	udpMu       sync.Mutex
	udpSessions map[string]*udpSession
}

func newPortProxy(r *Relay, port int, agentID string, tcpLn net.Listener, udpConn *net.UDPConn) *portProxy {
	return &portProxy{
		relay:       r,
		port:        port,
		agentID:     agentID,
		tcpLn:       tcpLn,
		udpConn:     udpConn,
		udpSessions: make(map[string]*udpSession),
	}
}

func (p *portProxy) acceptTCP() {
	for {
		conn, err := p.tcpLn.Accept()
		if err != nil {
			return
		}
		go p.handleTCP(conn)
	}
}

// handleTCP accepts one external TCP connection, classifies it, registers a
// ConnectionRecord, announces NEW_CONNECTION to the owning agent, and pumps
// bytes onto the TCP data channel until either side closes (spec.md §4.5).
func (p *portProxy) handleTCP(conn net.Conn) {
	dc, ok := p.relay.dataChan.Get(p.agentID)
	if !ok {
		_ = conn.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	peek := make([]byte, 1024)
	n, _ := conn.Read(peek)
	peek = peek[:n]
	_ = conn.SetReadDeadline(time.Time{})

	proto := classifyStream(peek)
	connID := util.NewID()
	dc.idCache.Encode(connID)

	rec := &registry.ConnectionRecord{
		ExternalConnID: connID,
		OwningAgentID:  p.agentID,
		RemotePort:     p.port,
		Protocol:       proto,
		PeerAddr:       conn.RemoteAddr().String(),
		CreatedAt:      time.Now(),
		ExternalConn:   conn,
	}
	if proto == registry.ProtoHTTP {
		bc := otelbreadcrumb.ExtractBreadcrumb(peek)
		rec.TraceID, rec.SpanID = bc.TraceID, bc.SpanID
	}
	p.relay.conns.Store(rec)
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.WithLabelValues(string(proto)).Inc()

	sess, ok := p.relay.sessions.Get(p.agentID)
	if !ok {
		p.relay.forceCloseConn(connID, false)
		return
	}
	env, err := newEnvelope(wire.TypeNewConnection, util.NewID(), wire.NewConnectionPayload{
		ConnectionID:  connID,
		Protocol:      string(proto),
		RemotePort:    p.port,
		RemoteAddress: rec.PeerAddr,
	})
	if err != nil || sess.Send(env) != nil {
		p.relay.forceCloseConn(connID, false)
		return
	}

	if len(peek) > 0 {
		if err := dc.writeFrame(connID, peek); err != nil {
			p.relay.forceCloseConn(connID, true)
			return
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := dc.writeFrame(connID, buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	p.relay.forceCloseConn(connID, true)
}

func (p *portProxy) readUDP() {
	buf := make([]byte, 65535)
	for {
		n, peer, err := p.udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		p.handleUDPDatagram(peer, data)
	}
}

// handleUDPDatagram maps one external UDP datagram to an ExternalConnId by
// (peerIp, peerPort), announcing NEW_CONNECTION on first sight and arming a
// 30s-by-default inactivity timer thereafter (spec.md §4.5).
func (p *portProxy) handleUDPDatagram(peer *net.UDPAddr, data []byte) {
	key := peer.String()

	p.udpMu.Lock()
	sess, known := p.udpSessions[key]
	p.udpMu.Unlock()

	if !known {
		connID := util.NewID()
		rec := &registry.ConnectionRecord{
			ExternalConnID: connID,
			OwningAgentID:  p.agentID,
			RemotePort:     p.port,
			Protocol:       registry.ProtoUDP,
			PeerAddr:       key,
			CreatedAt:      time.Now(),
			UDPPeer:        peer,
		}
		p.relay.conns.Store(rec)
		metrics.ConnectionsActive.Inc()
		metrics.ConnectionsTotal.WithLabelValues(string(registry.ProtoUDP)).Inc()

		sess = &udpSession{connID: connID, peer: peer}
		p.udpMu.Lock()
		p.udpSessions[key] = sess
		p.udpMu.Unlock()
		p.armUDPTimeout(sess)

		if agentSess, ok := p.relay.sessions.Get(p.agentID); ok {
			env, err := newEnvelope(wire.TypeNewConnection, util.NewID(), wire.NewConnectionPayload{
				ConnectionID:  connID,
				Protocol:      string(registry.ProtoUDP),
				RemotePort:    p.port,
				RemoteAddress: key,
			})
			if err == nil {
				_ = agentSess.Send(env)
			}
		}
	} else {
		p.resetUDPTimeout(sess)
	}

	if err := p.relay.dataChan.WriteUDPFrame(p.agentID, sess.connID, data); err != nil {
		p.relay.logger.Debug("udp forward to agent failed", zap.String("agent", p.agentID), zap.Error(err))
	}
}

// touchUDPSession resets the inactivity timer for peer, called when a
// datagram flows in the opposite direction (agent -> external peer).
func (p *portProxy) touchUDPSession(peer *net.UDPAddr) {
	p.udpMu.Lock()
	sess, ok := p.udpSessions[peer.String()]
	p.udpMu.Unlock()
	if ok {
		p.resetUDPTimeout(sess)
	}
}

func (p *portProxy) armUDPTimeout(s *udpSession) {
	timeout := p.relay.cfg.UDPIdleTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.timer = time.AfterFunc(timeout, func() { p.expireUDP(s) })
}

func (p *portProxy) resetUDPTimeout(s *udpSession) {
	timeout := p.relay.cfg.UDPIdleTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if s.timer != nil {
		s.timer.Reset(timeout)
	}
}

func (p *portProxy) expireUDP(s *udpSession) {
	p.udpMu.Lock()
	delete(p.udpSessions, s.peer.String())
	p.udpMu.Unlock()
	p.relay.forceCloseConn(s.connID, true)
}

// stop closes this proxy's listeners, stops the inactivity timers of its
// live UDP sessions and drops their ConnectionRecords without notifying the
// agent. Closing tcpLn does not close TCP connections it already accepted;
// stop's callers (UNREGISTER, session removal, Relay.Stop) close those
// through the connection table.
func (p *portProxy) stop() {
	_ = p.tcpLn.Close()
	_ = p.udpConn.Close()

	p.udpMu.Lock()
	sessions := make([]*udpSession, 0, len(p.udpSessions))
	for _, s := range p.udpSessions {
		sessions = append(sessions, s)
	}
	p.udpSessions = make(map[string]*udpSession)
	p.udpMu.Unlock()

	for _, s := range sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		if _, ok := p.relay.conns.Delete(s.connID); ok {
			metrics.ConnectionsActive.Dec()
		}
	}
}
