// internal/relay/datachannel.go
// The relay-side data-channel manager (spec.md §4.5): owns, per agent, the
// framed TCP data-channel socket and the shared UDP register/keep-alive
// bookkeeping, and fans inbound frames out to the owning per-port proxy via
// the connection table.
package relay

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/flarego/tunnel/internal/metrics"
	"github.com/flarego/tunnel/internal/tunnelerr"
	"github.com/flarego/tunnel/internal/wire"
	"go.uber.org/zap"
)

// agentDataChannel is one agent's TCP framed multiplex socket. Writes from
// concurrent per-port proxy goroutines serialize on writeMu; a blocked
// underlying Write therefore blocks every writer behind it, which is this
// implementation's back-pressure mechanism (spec.md §4.5, §9): instead of
// explicit pause/resume callbacks, a saturated socket makes conn.Write
// block, which in turn blocks the proxy's read loop that called it, which
// naturally stops that connection (and, transitively, every connection
// sharing this channel) from reading further until the peer drains.
type agentDataChannel struct {
	agentID string
	conn    net.Conn
	parser  *wire.Parser
	idCache *wire.IDCache

	writeMu sync.Mutex
	closeOnce sync.Once
}

func (dc *agentDataChannel) writeFrame(connID string, payload []byte) error {
	frame, err := wire.EncodeDataFrameCached(dc.idCache.Encode(connID), payload)
	if err != nil {
		return err
	}
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	metrics.BackpressureActive.Inc()
	defer metrics.BackpressureActive.Dec()
	if _, err := dc.conn.Write(frame); err != nil {
		return errPeerIO(err)
	}
	metrics.FramesTotal.WithLabelValues("out").Inc()
	return nil
}

func (dc *agentDataChannel) close() {
	dc.closeOnce.Do(func() { _ = dc.conn.Close() })
}

func errPeerIO(err error) error {
	return &peerIOError{err: err}
}

type peerIOError struct{ err error }

func (e *peerIOError) Error() string { return "peer io error: " + e.err.Error() }
func (e *peerIOError) Unwrap() error { return tunnelerr.ErrPeerIO }

// dataChannelManager holds every agent's TCP data channel plus the shared
// UDP register/keep-alive tables (spec.md §4.5).
type dataChannelManager struct {
	relay *Relay

	mu       sync.RWMutex
	channels map[string]*agentDataChannel

	udpMu      sync.Mutex
	udpByAgent map[string]*net.UDPAddr
	udpByAddr  map[string]string
	udpConn    *net.UDPConn
}

func newDataChannelManager(r *Relay) *dataChannelManager {
	return &dataChannelManager{
		relay:      r,
		channels:   make(map[string]*agentDataChannel),
		udpByAgent: make(map[string]*net.UDPAddr),
		udpByAddr:  make(map[string]string),
	}
}

// HandleCandidate completes the auth handshake on a TCP socket the ingress
// router has already identified as an auth-frame candidate (spec.md §4.5).
func (m *dataChannelManager) HandleCandidate(conn net.Conn, peeked []byte) {
	full := peeked
	if len(full) < wire.AuthFrameLen {
		rest := make([]byte, wire.AuthFrameLen-len(full))
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.ReadFull(conn, rest); err != nil {
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		full = append(append([]byte(nil), full...), rest...)
	}

	agentID, err := wire.DecodeAuthFrame(full[:wire.AuthFrameLen])
	if err != nil {
		_ = conn.Close()
		return
	}

	sess, ok := m.relay.sessions.Get(agentID)
	if !ok || !sess.Authenticated() {
		_, _ = conn.Write([]byte{wire.AuthReject})
		_ = conn.Close()
		m.relay.logger.Warn("data channel auth rejected", zap.String("agent", agentID))
		return
	}
	if _, err := conn.Write([]byte{wire.AuthAccept}); err != nil {
		_ = conn.Close()
		return
	}

	dc := &agentDataChannel{agentID: agentID, conn: conn, parser: wire.NewParser(), idCache: wire.NewIDCache()}

	m.mu.Lock()
	old := m.channels[agentID]
	m.channels[agentID] = dc
	m.mu.Unlock()
	if old != nil {
		old.close()
	}

	m.relay.logger.Info("data channel established", zap.String("agent", agentID))
	go m.readLoop(dc)
}

func (m *dataChannelManager) readLoop(dc *agentDataChannel) {
	buf := make([]byte, 32*1024)
	for {
		n, err := dc.conn.Read(buf)
		if n > 0 {
			for _, f := range dc.parser.Feed(buf[:n]) {
				metrics.FramesTotal.WithLabelValues("in").Inc()
				m.relay.onAgentFrame(dc.agentID, f.ConnID, f.Payload)
			}
		}
		if err != nil {
			break
		}
	}
	m.mu.Lock()
	if m.channels[dc.agentID] == dc {
		delete(m.channels, dc.agentID)
	}
	m.mu.Unlock()
	dc.close()
}

// Get returns the live TCP data channel for agentID, if any.
func (m *dataChannelManager) Get(agentID string) (*agentDataChannel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dc, ok := m.channels[agentID]
	return dc, ok
}

// RemoveAgent tears down agentID's TCP data channel and UDP mapping, part of
// the session-removal cascade (spec.md §3).
func (m *dataChannelManager) RemoveAgent(agentID string) {
	m.mu.Lock()
	dc := m.channels[agentID]
	delete(m.channels, agentID)
	m.mu.Unlock()
	if dc != nil {
		dc.close()
	}
	m.removeUDPAgent(agentID)
}

// --- UDP register / keep-alive / data (spec.md §4.5) -----------------------

// HandleUDP classifies one datagram received on the shared ingress UDP
// socket and dispatches it.
func (m *dataChannelManager) HandleUDP(addr *net.UDPAddr, data []byte) {
	frame, err := wire.ParseUDPFrame(data)
	if err != nil {
		m.relay.logger.Debug("dropped udp frame", zap.String("peer", addr.String()), zap.Error(err))
		return
	}
	switch frame.Kind {
	case wire.UDPFrameRegister:
		if _, ok := m.relay.sessions.Get(frame.AgentID); !ok {
			return
		}
		m.registerUDP(frame.AgentID, addr)
		_, _ = m.udpConn.WriteToUDP([]byte{wire.AuthAccept}, addr)
	case wire.UDPFrameKeepAlive:
		if _, ok := m.relay.sessions.Get(frame.AgentID); !ok {
			return
		}
		m.registerUDP(frame.AgentID, addr)
	case wire.UDPFrameData:
		m.relay.onAgentUDPFrame(frame.ConnID, frame.Payload)
	}
}

func (m *dataChannelManager) registerUDP(agentID string, addr *net.UDPAddr) {
	m.udpMu.Lock()
	if old, ok := m.udpByAgent[agentID]; ok {
		delete(m.udpByAddr, old.String())
	}
	m.udpByAgent[agentID] = addr
	m.udpByAddr[addr.String()] = agentID
	n := len(m.udpByAgent)
	m.udpMu.Unlock()
	metrics.UDPSessions.Set(float64(n))
}

func (m *dataChannelManager) removeUDPAgent(agentID string) {
	m.udpMu.Lock()
	if a, ok := m.udpByAgent[agentID]; ok {
		delete(m.udpByAddr, a.String())
		delete(m.udpByAgent, agentID)
	}
	n := len(m.udpByAgent)
	m.udpMu.Unlock()
	metrics.UDPSessions.Set(float64(n))
}

func (m *dataChannelManager) udpAddrFor(agentID string) (*net.UDPAddr, bool) {
	m.udpMu.Lock()
	defer m.udpMu.Unlock()
	a, ok := m.udpByAgent[agentID]
	return a, ok
}

// WriteUDPFrame sends a UDP data frame for connID to agentID's last known
// registered endpoint, over the shared ingress UDP socket.
func (m *dataChannelManager) WriteUDPFrame(agentID, connID string, payload []byte) error {
	addr, ok := m.udpAddrFor(agentID)
	if !ok {
		return tunnelerr.ErrNoDataChannel
	}
	frame, err := wire.EncodeUDPData(connID, payload)
	if err != nil {
		return err
	}
	_, err = m.udpConn.WriteToUDP(frame, addr)
	return err
}
