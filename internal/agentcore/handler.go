// internal/agentcore/handler.go
// Per-external-connection bridge between the agent's tunnel frame stream and
// the local backend socket (spec.md §4.5, agent side). Frames that arrive
// before the local dial completes are buffered on the inbox channel and
// replayed once connected, mirroring the connect-buffering behavior the
// teacher's exporter gives a not-yet-ready gRPC stream
// (internal/agent/exporter/grpc_exporter.go's Export-before-connect path).
package agentcore

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/flarego/tunnel/internal/registry"
	"github.com/flarego/tunnel/internal/tunnelerr"
	"github.com/flarego/tunnel/internal/util"
	"github.com/flarego/tunnel/internal/wire"
	"go.uber.org/zap"
)

type localHandler struct {
	connID   string
	ctrl     *Controller
	protocol registry.Protocol

	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	localConn net.Conn
}

func newLocalHandler(ctrl *Controller, connID string, proto registry.Protocol) *localHandler {
	return &localHandler{
		ctrl:     ctrl,
		connID:   connID,
		protocol: proto,
		inbox:    make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (h *localHandler) close() {
	h.once.Do(func() {
		close(h.closed)
		h.mu.Lock()
		conn := h.localConn
		h.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// run dials the local backend and pumps bytes in both directions until
// either side closes or the relay tears down the connection.
func (h *localHandler) run(pm *proxyManager) {
	defer h.ctrl.removeHandler(h.connID)
	defer h.close()

	timeout := h.ctrl.cfg.LocalConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	network := "tcp"
	if h.protocol == registry.ProtoUDP {
		network = "udp"
	}
	conn, err := net.DialTimeout(network, pm.localAddr(), timeout)
	if err != nil {
		h.ctrl.logger.Warn("local dial failed", zap.String("conn", h.connID), zap.String("addr", pm.localAddr()), zap.Error(err))
		h.ctrl.sendConnectionError(h.connID, tunnelerr.ErrLocalConnectRefused)
		h.ctrl.sendConnectionClose(h.connID)
		return
	}
	h.mu.Lock()
	h.localConn = conn
	h.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.pumpLocalToRelay(conn)
	}()
	go func() {
		defer wg.Done()
		h.pumpRelayToLocal(conn)
	}()
	wg.Wait()

	h.ctrl.sendConnectionClose(h.connID)
}

// pumpLocalToRelay reads from the local backend and forwards each chunk as
// a frame onto the shared TCP (or UDP) tunnel channel. TCP frames are built
// from the data channel's encoded-id cache, as internal/relay/proxy.go does
// for the symmetric direction; UDP frames encode the id on every write.
func (h *localHandler) pumpLocalToRelay(conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			var werr error
			if h.protocol == registry.ProtoUDP {
				werr = h.ctrl.udpChan.writeFrame(h.connID, buf[:n])
			} else {
				werr = h.ctrl.dataChan.writeFrame(h.connID, buf[:n])
			}
			if werr != nil {
				_ = conn.Close()
				return
			}
		}
		if err != nil {
			_ = conn.Close()
			return
		}
	}
}

// pumpRelayToLocal drains frames the relay sent for this connection onto
// the local backend socket.
func (h *localHandler) pumpRelayToLocal(conn net.Conn) {
	for {
		select {
		case payload, ok := <-h.inbox:
			if !ok {
				return
			}
			if _, err := conn.Write(payload); err != nil {
				_ = conn.Close()
				return
			}
		case <-h.closed:
			return
		}
	}
}

// handleNewConnection is the agent's response to a relay-issued
// NEW_CONNECTION (spec.md §4.5): dial the configured local backend and
// start bridging.
func (c *Controller) handleNewConnection(env wire.Envelope) {
	var p wire.NewConnectionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	pm := c.proxyForPort(p.RemotePort)
	if pm == nil {
		c.sendConnectionError(p.ConnectionID, tunnelerr.ErrUnknownPort)
		c.sendConnectionClose(p.ConnectionID)
		return
	}

	h := newLocalHandler(c, p.ConnectionID, registry.Protocol(p.Protocol))
	c.registerHandler(h)
	c.conns.Store(&registry.ConnectionRecord{
		ExternalConnID: p.ConnectionID,
		OwningAgentID:  c.agentID,
		RemotePort:     p.RemotePort,
		Protocol:       registry.Protocol(p.Protocol),
		PeerAddr:       p.RemoteAddress,
		CreatedAt:      time.Now(),
	})
	go h.run(pm)
}

func (c *Controller) handleConnectionClose(env wire.Envelope) {
	var p wire.ConnectionClosePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	c.teardownConnection(p.ConnectionID)
}

func (c *Controller) handleConnectionError(env wire.Envelope) {
	var p wire.ConnectionErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	c.logger.Warn("connection error from relay", zap.String("conn", p.ConnectionID), zap.String("error", p.Error))
	c.teardownConnection(p.ConnectionID)
}

func (c *Controller) teardownConnection(connID string) {
	if h, ok := c.removeHandler(connID); ok {
		h.close()
	}
	c.conns.Delete(connID)
	if c.dataChan != nil {
		c.dataChan.idCache.Evict(connID)
	}
}

func (c *Controller) sendConnectionClose(connID string) {
	env, err := newAgentEnvelope(wire.TypeConnectionClose, util.NewID(), wire.ConnectionClosePayload{ConnectionID: connID})
	if err != nil {
		return
	}
	_ = c.send(env)
}

func (c *Controller) sendConnectionError(connID string, kindErr error) {
	env, err := newAgentEnvelope(wire.TypeConnectionError, util.NewID(), wire.ConnectionErrorPayload{
		ConnectionID: connID,
		Error:        tunnelerr.Kind(kindErr),
	})
	if err != nil {
		return
	}
	_ = c.send(env)
}

func newAgentEnvelope(typ wire.MessageType, id string, payload any) (wire.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{Type: typ, ID: id, Payload: b}, nil
}
