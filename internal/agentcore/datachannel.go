// internal/agentcore/datachannel.go
// Agent-side counterpart of internal/relay/datachannel.go: one TCP socket
// per agent carrying the auth handshake followed by the length-prefixed
// frame stream, demultiplexed by ExternalConnId onto local proxy
// connections (spec.md §4.1, §4.5).
package agentcore

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/flarego/tunnel/internal/metrics"
	"github.com/flarego/tunnel/internal/tunnelerr"
	"github.com/flarego/tunnel/internal/wire"
)

type agentDataChannel struct {
	ctrl    *Controller
	agentID string

	mu      sync.Mutex
	conn    net.Conn
	parser  *wire.Parser
	idCache *wire.IDCache

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newAgentDataChannel(ctrl *Controller, agentID string) *agentDataChannel {
	return &agentDataChannel{
		ctrl:    ctrl,
		agentID: agentID,
		parser:  wire.NewParser(),
		idCache: wire.NewIDCache(),
		closed:  make(chan struct{}),
	}
}

// connect dials the relay's shared ingress port and completes the TCP
// data-channel auth handshake (spec.md §4.1: 38-byte auth frame, single
// accept/reject reply byte).
func (d *agentDataChannel) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", d.ctrl.cfg.RelayAddr)
	if err != nil {
		return err
	}

	authFrame, err := wire.EncodeAuthFrame(d.agentID)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := conn.Write(authFrame); err != nil {
		_ = conn.Close()
		return err
	}

	reply := make([]byte, 1)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Read(reply); err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})
	if reply[0] != wire.AuthAccept {
		_ = conn.Close()
		return tunnelerr.ErrDataChannelAuth
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	go d.readLoop()
	return nil
}

// writeFrame serializes one (connID, payload) frame onto the TCP data
// channel. The single writeMu both guarantees frame atomicity and is the
// back-pressure mechanism: a slow or full socket blocks Write, which blocks
// whichever proxy goroutine called writeFrame, which in turn stops that
// goroutine from reading more bytes off its local connection.
func (d *agentDataChannel) writeFrame(connID string, payload []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return tunnelerr.ErrPeerIO
	}

	frame, err := wire.EncodeDataFrameCached(d.idCache.Encode(connID), payload)
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	metrics.BackpressureActive.Inc()
	defer metrics.BackpressureActive.Dec()
	if _, err := conn.Write(frame); err != nil {
		return tunnelerr.ErrPeerIO
	}
	metrics.FramesTotal.WithLabelValues("out").Inc()
	return nil
}

func (d *agentDataChannel) readLoop() {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, f := range d.parser.Feed(buf[:n]) {
				payload := append([]byte(nil), f.Payload...)
				metrics.FramesTotal.WithLabelValues("in").Inc()
				d.ctrl.onRelayFrame(f.ConnID, payload)
			}
		}
		if err != nil {
			break
		}
	}
	d.close()
}

func (d *agentDataChannel) close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}
