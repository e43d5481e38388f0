// internal/agentcore/udpchannel.go
// Agent-side UDP tunnel socket: registers with the relay and sends periodic
// keep-alives over the shared ingress UDP port (spec.md §4.1), and carries
// UDP data frames in both directions once a local UDP proxy is active.
package agentcore

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/flarego/tunnel/internal/tunnelerr"
	"github.com/flarego/tunnel/internal/wire"
	"go.uber.org/zap"
)

type agentUDPChannel struct {
	ctrl    *Controller
	agentID string

	mu   sync.Mutex
	conn *net.UDPConn

	done chan struct{}
	wg   sync.WaitGroup
}

func newAgentUDPChannel(ctrl *Controller, agentID string) *agentUDPChannel {
	return &agentUDPChannel{ctrl: ctrl, agentID: agentID, done: make(chan struct{})}
}

// start dials the relay's UDP ingress, sends an initial Register frame, and
// launches the keep-alive and read loops.
func (u *agentUDPChannel) start(ctx context.Context) {
	raddr, err := net.ResolveUDPAddr("udp", u.ctrl.cfg.RelayAddr)
	if err != nil {
		u.ctrl.logger.Warn("udp channel resolve failed", zap.Error(err))
		return
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		u.ctrl.logger.Warn("udp channel dial failed", zap.Error(err))
		return
	}
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()

	reg, err := wire.EncodeUDPRegister(u.agentID)
	if err == nil {
		_, _ = conn.Write(reg)
	}

	u.wg.Add(2)
	go u.keepAliveLoop()
	go u.readLoop()
}

func (u *agentUDPChannel) keepAliveLoop() {
	defer u.wg.Done()
	interval := u.ctrl.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ka, err := wire.EncodeUDPKeepAlive(u.agentID)
			if err != nil {
				continue
			}
			u.mu.Lock()
			conn := u.conn
			u.mu.Unlock()
			if conn != nil {
				_, _ = conn.Write(ka)
			}
		case <-u.done:
			return
		}
	}
}

func (u *agentUDPChannel) readLoop() {
	defer u.wg.Done()
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()

	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		frame, ferr := wire.ParseUDPFrame(buf[:n])
		if ferr != nil || frame.Kind != wire.UDPFrameData {
			continue
		}
		payload := append([]byte(nil), frame.Payload...)
		u.ctrl.onRelayUDPFrame(frame.ConnID, payload)
	}
}

// writeFrame sends one UDP data frame to the relay for connID.
func (u *agentUDPChannel) writeFrame(connID string, payload []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return tunnelerr.ErrNoDataChannel
	}
	frame, err := wire.EncodeUDPData(connID, payload)
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return tunnelerr.ErrPeerIO
	}
	return nil
}

// stop tears down the UDP channel's goroutines and socket.
func (u *agentUDPChannel) stop() {
	select {
	case <-u.done:
	default:
		close(u.done)
	}
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	u.wg.Wait()
}
