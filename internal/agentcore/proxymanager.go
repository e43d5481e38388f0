// internal/agentcore/proxymanager.go
// One proxyManager per configured local proxy (spec.md §4.6 "per-agent list
// of (remotePort, localPort, localHost?)"), adapted from the teacher's
// Collector Start/Stop/AddSampler lifecycle (internal/agent/collector.go):
// REGISTER on control-ready. The locally-dialed connections are tracked by
// the Controller, and no UNREGISTER is sent: the relay releases the port
// when the control session ends.
package agentcore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flarego/tunnel/internal/agentconf"
	"github.com/flarego/tunnel/internal/util"
	"github.com/flarego/tunnel/internal/wire"
	"go.uber.org/zap"
)

type proxyManager struct {
	ctrl *Controller
	cfg  agentconf.ProxyConfig
}

func newProxyManager(ctrl *Controller, cfg agentconf.ProxyConfig) *proxyManager {
	return &proxyManager{ctrl: ctrl, cfg: cfg}
}

// startOnControlReady sends REGISTER for this proxy's remote port, logging
// (but not fatally failing the controller on) a rejected registration —
// spec.md §4.6 lets other proxies keep running if one REGISTER fails.
func (p *proxyManager) startOnControlReady(ctx context.Context) {
	id := util.NewID()
	payload, err := json.Marshal(wire.RegisterPayload{
		RemotePort: p.cfg.RemotePort,
		LocalPort:  p.cfg.LocalPort,
		LocalHost:  p.cfg.LocalHost,
	})
	if err != nil {
		p.ctrl.logger.Error("failed to encode REGISTER", zap.Error(err))
		return
	}
	env := wire.Envelope{Type: wire.TypeRegister, ID: id, Payload: payload}

	if sendErr := p.ctrl.send(env); sendErr != nil {
		p.ctrl.logger.Warn("REGISTER send failed", zap.Int("remote_port", p.cfg.RemotePort), zap.Error(sendErr))
		return
	}

	// PendingTable.Await carries its own request timeout; ctx.Done() only
	// needs to short-circuit the wait if the controller is shutting down.
	resp, ok := p.ctrl.pending.Await(id, ctx.Done())
	if !ok {
		p.ctrl.logger.Warn("REGISTER timed out", zap.Int("remote_port", p.cfg.RemotePort))
		return
	}

	var rp wire.RegisterRespPayload
	if err := json.Unmarshal(resp.Payload, &rp); err != nil || !rp.Success {
		p.ctrl.logger.Warn("REGISTER rejected", zap.Int("remote_port", p.cfg.RemotePort), zap.String("error", rp.Error))
		return
	}
	p.ctrl.logger.Info("proxy registered", zap.Int("remote_port", p.cfg.RemotePort), zap.String("remote_url", rp.RemoteURL))
}

// stopAll does nothing: the per-connection local sockets are closed by
// Controller.closeAllHandlers when the control channel itself goes down.
func (p *proxyManager) stopAll() {}

func (p *proxyManager) localAddr() string {
	host := p.cfg.LocalHost
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, p.cfg.LocalPort)
}
