// internal/relay/dispatch.go
// The per-control-socket state machine (spec.md §4.4): UNAUTH -> AUTHENTICATED
// -> CLOSED, with one handler per MessageType variant per spec.md §9's
// preference for a closed tagged-variant dispatch over an open dynamic map.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flarego/tunnel/internal/metrics"
	"github.com/flarego/tunnel/internal/registry"
	"github.com/flarego/tunnel/internal/tunnelerr"
	"github.com/flarego/tunnel/internal/util"
	"github.com/flarego/tunnel/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// controlRateBurst/controlRateRefill bound how fast one authenticated
// session may push REGISTER/UNREGISTER/HEARTBEAT/etc. messages at the
// dispatcher, a hardening of the single serialization boundary spec.md §5
// describes: without it, one misbehaving agent could starve every other
// session's registry access by flooding its own control socket.
const (
	controlRateBurst  = 20
	controlRateRefill = 10 // messages/sec
)

// wsControlSocket adapts a *websocket.Conn to registry.ControlSocket.
// gorilla/websocket requires a single writer per connection; writeMu
// enforces that across concurrent senders (the dispatcher goroutine and any
// other caller replying asynchronously, e.g. a forced CONNECTION_CLOSE from
// a per-port proxy goroutine).
type wsControlSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsControlSocket) Send(env wire.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

func (w *wsControlSocket) Close() error { return w.conn.Close() }

func (w *wsControlSocket) RemoteAddr() string { return w.conn.RemoteAddr().String() }

// handleControlConn runs the dispatcher loop for one accepted WebSocket
// control connection until it closes.
func (r *Relay) handleControlConn(conn *websocket.Conn) {
	sock := &wsControlSocket{conn: conn}

	deadline := r.cfg.AuthDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	authTimer := time.AfterFunc(deadline, func() { _ = conn.Close() })

	var sess *registry.Session
	limiter := rate.NewLimiter(rate.Limit(controlRateRefill), controlRateBurst)
	defer func() {
		authTimer.Stop()
		if sess == nil {
			_ = conn.Close()
			return
		}
		if cur, ok := r.sessions.Get(sess.AgentID); ok && cur == sess {
			r.sessions.Remove(sess.AgentID)
		}
		r.cascadeRemoveSession(sess)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			r.replyError(sock, "", tunnelerr.ErrMalformedMessage)
			continue
		}

		if sess == nil {
			if env.Type != wire.TypeAuth {
				r.replyError(sock, env.ID, tunnelerr.ErrNotAuthenticated)
				continue
			}
			newSess, ok := r.handleAuth(sock, env)
			if !ok {
				return
			}
			sess = newSess
			authTimer.Stop()
			continue
		}

		if !limiter.Allow() {
			r.logger.Debug("control message rate-limited", zap.String("agent", sess.AgentID), zap.String("type", string(env.Type)))
			continue
		}

		switch env.Type {
		case wire.TypeRegister:
			r.handleRegister(sess, env)
		case wire.TypeUnregister:
			r.handleUnregister(sess, env)
		case wire.TypeHeartbeat:
			r.handleHeartbeat(sess, env)
		case wire.TypeConnectionClose:
			r.handleConnectionClose(sess, env)
		case wire.TypeConnectionError:
			r.handleConnectionError(sess, env)
		default:
			r.replyError(sock, env.ID, tunnelerr.ErrUnknownMessageType)
		}
	}
}

func (r *Relay) replyError(sock registry.ControlSocket, id string, kindErr error) {
	env, err := newEnvelope(wire.TypeConnectionError, id, wire.ConnectionErrorPayload{Error: tunnelerr.Kind(kindErr)})
	if err != nil {
		return
	}
	_ = sock.Send(env)
}

// handleAuth is the UNAUTH -> AUTHENTICATED transition (spec.md §4.4). On
// success it allocates a fresh AgentId and installs the new Session. Since
// every AUTH gets a new id, a reconnecting agent does not replace its
// earlier session here; that one is removed when its old control socket
// closes or the heartbeat sweep expires it. The prior-session cascade below
// runs only if Put reports an existing session under the new id.
func (r *Relay) handleAuth(sock registry.ControlSocket, env wire.Envelope) (*registry.Session, bool) {
	var p wire.AuthPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.sendAuthResp(sock, env.ID, false, "", tunnelerr.ErrMalformedMessage)
		return nil, false
	}
	if p.Token == "" {
		r.sendAuthResp(sock, env.ID, false, "", tunnelerr.ErrEmptyToken)
		return nil, false
	}
	if !r.validToken(p.Token) {
		r.sendAuthResp(sock, env.ID, false, "", tunnelerr.ErrInvalidToken)
		return nil, false
	}

	agentID := util.NewID()
	sess := registry.NewSession(agentID, sock)
	sess.MarkAuthenticated(time.Now())
	if prev := r.sessions.Put(sess); prev != nil {
		r.cascadeRemoveSession(prev)
	}

	r.sendAuthResp(sock, env.ID, true, agentID, nil)
	metrics.Sessions.Set(float64(r.sessions.Len()))
	r.logger.Info("agent authenticated", zap.String("agent", agentID))
	return sess, true
}

func (r *Relay) sendAuthResp(sock registry.ControlSocket, id string, success bool, clientID string, kindErr error) {
	payload := wire.AuthRespPayload{Success: success, ClientID: clientID}
	if kindErr != nil {
		payload.Error = tunnelerr.Kind(kindErr)
	}
	env, err := newEnvelope(wire.TypeAuthResp, id, payload)
	if err != nil {
		return
	}
	_ = sock.Send(env)
}

func (r *Relay) handleRegister(sess *registry.Session, env wire.Envelope) {
	var p wire.RegisterPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.replyError(sess, env.ID, tunnelerr.ErrMalformedMessage)
		return
	}
	if err := r.ports.Register(p.RemotePort, sess.AgentID); err != nil {
		r.sendRegisterResp(sess, env.ID, false, p.RemotePort, err)
		return
	}
	sess.AddPort(p.RemotePort)

	if _, err := r.ensureProxy(p.RemotePort, sess.AgentID); err != nil {
		_ = r.ports.Unregister(p.RemotePort, sess.AgentID)
		sess.RemovePort(p.RemotePort)
		r.sendRegisterResp(sess, env.ID, false, p.RemotePort, err)
		return
	}

	r.sendRegisterResp(sess, env.ID, true, p.RemotePort, nil)
	metrics.Ports.Set(float64(r.ports.Len()))
}

func (r *Relay) sendRegisterResp(sess *registry.Session, id string, success bool, port int, kindErr error) {
	payload := wire.RegisterRespPayload{Success: success, RemotePort: port}
	if success {
		payload.RemoteURL = fmt.Sprintf("%s:%d", r.publicHost(), port)
	} else {
		payload.Error = tunnelerr.Kind(kindErr)
	}
	env, err := newEnvelope(wire.TypeRegisterResp, id, payload)
	if err != nil {
		return
	}
	_ = sess.Send(env)
}

func (r *Relay) handleUnregister(sess *registry.Session, env wire.Envelope) {
	var p wire.UnregisterPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.replyError(sess, env.ID, tunnelerr.ErrMalformedMessage)
		return
	}
	if err := r.ports.Unregister(p.RemotePort, sess.AgentID); err != nil {
		r.replyError(sess, env.ID, err)
		return
	}
	sess.RemovePort(p.RemotePort)
	r.stopProxy(p.RemotePort)

	for _, rec := range r.conns.RemovePort(sess.AgentID, p.RemotePort) {
		if rec.ExternalConn != nil {
			_ = rec.ExternalConn.Close()
		}
		env2, err := newEnvelope(wire.TypeConnectionClose, util.NewID(), wire.ConnectionClosePayload{ConnectionID: rec.ExternalConnID})
		if err == nil {
			_ = sess.Send(env2)
		}
		metrics.ConnectionsActive.Dec()
	}
}

func (r *Relay) handleHeartbeat(sess *registry.Session, env wire.Envelope) {
	now := time.Now()
	sess.Touch(now)
	resp, err := newEnvelope(wire.TypeHeartbeatResp, env.ID, wire.HeartbeatRespPayload{Timestamp: now.Unix()})
	if err != nil {
		return
	}
	_ = sess.Send(resp)
}

func (r *Relay) handleConnectionClose(sess *registry.Session, env wire.Envelope) {
	var p wire.ConnectionClosePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.replyError(sess, env.ID, tunnelerr.ErrMalformedMessage)
		return
	}
	r.forceCloseConn(p.ConnectionID, false)
}

func (r *Relay) handleConnectionError(sess *registry.Session, env wire.Envelope) {
	var p wire.ConnectionErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.replyError(sess, env.ID, tunnelerr.ErrMalformedMessage)
		return
	}
	r.logger.Warn("connection error from agent", zap.String("agent", sess.AgentID), zap.String("conn", p.ConnectionID), zap.String("error", p.Error))
	r.forceCloseConn(p.ConnectionID, false)
}
