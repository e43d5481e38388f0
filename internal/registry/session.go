// Package registry holds the three shared, mutable structures spec.md §3/§5
// describe: the agent session registry, the exposed-port registry and the
// external-connection table. All three sit behind "one serialization
// boundary per peer" (spec.md §9) — the low-cardinality session and port
// registries use a plain sync.RWMutex the way the teacher's
// gateway.Server guards its subscriber map, while the much hotter
// connection table (§4) is backed by a sharded concurrent map.
package registry

import (
	"sync"
	"time"

	"github.com/flarego/tunnel/internal/tunnelerr"
	"github.com/flarego/tunnel/internal/wire"
)

// ControlSocket abstracts the transport a Session's control channel rides
// on (a WebSocket connection in production, a fake in tests).
type ControlSocket interface {
	Send(env wire.Envelope) error
	Close() error
	RemoteAddr() string
}

// Session is one agent's control-channel state (spec.md §3 "Agent
// session"). The zero value is not usable; construct via NewSession.
type Session struct {
	AgentID string

	mu              sync.Mutex
	socket          ControlSocket
	authenticated   bool
	authenticatedAt time.Time
	lastHeartbeatAt time.Time
	ports           map[int]struct{}

	Pending *wire.PendingTable
}

// NewSession wraps socket as an unauthenticated session.
func NewSession(agentID string, socket ControlSocket) *Session {
	return &Session{
		AgentID: agentID,
		socket:  socket,
		ports:   make(map[int]struct{}),
		Pending: wire.NewPendingTable(wire.DefaultRequestTimeout),
	}
}

// MarkAuthenticated transitions UNAUTH -> AUTHENTICATED (spec.md §4.4).
func (s *Session) MarkAuthenticated(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.authenticatedAt = now
	s.lastHeartbeatAt = now
}

// Authenticated reports whether AUTH has already succeeded on this socket.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Touch records a heartbeat arrival time.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeatAt = now
	s.mu.Unlock()
}

// IdleSince returns how long it has been since the last heartbeat (or since
// authentication, if no heartbeat has arrived yet).
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastHeartbeatAt)
}

// AddPort records port as owned by this session.
func (s *Session) AddPort(port int) {
	s.mu.Lock()
	s.ports[port] = struct{}{}
	s.mu.Unlock()
}

// RemovePort drops port from this session's owned set.
func (s *Session) RemovePort(port int) {
	s.mu.Lock()
	delete(s.ports, port)
	s.mu.Unlock()
}

// Ports returns a snapshot of the ports this session owns.
func (s *Session) Ports() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.ports))
	for p := range s.ports {
		out = append(out, p)
	}
	return out
}

// Send writes env to the underlying control socket.
func (s *Session) Send(env wire.Envelope) error {
	s.mu.Lock()
	sock := s.socket
	s.mu.Unlock()
	if sock == nil {
		return tunnelerr.ErrPeerIO
	}
	return sock.Send(env)
}

// Close tears down the underlying control socket.
func (s *Session) Close() error {
	s.mu.Lock()
	sock := s.socket
	s.mu.Unlock()
	if sock == nil {
		return nil
	}
	return sock.Close()
}

// RemoteAddr reports the peer address of the control socket, for logging.
func (s *Session) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket == nil {
		return ""
	}
	return s.socket.RemoteAddr()
}

// SessionRegistry maps AgentId to Session (spec.md §3: "at most one active
// control socket per agentId at any time").
type SessionRegistry struct {
	mu    sync.RWMutex
	byID  map[string]*Session
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byID: make(map[string]*Session)}
}

// Put installs session, replacing (but not closing) any prior session for
// the same AgentId; the caller is responsible for closing the old one so
// the "close old TCP data channel before storing the new one" ordering in
// spec.md §4.5 is explicit at call sites rather than hidden here.
func (r *SessionRegistry) Put(s *Session) (previous *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.byID[s.AgentID]
	r.byID[s.AgentID] = s
	return previous
}

// Get looks up a session by AgentId.
func (r *SessionRegistry) Get(agentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[agentID]
	return s, ok
}

// Remove drops agentID from the registry, returning the removed session if
// present. Cascading cleanup (ports, connections, data channels) is the
// caller's responsibility (internal/relay ties it together).
func (r *SessionRegistry) Remove(agentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[agentID]
	if ok {
		delete(r.byID, agentID)
	}
	return s, ok
}

// All returns a snapshot of every currently registered session.
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// SweepExpired returns (without removing) every session whose idle time
// exceeds timeout, for the heartbeat sweeper (spec.md §4.4) to close one at
// a time.
func (r *SessionRegistry) SweepExpired(now time.Time, timeout time.Duration) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var expired []*Session
	for _, s := range r.byID {
		if s.IdleSince(now) > timeout {
			expired = append(expired, s)
		}
	}
	return expired
}

// Len reports how many sessions are registered (authenticated or not).
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
