package registry

import (
	"sync"

	"github.com/flarego/tunnel/internal/tunnelerr"
)

// MinPort and MaxPort bound the legal REGISTER range (spec.md §4.4, §8:
// "remotePort = 1023 or 65536 -> PortOutOfRange").
const (
	MinPort = 1024
	MaxPort = 65535
)

// PortRegistry maps an exposed port to its owning AgentId (spec.md §3
// "Exposed-port registration"). A port is owned by at most one agent.
type PortRegistry struct {
	mu     sync.RWMutex
	owners map[int]string
}

// NewPortRegistry returns an empty registry.
func NewPortRegistry() *PortRegistry {
	return &PortRegistry{owners: make(map[int]string)}
}

// InRange reports whether port falls within the legal REGISTER bounds.
func InRange(port int) bool {
	return port >= MinPort && port <= MaxPort
}

// Register claims port for agentID. Re-registering a port already owned by
// the same agent succeeds (idempotent "already owned by you" outcome, spec.md
// §8); a different owner gets ErrPortAlreadyOwned; an out-of-range port gets
// ErrPortOutOfRange before ownership is even consulted.
func (r *PortRegistry) Register(port int, agentID string) error {
	if !InRange(port) {
		return tunnelerr.ErrPortOutOfRange
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.owners[port]; ok && owner != agentID {
		return tunnelerr.ErrPortAlreadyOwned
	}
	r.owners[port] = agentID
	return nil
}

// Unregister releases port if agentID currently owns it. A port with no
// owner, or owned by someone else, returns ErrUnknownPort — this makes a
// second UNREGISTER of the same port idempotent-after-first per spec.md §8.
func (r *PortRegistry) Unregister(port int, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[port]
	if !ok || owner != agentID {
		return tunnelerr.ErrUnknownPort
	}
	delete(r.owners, port)
	return nil
}

// ReleaseAll drops every port owned by agentID (session-removal cascade,
// spec.md §3). Returns the released ports.
func (r *PortRegistry) ReleaseAll(agentID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released []int
	for port, owner := range r.owners {
		if owner == agentID {
			released = append(released, port)
			delete(r.owners, port)
		}
	}
	return released
}

// Owner returns the AgentId owning port, if any.
func (r *PortRegistry) Owner(port int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[port]
	return owner, ok
}

// Len reports how many ports are currently registered.
func (r *PortRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

// All returns a snapshot copy of port -> owning agent, used by the
// administrative side channel's orphan-port cleanup query.
func (r *PortRegistry) All() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]string, len(r.owners))
	for port, owner := range r.owners {
		out[port] = owner
	}
	return out
}
