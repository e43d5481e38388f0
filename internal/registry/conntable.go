package registry

import (
	"io"
	"net"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Protocol mirrors the classification spec.md §4.3 assigns to an external
// connection.
type Protocol string

const (
	ProtoHTTP      Protocol = "http"
	ProtoWebSocket Protocol = "websocket"
	ProtoTCP       Protocol = "tcp"
	ProtoUDP       Protocol = "udp"
)

// ConnectionRecord is one external connection's bookkeeping entry (spec.md
// §3). ExternalConn/LocalConn are generic io.Closer handles so the relay
// (which owns the external socket) and the agent (which owns the local
// socket) can both use this type without an import cycle; whichever side a
// record lives on leaves the other field nil.
type ConnectionRecord struct {
	ExternalConnID string
	OwningAgentID  string
	RemotePort     int
	Protocol       Protocol
	PeerAddr       string
	CreatedAt      time.Time

	ExternalConn io.Closer // relay-side: the accepted external socket
	LocalConn    io.Closer // agent-side: the local backend socket

	UDPPeer *net.UDPAddr // set for UDP sessions: the external peer address

	// TraceID/SpanID are an optional span-link breadcrumb (see
	// pkg/otel.Breadcrumb) used purely for log correlation; never parsed or
	// acted upon per spec.md's "no application-level HTTP understanding"
	// non-goal.
	TraceID string
	SpanID  string
}

// ConnTable is the external-connection table (spec.md §3/§5): "partitioned
// by owning agent and written only by that agent's handlers" conceptually,
// backed by one sharded concurrent map since lookups on the frame hot path
// (one per data frame) must not contend with each other across agents.
type ConnTable struct {
	m *xsync.Map[string, *ConnectionRecord]
}

// NewConnTable returns an empty table.
func NewConnTable() *ConnTable {
	return &ConnTable{m: xsync.NewMap[string, *ConnectionRecord]()}
}

// Store records rec, keyed by its ExternalConnID.
func (t *ConnTable) Store(rec *ConnectionRecord) {
	t.m.Store(rec.ExternalConnID, rec)
}

// Load retrieves the record for connID, if present.
func (t *ConnTable) Load(connID string) (*ConnectionRecord, bool) {
	return t.m.Load(connID)
}

// Delete removes connID's record, returning it if it was present.
func (t *ConnTable) Delete(connID string) (*ConnectionRecord, bool) {
	return t.m.LoadAndDelete(connID)
}

// RangeAgent calls fn for every record owned by agentID. fn returning false
// stops iteration early.
func (t *ConnTable) RangeAgent(agentID string, fn func(*ConnectionRecord) bool) {
	t.m.Range(func(_ string, rec *ConnectionRecord) bool {
		if rec.OwningAgentID != agentID {
			return true
		}
		return fn(rec)
	})
}

// RemoveAgent deletes and returns every record owned by agentID (session
// removal cascade, spec.md §3).
func (t *ConnTable) RemoveAgent(agentID string) []*ConnectionRecord {
	var removed []*ConnectionRecord
	t.m.Range(func(connID string, rec *ConnectionRecord) bool {
		if rec.OwningAgentID == agentID {
			removed = append(removed, rec)
		}
		return true
	})
	for _, rec := range removed {
		t.m.Delete(rec.ExternalConnID)
	}
	return removed
}

// RemovePort deletes and returns every record for a given owning agent and
// remote port (used by UNREGISTER, spec.md §4.4).
func (t *ConnTable) RemovePort(agentID string, port int) []*ConnectionRecord {
	var removed []*ConnectionRecord
	t.m.Range(func(connID string, rec *ConnectionRecord) bool {
		if rec.OwningAgentID == agentID && rec.RemotePort == port {
			removed = append(removed, rec)
		}
		return true
	})
	for _, rec := range removed {
		t.m.Delete(rec.ExternalConnID)
	}
	return removed
}

// Len reports the number of tracked connections.
func (t *ConnTable) Len() int {
	return t.m.Size()
}
