package registry

import (
	"testing"
	"time"

	"github.com/flarego/tunnel/internal/tunnelerr"
	"github.com/flarego/tunnel/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	closed bool
	sent   []wire.Envelope
}

func (f *fakeSocket) Send(env wire.Envelope) error { f.sent = append(f.sent, env); return nil }
func (f *fakeSocket) Close() error                 { f.closed = true; return nil }
func (f *fakeSocket) RemoteAddr() string           { return "127.0.0.1:0" }

func TestPortRegistryUniqueness(t *testing.T) {
	r := NewPortRegistry()
	require.NoError(t, r.Register(29080, "agent-a"))

	err := r.Register(29080, "agent-b")
	assert.ErrorIs(t, err, tunnelerr.ErrPortAlreadyOwned)

	// Re-register by the same owner succeeds.
	assert.NoError(t, r.Register(29080, "agent-a"))
}

func TestPortRegistryRangeBoundaries(t *testing.T) {
	r := NewPortRegistry()
	assert.ErrorIs(t, r.Register(1023, "a"), tunnelerr.ErrPortOutOfRange)
	assert.ErrorIs(t, r.Register(65536, "a"), tunnelerr.ErrPortOutOfRange)
	assert.NoError(t, r.Register(1024, "a"))
	assert.NoError(t, r.Register(65535, "a"))
}

func TestPortRegistryDoubleUnregisterIdempotent(t *testing.T) {
	r := NewPortRegistry()
	require.NoError(t, r.Register(29080, "agent-a"))
	require.NoError(t, r.Unregister(29080, "agent-a"))

	err := r.Unregister(29080, "agent-a")
	assert.ErrorIs(t, err, tunnelerr.ErrUnknownPort)
	_, ok := r.Owner(29080)
	assert.False(t, ok)
}

func TestPortRegistryReleaseAllAndRetry(t *testing.T) {
	r := NewPortRegistry()
	require.NoError(t, r.Register(29080, "agent-a"))

	released := r.ReleaseAll("agent-a")
	assert.Equal(t, []int{29080}, released)

	// Agent B can now register the freed port.
	assert.NoError(t, r.Register(29080, "agent-b"))
}

func TestSessionRegistryAtMostOneActivePerAgent(t *testing.T) {
	reg := NewSessionRegistry()
	s1 := NewSession("agent-a", &fakeSocket{})
	s2 := NewSession("agent-a", &fakeSocket{})

	prev := reg.Put(s1)
	assert.Nil(t, prev)
	prev = reg.Put(s2)
	assert.Same(t, s1, prev)

	got, ok := reg.Get("agent-a")
	require.True(t, ok)
	assert.Same(t, s2, got)
}

func TestSessionRegistrySweepExpired(t *testing.T) {
	reg := NewSessionRegistry()
	s := NewSession("agent-a", &fakeSocket{})
	reg.Put(s)

	s.MarkAuthenticated(time.Now().Add(-200 * time.Second))
	expired := reg.SweepExpired(time.Now(), 120*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, "agent-a", expired[0].AgentID)
}

func TestConnTableRoundTrip(t *testing.T) {
	table := NewConnTable()
	rec := &ConnectionRecord{ExternalConnID: "conn-1", OwningAgentID: "agent-a", RemotePort: 29080}
	table.Store(rec)

	got, ok := table.Load("conn-1")
	require.True(t, ok)
	assert.Equal(t, rec, got)

	removed := table.RemoveAgent("agent-a")
	require.Len(t, removed, 1)
	_, ok = table.Load("conn-1")
	assert.False(t, ok)
}

func TestConnTableRemovePort(t *testing.T) {
	table := NewConnTable()
	table.Store(&ConnectionRecord{ExternalConnID: "c1", OwningAgentID: "a", RemotePort: 29080})
	table.Store(&ConnectionRecord{ExternalConnID: "c2", OwningAgentID: "a", RemotePort: 29081})

	removed := table.RemovePort("a", 29080)
	require.Len(t, removed, 1)
	assert.Equal(t, 1, table.Len())
}
