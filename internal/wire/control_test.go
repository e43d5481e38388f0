package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	raw, err := Encode(TypeAuth, "req-1", AuthPayload{Token: "secret"})
	require.NoError(t, err)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeAuth, env.Type)
	assert.Equal(t, "req-1", env.ID)

	var p AuthPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "secret", p.Token)
}

func TestDecodeEnvelopeRejectsNonObject(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`"just a string"`))
	assert.ErrorIs(t, err, errMalformed)
}

func TestDecodeEnvelopeRejectsMissingFields(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, errMalformed)
}

func TestPendingTableResolve(t *testing.T) {
	table := NewPendingTable(time.Second)
	done := make(chan struct{})

	resultCh := make(chan Envelope, 1)
	go func() {
		env, ok := table.Await("req-1", done)
		if ok {
			resultCh <- env
		}
		close(resultCh)
	}()

	// Give the goroutine a moment to register.
	for table.Len() == 0 {
		time.Sleep(time.Millisecond)
	}

	resolved := table.Resolve(Envelope{Type: TypeAuthResp, ID: "req-1"})
	assert.True(t, resolved)

	env := <-resultCh
	assert.Equal(t, TypeAuthResp, env.Type)
}

func TestPendingTableTimeout(t *testing.T) {
	table := NewPendingTable(10 * time.Millisecond)
	done := make(chan struct{})
	_, ok := table.Await("req-timeout", done)
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len())
}
