package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPDataFrameRoundTrip(t *testing.T) {
	connID := newConnID()
	payload := []byte("hello udp tunnel")
	raw, err := EncodeUDPData(connID, payload)
	require.NoError(t, err)

	f, err := ParseUDPFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, UDPFrameData, f.Kind)
	assert.Equal(t, connID, f.ConnID)
	assert.Equal(t, payload, f.Payload)
}

func TestUDPRegisterAndKeepAlive(t *testing.T) {
	agentID := newConnID()

	reg, err := EncodeUDPRegister(agentID)
	require.NoError(t, err)
	f, err := ParseUDPFrame(reg)
	require.NoError(t, err)
	assert.Equal(t, UDPFrameRegister, f.Kind)
	assert.Equal(t, agentID, f.AgentID)

	ka, err := EncodeUDPKeepAlive(agentID)
	require.NoError(t, err)
	f, err = ParseUDPFrame(ka)
	require.NoError(t, err)
	assert.Equal(t, UDPFrameKeepAlive, f.Kind)
	assert.Equal(t, agentID, f.AgentID)
}

func TestUDPShortDatagramDropped(t *testing.T) {
	_, err := ParseUDPFrame([]byte("too short"))
	assert.ErrorIs(t, err, ErrDropped)
}

func TestUDPUnknownControlShapeDropped(t *testing.T) {
	b := []byte{0xFD, 0x09}
	b = append(b, []byte(newConnID())...)
	_, err := ParseUDPFrame(b)
	assert.ErrorIs(t, err, ErrDropped)
}
