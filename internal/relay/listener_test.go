package relay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekedConnReplaysConsumedBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("rest of stream"))
	}()

	pc := newPeekedConn(server, []byte("peeked-"))
	buf := make([]byte, len("peeked-rest of stream"))
	n, err := io.ReadFull(pc, buf)
	require.NoError(t, err)
	assert.Equal(t, "peeked-rest of stream", string(buf[:n]))
}

func TestHandoffListenerAcceptReturnsHandedOffConn(t *testing.T) {
	h := newHandoffListener(&net.TCPAddr{})
	client, server := net.Pipe()
	defer client.Close()

	go h.handoff(server)

	got, err := h.Accept()
	require.NoError(t, err)
	assert.Same(t, server, got)
}

func TestHandoffListenerCloseUnblocksAccept(t *testing.T) {
	h := newHandoffListener(&net.TCPAddr{})

	done := make(chan error, 1)
	go func() {
		_, err := h.Accept()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Accept did not unblock after Close")
	}
}

func TestHandoffListenerHandoffAfterCloseClosesConn(t *testing.T) {
	h := newHandoffListener(&net.TCPAddr{})
	require.NoError(t, h.Close())

	client, server := net.Pipe()
	defer client.Close()

	h.handoff(server)

	_, err := server.Write([]byte("x"))
	assert.Error(t, err)
}
