package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnID() string { return uuid.New().String() }

func TestEncodeDecodeDataFrameRoundTrip(t *testing.T) {
	connID := newConnID()
	payload := []byte("hello tunnel")

	frame, err := EncodeDataFrame(connID, payload)
	require.NoError(t, err)

	p := NewParser()
	frames := p.Feed(frame)
	require.Len(t, frames, 1)
	assert.Equal(t, connID, frames[0].ConnID)
	assert.Equal(t, payload, frames[0].Payload)
}

func TestEncodeDataFrameEmptyPayloadIsValid(t *testing.T) {
	connID := newConnID()
	frame, err := EncodeDataFrame(connID, nil)
	require.NoError(t, err)

	p := NewParser()
	frames := p.Feed(frame)
	require.Len(t, frames, 1)
	assert.Equal(t, connID, frames[0].ConnID)
	assert.Empty(t, frames[0].Payload)
}

func TestParserHandlesArbitraryChunkSplits(t *testing.T) {
	var all []byte
	var want []Frame
	for i := 0; i < 5; i++ {
		connID := newConnID()
		payload := []byte{byte(i), byte(i + 1), byte(i + 2)}
		f, err := EncodeDataFrame(connID, payload)
		require.NoError(t, err)
		all = append(all, f...)
		want = append(want, Frame{ConnID: connID, Payload: payload})
	}

	p := NewParser()
	var got []Frame
	// Feed one byte at a time: the adversarial small-chunk case.
	for i := range all {
		for _, fr := range p.Feed(all[i : i+1]) {
			got = append(got, Frame{ConnID: fr.ConnID, Payload: append([]byte(nil), fr.Payload...)})
		}
	}

	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ConnID, got[i].ConnID)
		assert.Equal(t, want[i].Payload, got[i].Payload)
	}
}

func TestParserResetClearsPartialState(t *testing.T) {
	connID := newConnID()
	f, err := EncodeDataFrame(connID, []byte("payload-data"))
	require.NoError(t, err)

	p := NewParser()
	// Feed a partial frame, then reset.
	frames := p.Feed(f[:10])
	assert.Empty(t, frames)
	p.Reset()
	assert.Equal(t, 0, p.Buffered())

	// Subsequent full frames parse normally.
	frames = p.Feed(f)
	require.Len(t, frames, 1)
	assert.Equal(t, connID, frames[0].ConnID)
}

func TestParserNoPartialFrameEmitted(t *testing.T) {
	connID := newConnID()
	f, err := EncodeDataFrame(connID, []byte("0123456789"))
	require.NoError(t, err)

	p := NewParser()
	for i := 0; i < len(f)-1; i++ {
		frames := p.Feed(f[i : i+1])
		assert.Empty(t, frames, "must not emit before the full frame has arrived")
	}
	frames := p.Feed(f[len(f)-1:])
	require.Len(t, frames, 1)
}

func TestEncodeDataFrameCachedMatchesEncodeDataFrame(t *testing.T) {
	connID := newConnID()
	payload := []byte("cached frame build")

	cache := NewIDCache()
	cached, err := EncodeDataFrameCached(cache.Encode(connID), payload)
	require.NoError(t, err)

	plain, err := EncodeDataFrame(connID, payload)
	require.NoError(t, err)

	assert.Equal(t, plain, cached)
}

func TestAuthFrameRoundTrip(t *testing.T) {
	agentID := newConnID()
	buf, err := EncodeAuthFrame(agentID)
	require.NoError(t, err)
	require.Len(t, buf, AuthFrameLen)
	assert.True(t, IsAuthFrame(buf[:2]))

	got, err := DecodeAuthFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, agentID, got)
}

func TestIsAuthFrameRejectsHTTP(t *testing.T) {
	assert.False(t, IsAuthFrame([]byte("GE")))
}

// TestParserDoesNotCorruptSameCallPayloadsOnCompact reproduces the
// large-read scenario that makes compact() shift the buffer: many complete
// frames followed by a trailing partial frame, fed in one chunk large
// enough to push the consumed prefix past half of the buffer's capacity.
// The frames returned by this single Feed call must still read back
// correctly without the caller copying them first.
func TestParserDoesNotCorruptSameCallPayloadsOnCompact(t *testing.T) {
	var chunk []byte
	var want []Frame
	// ~30KB of complete frames, comfortably past half of the parser's
	// initial 4096-byte capacity once it grows to hold them.
	for i := 0; i < 600; i++ {
		connID := newConnID()
		payload := []byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)}
		f, err := EncodeDataFrame(connID, payload)
		require.NoError(t, err)
		chunk = append(chunk, f...)
		want = append(want, Frame{ConnID: connID, Payload: payload})
	}
	// A trailing partial frame: a full header claiming more payload than
	// is actually appended.
	partial, err := EncodeDataFrame(newConnID(), []byte("trailing partial payload"))
	require.NoError(t, err)
	chunk = append(chunk, partial[:len(partial)-5]...)

	p := NewParser()
	got := p.Feed(chunk)

	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ConnID, got[i].ConnID, "frame %d connID", i)
		assert.Equal(t, want[i].Payload, got[i].Payload, "frame %d payload", i)
	}
}
