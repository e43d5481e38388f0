package relay

import (
	"testing"

	"github.com/flarego/tunnel/internal/registry"
	"github.com/stretchr/testify/assert"
)

func TestClassifyStreamPlainHTTP(t *testing.T) {
	req := []byte("GET /healthz HTTP/1.1\r\nHost: example.com\r\n\r\n")
	assert.Equal(t, registry.ProtoHTTP, classifyStream(req))
}

func TestClassifyStreamWebSocketUpgrade(t *testing.T) {
	req := []byte("GET /ws HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
	assert.Equal(t, registry.ProtoWebSocket, classifyStream(req))
}

func TestClassifyStreamRawTCP(t *testing.T) {
	assert.Equal(t, registry.ProtoTCP, classifyStream([]byte{0x01, 0x02, 0x03}))
}

func TestClassifyStreamOtherHTTPMethods(t *testing.T) {
	assert.Equal(t, registry.ProtoHTTP, classifyStream([]byte("POST /submit HTTP/1.1\r\n")))
	assert.Equal(t, registry.ProtoHTTP, classifyStream([]byte("DELETE /item/1 HTTP/1.1\r\n")))
}

func TestClassifyStreamRejectsMethodLikeGarbage(t *testing.T) {
	// Shares a method token's prefix but never forms a real request line
	// (no separating space after the token) — must not be classified HTTP.
	assert.Equal(t, registry.ProtoTCP, classifyStream([]byte("GETXYZ binary garbage")))
	assert.Equal(t, registry.ProtoTCP, classifyStream([]byte("GET")))
}
