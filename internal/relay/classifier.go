// internal/relay/classifier.go
// First-bytes classification for traffic arriving on a registered exposed
// port (spec.md §4.3). This is distinct from the ingress router's 0xFD 0x01
// check on the relay's own control port: here every byte read to classify
// still belongs to the tunneled stream and is forwarded downstream intact.
package relay

import (
	"bytes"

	"github.com/flarego/tunnel/internal/registry"
)

var httpMethodTokens = [][]byte{
	[]byte("GET"), []byte("POST"), []byte("PUT"), []byte("DELETE"),
	[]byte("HEAD"), []byte("OPTIONS"), []byte("PATCH"), []byte("CONNECT"), []byte("TRACE"),
}

// classifyStream reports the protocol of peek, the first chunk read off a
// freshly accepted exposed-port connection: an uppercase HTTP method token
// followed by the request-line's separating space means HTTP, further
// promoted to WebSocket if the peeked bytes also carry an
// Upgrade: websocket header; anything else is raw TCP. The trailing-space
// check rules out method-shaped garbage like "GETX..." that merely shares a
// method token's prefix without forming a real request line.
func classifyStream(peek []byte) registry.Protocol {
	for _, m := range httpMethodTokens {
		if len(peek) > len(m) && bytes.HasPrefix(peek, m) && peek[len(m)] == ' ' {
			if looksLikeWebSocketUpgrade(peek) {
				return registry.ProtoWebSocket
			}
			return registry.ProtoHTTP
		}
	}
	return registry.ProtoTCP
}

func looksLikeWebSocketUpgrade(peek []byte) bool {
	return bytes.Contains(bytes.ToLower(peek), []byte("upgrade: websocket"))
}
