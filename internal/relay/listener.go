// internal/relay/listener.go
// Helpers for the port-ingress router in relay.go (spec.md §4.3), which
// classifies each socket accepted on the shared agent-facing port by its
// first bytes: peekedConn replays the bytes already read, and
// handoffListener feeds the sockets classified as HTTP/WebSocket to the
// control http.Server.
package relay

import (
	"bytes"
	"io"
	"net"
)

// peekedConn re-exposes the bytes already consumed while classifying conn,
// so the socket can be handed to a downstream http.Server (or anything
// else) with its stream intact.
type peekedConn struct {
	net.Conn
	r io.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.r.Read(b) }

func newPeekedConn(conn net.Conn, peeked []byte) *peekedConn {
	return &peekedConn{Conn: conn, r: io.MultiReader(bytes.NewReader(peeked), conn)}
}

// handoffListener is a net.Listener whose Accept() yields connections handed
// to it from elsewhere (the ingress accept loop), rather than ones it
// accepted itself. It lets the control WebSocket server run as an ordinary
// http.Server over connections that the router has already classified as
// "not a data-channel candidate".
type handoffListener struct {
	addr   net.Addr
	ch     chan net.Conn
	closed chan struct{}
}

func newHandoffListener(addr net.Addr) *handoffListener {
	return &handoffListener{addr: addr, ch: make(chan net.Conn), closed: make(chan struct{})}
}

func (h *handoffListener) Accept() (net.Conn, error) {
	select {
	case c := <-h.ch:
		return c, nil
	case <-h.closed:
		return nil, net.ErrClosed
	}
}

func (h *handoffListener) Close() error {
	select {
	case <-h.closed:
	default:
		close(h.closed)
	}
	return nil
}

func (h *handoffListener) Addr() net.Addr { return h.addr }

// handoff passes conn to a pending Accept call, closing conn instead if the
// listener has already been closed.
func (h *handoffListener) handoff(conn net.Conn) {
	select {
	case h.ch <- conn:
	case <-h.closed:
		_ = conn.Close()
	}
}
