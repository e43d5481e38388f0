// Package tunnelerr centralises the error kinds surfaced by the tunneling
// core (spec §7). Handlers compare against the sentinel values with
// errors.Is; the control dispatcher additionally maps a Kind straight onto
// a CONNECTION_ERROR / *_RESP payload's "error" string via Kind().
package tunnelerr

import "errors"

// Sentinel errors for every kind named in spec.md §7.
var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrEmptyToken         = errors.New("empty token")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrPortOutOfRange     = errors.New("port out of range")
	ErrPortAlreadyOwned   = errors.New("port already registered")
	ErrUnknownPort        = errors.New("unknown port")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrRequestTimeout     = errors.New("request timeout")
	ErrDataChannelAuth    = errors.New("data channel authentication failed")
	ErrNoDataChannel      = errors.New("no data channel")
	ErrLocalConnectRefused = errors.New("local connect refused")
	ErrLocalIO            = errors.New("local io error")
	ErrPeerIO             = errors.New("peer io error")
	ErrHeartbeatTimeout   = errors.New("heartbeat timeout")
	ErrMaxReconnect       = errors.New("max reconnect attempts reached")
)

// Kind returns the wire-level error-kind string for a known sentinel, the
// way the spec's message set reports errors (REGISTER_RESP.error,
// CONNECTION_ERROR.error). Unknown errors fall back to their Error() text so
// a caller never has to special-case "unmapped" errors.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return "InvalidToken"
	case errors.Is(err, ErrEmptyToken):
		return "EmptyToken"
	case errors.Is(err, ErrNotAuthenticated):
		return "NotAuthenticated"
	case errors.Is(err, ErrPortOutOfRange):
		return "PortOutOfRange"
	case errors.Is(err, ErrPortAlreadyOwned):
		return "PortAlreadyRegistered"
	case errors.Is(err, ErrUnknownPort):
		return "UnknownPort"
	case errors.Is(err, ErrMalformedMessage):
		return "MalformedMessage"
	case errors.Is(err, ErrUnknownMessageType):
		return "UnknownMessageType"
	case errors.Is(err, ErrRequestTimeout):
		return "RequestTimeout"
	case errors.Is(err, ErrDataChannelAuth):
		return "DataChannelAuthFailed"
	case errors.Is(err, ErrNoDataChannel):
		return "NoDataChannel"
	case errors.Is(err, ErrLocalConnectRefused):
		return "LocalConnectRefused"
	case errors.Is(err, ErrLocalIO):
		return "LocalIoError"
	case errors.Is(err, ErrPeerIO):
		return "PeerIoError"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "HeartbeatTimeout"
	case errors.Is(err, ErrMaxReconnect):
		return "MaxReconnectAttemptsReached"
	default:
		if err == nil {
			return ""
		}
		return err.Error()
	}
}
