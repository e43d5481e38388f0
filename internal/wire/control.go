package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType enumerates the closed, small control message set (spec.md
// §4.2). Per the teacher's preference for tagged variants over open dynamic
// dispatch (spec.md §9 "Dynamic message dispatch"), each type gets exactly
// one handler in internal/relay and internal/agentcore.
type MessageType string

const (
	TypeAuth             MessageType = "AUTH"
	TypeAuthResp         MessageType = "AUTH_RESP"
	TypeRegister         MessageType = "REGISTER"
	TypeRegisterResp     MessageType = "REGISTER_RESP"
	TypeUnregister       MessageType = "UNREGISTER"
	TypeHeartbeat        MessageType = "HEARTBEAT"
	TypeHeartbeatResp    MessageType = "HEARTBEAT_RESP"
	TypeNewConnection    MessageType = "NEW_CONNECTION"
	TypeConnectionClose  MessageType = "CONNECTION_CLOSE"
	TypeConnectionError  MessageType = "CONNECTION_ERROR"
)

// Envelope is the wire shape of every control message:
// { "type": <string>, "id": <string>, "payload": <object> }.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEnvelope validates that b is a JSON object carrying string type and
// id fields. Its errors wrap this package's errMalformed (see ErrMalformed),
// not a tunnelerr sentinel; the dispatcher reports them as
// tunnelerr.ErrMalformedMessage in a CONNECTION_ERROR (spec.md §4.2).
func DecodeEnvelope(b []byte) (Envelope, error) {
	var raw struct {
		Type    json.RawMessage `json:"type"`
		ID      json.RawMessage `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	var typ, id string
	if len(raw.Type) == 0 || json.Unmarshal(raw.Type, &typ) != nil {
		return Envelope{}, errMalformed
	}
	if len(raw.ID) == 0 || json.Unmarshal(raw.ID, &id) != nil {
		return Envelope{}, errMalformed
	}
	return Envelope{Type: MessageType(typ), ID: id, Payload: raw.Payload}, nil
}

// Encode serializes typ/id/payload into the wire envelope shape.
func Encode(typ MessageType, id string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, ID: id, Payload: p})
}

// errMalformed is the package-local sentinel wrapped by DecodeEnvelope;
// internal/tunnelerr.ErrMalformedMessage is the public-facing equivalent,
// which callers send to the peer in its place.
var errMalformed = fmt.Errorf("wire: malformed control message")

// ErrMalformed exposes errMalformed for errors.Is comparisons from callers
// that decode envelopes directly (tests, alternate transports).
func ErrMalformed() error { return errMalformed }

// --- Payload shapes (spec.md §4.2 table) -----------------------------------

type AuthPayload struct {
	Token string `json:"token"`
}

type AuthRespPayload struct {
	Success  bool   `json:"success"`
	ClientID string `json:"clientId,omitempty"`
	Error    string `json:"error,omitempty"`
}

type RegisterPayload struct {
	RemotePort int    `json:"remotePort"`
	LocalPort  int    `json:"localPort"`
	LocalHost  string `json:"localHost,omitempty"`
}

type RegisterRespPayload struct {
	Success    bool   `json:"success"`
	RemotePort int    `json:"remotePort,omitempty"`
	RemoteURL  string `json:"remoteUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

type UnregisterPayload struct {
	RemotePort int `json:"remotePort"`
}

type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type HeartbeatRespPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type NewConnectionPayload struct {
	ConnectionID  string `json:"connectionId"`
	Protocol      string `json:"protocol"`
	RemotePort    int    `json:"remotePort"`
	RemoteAddress string `json:"remoteAddress,omitempty"`
}

type ConnectionClosePayload struct {
	ConnectionID string `json:"connectionId"`
}

type ConnectionErrorPayload struct {
	ConnectionID string `json:"connectionId"`
	Error        string `json:"error"`
}
