package wire

import "errors"

// UDPFrameKind discriminates the three UDP frame shapes (spec.md §4.1).
type UDPFrameKind int

const (
	UDPFrameUnknown UDPFrameKind = iota
	UDPFrameData
	UDPFrameRegister
	UDPFrameKeepAlive
)

// ErrDropped is returned by ParseUDPFrame for any datagram that doesn't
// match one of the three recognized shapes; spec.md §4.1 says such packets
// are silently dropped, so callers should log-and-continue, not propagate it
// as a connection-level error.
var ErrDropped = errors.New("wire: udp frame dropped (unrecognized shape)")

// UDPFrame is the parsed result of a single UDP datagram.
type UDPFrame struct {
	Kind    UDPFrameKind
	AgentID string // set for Register/KeepAlive
	ConnID  string // set for Data
	Payload []byte // set for Data; view into the input buffer
}

// ParseUDPFrame classifies and decodes one UDP datagram. Datagrams shorter
// than ConnIDLen, or starting with 0xFD but not matching a known control
// shape, return ErrDropped (spec.md §8 boundary: "UDP datagram shorter than
// 36 bytes is dropped").
func ParseUDPFrame(b []byte) (UDPFrame, error) {
	if len(b) >= 2 && b[0] == authMagic0 {
		switch b[1] {
		case authMagicUDPRegister:
			if len(b) != 2+ConnIDLen {
				return UDPFrame{}, ErrDropped
			}
			return UDPFrame{Kind: UDPFrameRegister, AgentID: string(b[2:])}, nil
		case authMagicUDPKeepAlive:
			if len(b) != 2+ConnIDLen {
				return UDPFrame{}, ErrDropped
			}
			return UDPFrame{Kind: UDPFrameKeepAlive, AgentID: string(b[2:])}, nil
		default:
			return UDPFrame{}, ErrDropped
		}
	}
	if len(b) < ConnIDLen {
		return UDPFrame{}, ErrDropped
	}
	return UDPFrame{
		Kind:    UDPFrameData,
		ConnID:  string(b[:ConnIDLen]),
		Payload: b[ConnIDLen:],
	}, nil
}

// EncodeUDPData builds a UDP data frame: [36-byte ExternalConnId][payload].
func EncodeUDPData(connID string, payload []byte) ([]byte, error) {
	if len(connID) != ConnIDLen {
		return nil, errors.New("wire: conn id must be 36 bytes")
	}
	buf := make([]byte, ConnIDLen+len(payload))
	copy(buf, connID)
	copy(buf[ConnIDLen:], payload)
	return buf, nil
}

// EncodeUDPRegister builds [0xFD 0x02][36-byte AgentId].
func EncodeUDPRegister(agentID string) ([]byte, error) {
	return encodeUDPControl(authMagicUDPRegister, agentID)
}

// EncodeUDPKeepAlive builds [0xFD 0x03][36-byte AgentId].
func EncodeUDPKeepAlive(agentID string) ([]byte, error) {
	return encodeUDPControl(authMagicUDPKeepAlive, agentID)
}

func encodeUDPControl(tag byte, agentID string) ([]byte, error) {
	if len(agentID) != ConnIDLen {
		return nil, errors.New("wire: agent id must be 36 bytes")
	}
	buf := make([]byte, 2+ConnIDLen)
	buf[0] = authMagic0
	buf[1] = tag
	copy(buf[2:], agentID)
	return buf, nil
}
