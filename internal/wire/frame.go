// Package wire implements the two low-level transports multiplexed onto the
// relay's single agent-facing port (spec.md §4.1): length-prefixed TCP data
// frames with a dedicated auth handshake, and the three UDP frame shapes.
// The codec is deliberately dumb — it knows nothing about sessions, ports or
// connection tables; callers in internal/relay and internal/agentcore own
// that state.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ConnIDLen is the fixed ASCII length of a UUID-v4 ExternalConnId or
	// AgentId on the wire (spec.md §3).
	ConnIDLen = 36

	// authMagic0 followed by one of the authMagic* tags below introduces an
	// auth frame and, on UDP, a register/keep-alive frame (spec.md §4.1).
	authMagic0 = 0xFD
	authMagicAuth = 0x01
	authMagicUDPRegister = 0x02
	authMagicUDPKeepAlive = 0x03

	// AuthFrameLen is the exact length of a TCP auth frame: 2 magic bytes
	// plus a 36-byte AgentId, no length prefix.
	AuthFrameLen = 2 + ConnIDLen

	// AuthAccept/AuthReject are the single status bytes the receiver of an
	// auth frame replies with.
	AuthAccept byte = 0x01
	AuthReject byte = 0x00

	// frameHeaderLen is the 4-byte big-endian payload-length prefix.
	frameHeaderLen = 4
)

// ErrShortFrame is returned by helpers that require a complete frame but were
// handed a truncated buffer.
var ErrShortFrame = errors.New("wire: short frame")

// EncodeAuthFrame builds the 38-byte auth frame a freshly opened TCP data
// channel socket must send before any other traffic.
func EncodeAuthFrame(agentID string) ([]byte, error) {
	if len(agentID) != ConnIDLen {
		return nil, fmt.Errorf("wire: agent id must be %d bytes, got %d", ConnIDLen, len(agentID))
	}
	buf := make([]byte, AuthFrameLen)
	buf[0] = authMagic0
	buf[1] = authMagicAuth
	copy(buf[2:], agentID)
	return buf, nil
}

// DecodeAuthFrame parses an exactly-AuthFrameLen-byte buffer previously
// identified (by IsAuthFrame) as an auth frame, returning the AgentId.
func DecodeAuthFrame(b []byte) (agentID string, err error) {
	if len(b) != AuthFrameLen {
		return "", ErrShortFrame
	}
	if b[0] != authMagic0 || b[1] != authMagicAuth {
		return "", errors.New("wire: not an auth frame")
	}
	return string(b[2:]), nil
}

// IsAuthFrame reports whether the first two bytes already read from a fresh
// TCP data-channel candidate socket mark it as an auth frame, per the
// port-ingress router's classification rule (spec.md §4.3).
func IsAuthFrame(firstTwo []byte) bool {
	return len(firstTwo) >= 2 && firstTwo[0] == authMagic0 && firstTwo[1] == authMagicAuth
}

// EncodeDataFrame builds one length-prefixed TCP data-channel frame carrying
// payload for connID. N may be zero (an empty payload is a valid frame,
// per spec.md §8's boundary case).
func EncodeDataFrame(connID string, payload []byte) ([]byte, error) {
	if len(connID) != ConnIDLen {
		return nil, fmt.Errorf("wire: conn id must be %d bytes, got %d", ConnIDLen, len(connID))
	}
	n := ConnIDLen + len(payload)
	buf := make([]byte, frameHeaderLen+n)
	binary.BigEndian.PutUint32(buf[0:4], uint32(n))
	copy(buf[4:4+ConnIDLen], connID)
	copy(buf[4+ConnIDLen:], payload)
	return buf, nil
}

// AppendDataFrame is the allocation-light sibling of EncodeDataFrame: it
// appends the frame bytes to dst and returns the grown slice, so a per-port
// proxy pumping many small chunks onto the same connection doesn't churn one
// allocation per frame in the common case.
func AppendDataFrame(dst []byte, connID string, payload []byte) ([]byte, error) {
	if len(connID) != ConnIDLen {
		return dst, fmt.Errorf("wire: conn id must be %d bytes, got %d", ConnIDLen, len(connID))
	}
	n := ConnIDLen + len(payload)
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(n))
	dst = append(dst, hdr[:]...)
	dst = append(dst, connID...)
	dst = append(dst, payload...)
	return dst, nil
}

// EncodeDataFrameCached is EncodeDataFrame's sibling for callers that hold a
// connID already encoded via an IDCache: connIDBytes must be the cached
// ConnIDLen-byte slice, not a fresh string conversion, so the frame build
// goes straight from cache to wire without encoding the id again.
func EncodeDataFrameCached(connIDBytes, payload []byte) ([]byte, error) {
	if len(connIDBytes) != ConnIDLen {
		return nil, fmt.Errorf("wire: conn id must be %d bytes, got %d", ConnIDLen, len(connIDBytes))
	}
	n := ConnIDLen + len(payload)
	buf := make([]byte, frameHeaderLen+n)
	binary.BigEndian.PutUint32(buf[0:4], uint32(n))
	copy(buf[4:4+ConnIDLen], connIDBytes)
	copy(buf[4+ConnIDLen:], payload)
	return buf, nil
}
