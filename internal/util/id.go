// internal/util/id.go
// Identifier helper for the tunneling core. spec.md §3 requires AgentId,
// ExternalConnId and RequestId to be UUID-v4 values rendered as exactly 36
// ASCII bytes on the wire, so generation is a thin wrapper over
// github.com/google/uuid rather than the ULID scheme used elsewhere in the
// wider retrieved pack (ULID's Crockford base-32 encoding is 26 bytes, not
// the fixed 36-byte shape frames depend on).
package util

import "github.com/google/uuid"

// NewID returns a fresh UUID-v4 string, 36 ASCII bytes, suitable for an
// AgentId, ExternalConnId or RequestId.
func NewID() string {
	return uuid.New().String()
}

// ValidID reports whether s is 36 bytes long and parses as a UUID in its
// canonical hex-and-dashes form, the shape frames require. The UUID version
// bits are not checked.
func ValidID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
