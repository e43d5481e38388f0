package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDIs36Bytes(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 36)
	assert.True(t, ValidID(id))
}

func TestValidIDRejectsWrongShape(t *testing.T) {
	assert.False(t, ValidID("too-short"))
	assert.False(t, ValidID("not-a-uuid-but-36-characters-long---"))
}

func TestNewIDIsUnique(t *testing.T) {
	assert.NotEqual(t, NewID(), NewID())
}
