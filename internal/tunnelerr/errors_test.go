package tunnelerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMapsKnownSentinels(t *testing.T) {
	assert.Equal(t, "InvalidToken", Kind(ErrInvalidToken))
	assert.Equal(t, "PortAlreadyRegistered", Kind(ErrPortAlreadyOwned))
	assert.Equal(t, "MaxReconnectAttemptsReached", Kind(ErrMaxReconnect))
}

func TestKindWrapsThroughErrorsIs(t *testing.T) {
	wrapped := errors.Join(ErrUnknownPort)
	assert.Equal(t, "UnknownPort", Kind(wrapped))
}

func TestKindFallsBackToErrorText(t *testing.T) {
	custom := errors.New("boom")
	assert.Equal(t, "boom", Kind(custom))
}

func TestKindHandlesNil(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
}
