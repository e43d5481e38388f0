package agentconf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:7000", cfg.RelayAddr)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectBaseDelay)
	assert.Equal(t, 60*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 0, cfg.MaxReconnectAttempts)
	assert.Nil(t, cfg.Proxies)
}

func TestLoadWithoutFileKeepsDefaults(t *testing.T) {
	cfg := Load("", "")
	assert.Equal(t, "localhost:7000", cfg.RelayAddr)
	assert.Equal(t, 30*time.Second, cfg.UDPIdleTimeout)
}
