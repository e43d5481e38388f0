package relayconf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":7000", cfg.BindAddr)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 120*time.Second, cfg.SessionTimeout)
	assert.Equal(t, 30*time.Second, cfg.UDPIdleTimeout)
	assert.Nil(t, cfg.TLSConfig)
}

func TestLoadConfigWithoutFileKeepsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	LoadConfig(&cfg, "", "FLAREGO_TEST")

	assert.Equal(t, ":7000", cfg.BindAddr)
	assert.Equal(t, ":7001", cfg.MetricsAddr)
}

func TestLoadConfigMissingFileIsNonFatal(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotPanics(t, func() {
		LoadConfig(&cfg, "/nonexistent/path/config.yaml", "FLAREGO_TEST_MISSING")
	})
}
