// Package agentconf mirrors internal/agent/config.go in the teacher: a
// Config struct consumers can either build by hand or load via Load(), which
// layers environment variables and an optional file (spf13/viper) over
// sensible defaults.
package agentconf

import (
	"time"

	"github.com/spf13/viper"
)

// ProxyConfig is one configured local proxy (spec.md §6 "per-agent list of
// (remotePort, localPort, localHost?)").
type ProxyConfig struct {
	RemotePort int    `mapstructure:"remote_port"`
	LocalPort  int    `mapstructure:"local_port"`
	LocalHost  string `mapstructure:"local_host"`
	Protocol   string `mapstructure:"protocol"` // "tcp" or "udp"; empty means tcp
}

// Config is the immutable record the agent controller is started with.
type Config struct {
	RelayAddr string `mapstructure:"relay_addr"`
	Token     string `mapstructure:"token"`

	Proxies []ProxyConfig `mapstructure:"proxies"`

	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	MaxReconnectAttempts int          `mapstructure:"max_reconnect_attempts"`

	LocalConnectTimeout time.Duration `mapstructure:"local_connect_timeout"`
	UDPIdleTimeout      time.Duration `mapstructure:"udp_idle_timeout"`
}

// DefaultConfig returns spec.md §4.6's defaults: base delay, 60s cap,
// unlimited retries unless MaxReconnectAttempts is set explicitly (0 means
// unlimited — a surfaced terminal event only fires when the limit is
// positive and exceeded).
func DefaultConfig() Config {
	return Config{
		RelayAddr:            "localhost:7000",
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   500 * time.Millisecond,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: 0,
		LocalConnectTimeout:  10 * time.Second,
		UDPIdleTimeout:       30 * time.Second,
	}
}

// Load reads configuration from env + optional file, following the same
// merge rule as internal/relayconf.LoadConfig: file/env values overlay
// whatever DefaultConfig() already populated.
func Load(filePath, envPrefix string) Config {
	cfg := DefaultConfig()

	v := viper.New()
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
		v.AutomaticEnv()
		// Unmarshal only sees keys viper already knows; AutomaticEnv alone
		// does not make an env-only key known, so bind each one explicitly.
		for _, key := range []string{"relay_addr", "token", "heartbeat_interval", "reconnect_base_delay",
			"reconnect_max_delay", "max_reconnect_attempts", "local_connect_timeout", "udp_idle_timeout"} {
			_ = v.BindEnv(key)
		}
	}
	if filePath != "" {
		v.SetConfigFile(filePath)
		_ = v.ReadInConfig()
	}
	_ = v.Unmarshal(&cfg)
	return cfg
}
