// Package relayconf centralises relay configuration loading, mirroring the
// teacher's internal/gateway/config.go: an explicit Config struct, a
// DefaultConfig(), and a LoadConfig that layers environment variables (via
// spf13/viper) and an optional file over the defaults. This is the boundary
// contract spec.md §6 describes ("Config: allow-listed tokens... The core
// treats these as an immutable configuration record passed at startup").
package relayconf

import (
	"crypto/tls"
	"time"

	"github.com/spf13/viper"
)

// ProxyTarget mirrors a single REGISTER the relay expects from an agent at
// startup, for config-driven deployments that pre-declare ports (the
// control protocol itself still allows dynamic REGISTER/UNREGISTER).
type ProxyTarget struct {
	RemotePort int    `mapstructure:"remote_port"`
	LocalPort  int    `mapstructure:"local_port"`
	LocalHost  string `mapstructure:"local_host"`
}

// Config is the immutable record the relay core is started with.
type Config struct {
	// BindAddr is the single TCP+UDP port agents and external HTTP/WS
	// traffic share (spec.md §6 "single-port wire").
	BindAddr string `mapstructure:"bind_addr"`

	// Tokens is the allow-list of static bearer tokens AUTH compares
	// against (spec.md §4.4).
	Tokens []string `mapstructure:"tokens"`

	// JWTSecret, if non-empty, additionally accepts HMAC-signed tokens via
	// pkg/auth.Verifier (SPEC_FULL.md domain-stack addition).
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`

	TLSConfig   *tls.Config `mapstructure:"-"`
	TLSCertPath string      `mapstructure:"tls_cert"`
	TLSKeyPath  string      `mapstructure:"tls_key"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	UDPIdleTimeout    time.Duration `mapstructure:"udp_idle_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	AuthDeadline      time.Duration `mapstructure:"auth_deadline"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// DefaultConfig returns the spec.md §5/§9 defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:          ":7000",
		HeartbeatInterval: 30 * time.Second,
		SessionTimeout:    120 * time.Second,
		UDPIdleTimeout:    30 * time.Second,
		RequestTimeout:    30 * time.Second,
		AuthDeadline:      30 * time.Second,
		MetricsAddr:       ":7001",
	}
}

// LoadConfig merges an optional file and environment variables (prefixed
// envPrefix) into cfg. Fields that neither source sets keep the values the
// caller pre-populated, typically via DefaultConfig(); where both set a key,
// the environment variable wins over the file.
func LoadConfig(cfg *Config, filePath, envPrefix string) {
	if cfg == nil {
		tmp := DefaultConfig()
		cfg = &tmp
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows; AutomaticEnv alone does
	// not make an env-only key known, so bind each one explicitly.
	for _, key := range []string{"bind_addr", "tokens", "jwt_secret", "jwt_issuer", "tls_cert", "tls_key",
		"heartbeat_interval", "session_timeout", "udp_idle_timeout", "request_timeout", "auth_deadline", "metrics_addr"} {
		_ = v.BindEnv(key)
	}

	if filePath != "" {
		v.SetConfigFile(filePath)
		_ = v.ReadInConfig() // missing file is non-fatal
	}

	_ = v.Unmarshal(cfg)

	certPath := v.GetString("tls_cert")
	keyPath := v.GetString("tls_key")
	if certPath != "" && keyPath != "" {
		if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
			cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
	}
}
