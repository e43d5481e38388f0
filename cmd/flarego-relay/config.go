// cmd/flarego-relay/config.go
// Helper for parsing CLI flags and env vars into relayconf.Config so that
// main.go stays minimal.
//
// Environment variables (prefixed FLAREGO_RELAY_):
//
//	BIND_ADDR           – shared TCP+UDP listen address (default :7000)
//	METRICS_ADDR        – /metrics and /admin listen address (default :7001)
//	TOKENS              – comma-separated static bearer tokens
//	JWT_SECRET          – HMAC secret for signed AUTH tokens (optional)
//	JWT_ISSUER          – required issuer claim for signed tokens (optional)
//	TLS_CERT / TLS_KEY  – PEM paths loaded into Config.TLSConfig; relay.Start
//	                      listens in plain TCP and does not apply it
//
// Usage pattern from main.go:
//
//	cfg, tlsCert, tlsKey := loadRelayConfig()
package main

import (
	"flag"
	"strings"

	"github.com/spf13/viper"

	"github.com/flarego/tunnel/internal/relayconf"
)

func loadRelayConfig() (relayconf.Config, string, string) {
	cfg := relayconf.DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("FLAREGO_RELAY")
	v.AutomaticEnv()

	bindAddr := flag.String("bind", cfg.BindAddr, "Shared TCP+UDP listen address (host:port)")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "Admin/metrics HTTP listen address")
	tokens := flag.String("tokens", "", "Comma-separated static bearer tokens")
	jwtSecret := flag.String("jwt-secret", "", "HMAC secret for signed AUTH tokens (optional)")
	jwtIssuer := flag.String("jwt-issuer", "", "Required issuer claim for signed AUTH tokens")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file (PEM)")
	tlsKey := flag.String("tls-key", "", "TLS private key file (PEM)")
	heartbeat := flag.Duration("heartbeat-interval", cfg.HeartbeatInterval, "Expected agent heartbeat cadence")
	sessionTimeout := flag.Duration("session-timeout", cfg.SessionTimeout, "Idle session expiry")
	flag.Parse()

	if bv := v.GetString("BIND_ADDR"); bv != "" {
		*bindAddr = bv
	}
	if mv := v.GetString("METRICS_ADDR"); mv != "" {
		*metricsAddr = mv
	}
	if tv := v.GetString("TOKENS"); tv != "" {
		*tokens = tv
	}
	if sv := v.GetString("JWT_SECRET"); sv != "" {
		*jwtSecret = sv
	}
	if iv := v.GetString("JWT_ISSUER"); iv != "" {
		*jwtIssuer = iv
	}
	if cv := v.GetString("TLS_CERT"); cv != "" {
		*tlsCert = cv
	}
	if kv := v.GetString("TLS_KEY"); kv != "" {
		*tlsKey = kv
	}

	cfg.BindAddr = *bindAddr
	cfg.MetricsAddr = *metricsAddr
	cfg.JWTSecret = *jwtSecret
	cfg.JWTIssuer = *jwtIssuer
	cfg.HeartbeatInterval = *heartbeat
	cfg.SessionTimeout = *sessionTimeout
	if *tokens != "" {
		for _, tok := range strings.Split(*tokens, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				cfg.Tokens = append(cfg.Tokens, tok)
			}
		}
	}

	return cfg, *tlsCert, *tlsKey
}
