// cmd/flarego-agentd/config.go
// Helper for parsing CLI flags and env vars into agentconf.Config so that
// main.go stays minimal.
//
// Environment variables (prefixed FLAREGO_AGENT_):
//
//	RELAY_ADDR   – relay control address (default localhost:7000)
//	TOKEN        – bearer token presented in AUTH
//	PROXIES      – comma-separated remotePort:localPort[:localHost[:proto]]
//
// Usage pattern from main.go:
//
//	cfg := loadAgentConfig()
package main

import (
	"flag"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/flarego/tunnel/internal/agentconf"
)

func loadAgentConfig() agentconf.Config {
	cfg := agentconf.DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("FLAREGO_AGENT")
	v.AutomaticEnv()

	relayAddr := flag.String("relay", cfg.RelayAddr, "Relay control address (host:port)")
	token := flag.String("token", "", "Bearer token presented in AUTH")
	proxies := flag.String("proxies", "", "Comma-separated remotePort:localPort[:localHost[:proto]]")
	heartbeat := flag.Duration("heartbeat-interval", cfg.HeartbeatInterval, "Heartbeat cadence")
	maxAttempts := flag.Int("max-reconnect-attempts", cfg.MaxReconnectAttempts, "0 = unlimited reconnect attempts")
	flag.Parse()

	if rv := v.GetString("RELAY_ADDR"); rv != "" {
		*relayAddr = rv
	}
	if tv := v.GetString("TOKEN"); tv != "" {
		*token = tv
	}
	if pv := v.GetString("PROXIES"); pv != "" {
		*proxies = pv
	}

	cfg.RelayAddr = *relayAddr
	cfg.Token = *token
	cfg.HeartbeatInterval = *heartbeat
	cfg.MaxReconnectAttempts = *maxAttempts
	cfg.Proxies = parseProxies(*proxies)

	return cfg
}

// parseProxies turns "8080:3000,9000:3001:127.0.0.1:udp" into ProxyConfig
// entries. Malformed entries are skipped rather than aborting the process,
// mirroring the teacher's tolerant flag parsing in cmd/flarego-gateway.
func parseProxies(spec string) []agentconf.ProxyConfig {
	if spec == "" {
		return nil
	}
	var out []agentconf.ProxyConfig
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 {
			continue
		}
		remotePort, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		localPort, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		pc := agentconf.ProxyConfig{RemotePort: remotePort, LocalPort: localPort, LocalHost: "127.0.0.1"}
		if len(parts) >= 3 && parts[2] != "" {
			pc.LocalHost = parts[2]
		}
		if len(parts) >= 4 && parts[3] != "" {
			pc.Protocol = parts[3]
		}
		out = append(out, pc)
	}
	return out
}
