// cmd/flarego/agent.go
// Implements the `flarego agent` command group: `connect` dials a relay and
// exposes one or more local services through it, mirroring the standalone
// cmd/flarego-agentd binary but sharing the root CLI's config/logging setup.
//go:build cli
// +build cli

package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flarego/tunnel/internal/agentconf"
	"github.com/flarego/tunnel/internal/agentcore"
	"github.com/flarego/tunnel/internal/logging"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a tunnel agent",
	}
	cmd.AddCommand(newAgentConnectCmd())
	return cmd
}

func newAgentConnectCmd() *cobra.Command {
	var (
		relayAddr string
		token     string
		proxies   string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Dial a relay and expose local services through it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := agentconf.DefaultConfig()
			cfg.RelayAddr = relayAddr
			cfg.Token = token
			cfg.Proxies = parseAgentProxies(proxies)

			lg := logging.Logger()
			ctrl := agentcore.New(cfg, lg)
			for _, pc := range cfg.Proxies {
				ctrl.AddProxy(pc)
			}

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				<-sigCh
				lg.Info("signal received, shutting down agent")
				ctrl.Stop()
				cancel()
			}()

			lg.Info("agent connecting", zap.String("relay", cfg.RelayAddr), zap.Int("proxies", len(cfg.Proxies)))
			if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&relayAddr, "relay", "localhost:7000", "Relay control address (host:port)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token presented in AUTH")
	cmd.Flags().StringVar(&proxies, "proxies", "", "Comma-separated remotePort:localPort[:localHost[:proto]]")
	return cmd
}

// parseAgentProxies turns "8080:3000,9000:3001:127.0.0.1:udp" into
// ProxyConfig entries, tolerating malformed entries by skipping them.
func parseAgentProxies(spec string) []agentconf.ProxyConfig {
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
