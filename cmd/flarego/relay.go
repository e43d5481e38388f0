// cmd/flarego/relay.go
// Implements the `flarego relay` command group: `serve` runs a relay
// in-process (the same core cmd/flarego-relay embeds), `status` queries a
// running relay's admin endpoint.
//go:build cli
// +build cli

package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/flarego/tunnel/internal/logging"
	"github.com/flarego/tunnel/internal/relay"
	"github.com/flarego/tunnel/internal/relayconf"
)

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run or inspect a tunnel relay",
	}
	cmd.AddCommand(newRelayServeCmd())
	cmd.AddCommand(newRelayStatusCmd())
	return cmd
}

func newRelayServeCmd() *cobra.Command {
	var (
		bindAddr    string
		metricsAddr string
		tokens      string
		jwtSecret   string
		jwtIssuer   string
		tlsCert     string
		tlsKey      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a relay, accepting agent control connections and external traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := relayconf.DefaultConfig()
			relayconf.LoadConfig(&cfg, cfgFile, "FLAREGO_RELAY")

			if v := viper.GetString("bind"); v != "" {
				bindAddr = v
			}
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if jwtSecret != "" {
				cfg.JWTSecret = jwtSecret
			}
			if jwtIssuer != "" {
				cfg.JWTIssuer = jwtIssuer
			}
			if tokens != "" {
				for _, tok := range strings.Split(tokens, ",") {
					if tok = strings.TrimSpace(tok); tok != "" {
						cfg.Tokens = append(cfg.Tokens, tok)
					}
				}
			}
			if tlsCert != "" && tlsKey != "" {
				cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
				if err != nil {
					return fmt.Errorf("load cert: %w", err)
				}
				cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
			}

			lg := logging.Logger()
			r := relay.New(cfg, lg)
			if err := r.Start(); err != nil {
				return fmt.Errorf("relay start: %w", err)
			}
			lg.Info("relay listening", zap.String("bind", cfg.BindAddr), zap.String("metrics", cfg.MetricsAddr))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			lg.Info("signal received, shutting down relay")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return r.Stop(ctx)
		},
	}

	cmd.Flags().StringVar(&bindAddr, "bind", ":7000", "Shared TCP+UDP listen address (host:port)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":7001", "Admin/metrics HTTP listen address")
	cmd.Flags().StringVar(&tokens, "tokens", "", "Comma-separated static bearer tokens")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HMAC secret for signed AUTH tokens (optional)")
	cmd.Flags().StringVar(&jwtIssuer, "jwt-issuer", "", "Required issuer claim for signed AUTH tokens")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate file (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "TLS private key file (PEM)")
	return cmd
}

func newRelayStatusCmd() *cobra.Command {
	var adminAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running relay's admin status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := "http://" + strings.TrimPrefix(adminAddr, "http://") + "/admin/status"
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("query relay status: %w", err)
			}
			defer resp.Body.Close()

			var payload map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		},
	}

	cmd.Flags().StringVar(&adminAddr, "admin-addr", "localhost:7001", "Relay admin/metrics address")
	return cmd
}
