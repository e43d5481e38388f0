// cmd/flarego-agentd/main.go
// Standalone agent binary.  It dials a configured relay, authenticates, and
// exposes one or more local TCP/UDP services through it.  Runs until signaled
// or (if MaxReconnectAttempts is set) until the reconnect loop gives up.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/flarego/tunnel/internal/agentcore"
	"github.com/flarego/tunnel/internal/logging"
	"go.uber.org/zap"
)

func main() {
	cfg := loadAgentConfig()

	lg, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("zap init: %v", err)
	}
	logging.Set(lg)
	defer lg.Sync()

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

	lg.Info("flarego-agentd started", zap.String("relay", cfg.RelayAddr), zap.Int("proxies", len(cfg.Proxies)))

	if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
		lg.Error("agent run exited", zap.Error(err))
		os.Exit(1)
	}

	lg.Info("bye")
}
