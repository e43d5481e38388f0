// cmd/flarego-relay/main.go
// Binary entrypoint for the standalone tunnel relay.  It terminates the
// single-port wire from agents and external traffic, dispatches control
// messages and pumps data frames between the two sides.  The process is
// configured via CLI flags or environment variables with sane defaults for
// local testing.
package main

import (
	"context"
	"crypto/tls"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flarego/tunnel/internal/logging"
	"github.com/flarego/tunnel/internal/relay"
	"go.uber.org/zap"
)

func main() {
	cfg, tlsCert, tlsKey := loadRelayConfig()

	lg, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("zap: %v", err)
	}
	logging.Set(lg)
	defer lg.Sync()

	if tlsCert != "" && tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			lg.Fatal("load cert", zap.Error(err))
		}
		cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	r := relay.New(cfg, lg)
	if err := r.Start(); err != nil {
		lg.Fatal("relay start", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	lg.Info("signal received, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		lg.Error("relay stop", zap.Error(err))
	}

	lg.Info("goodbye")
}
