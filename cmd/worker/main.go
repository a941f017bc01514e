package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aigw/gateway/internal/app"
	"github.com/aigw/gateway/internal/tracing"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	log.Printf("ai-gateway worker version %s", version)
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "ai-gateway-worker",
	})
	if err != nil {
		log.Fatalf("tracing init error: %v", err)
	}

	w, err := app.NewWorker(cfg)
	if err != nil {
		log.Fatalf("worker init error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Graceful shutdown: stop consuming, let in-flight tasks finish.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Printf("shutting down (draining in-flight tasks)...")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		log.Printf("worker error: %v", err)
	}
	if err := shutdownTracing(context.Background()); err != nil {
		log.Printf("tracing shutdown error: %v", err)
	}
	if err := w.Close(); err != nil {
		log.Printf("worker close error: %v", err)
	}
	log.Printf("shutdown complete")
}
