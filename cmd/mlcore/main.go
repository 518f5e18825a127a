package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jordanhubbard/mlcore/internal/app"
)

// version is set at build time via -ldflags.
var version = "dev"

// runHealthCheck performs an HTTP health check against the ops port.
func runHealthCheck(port int) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/healthz", port))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	// Built-in health check mode for Docker HEALTHCHECK (distroless has no curl).
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		cfg, err := app.LoadConfig()
		if err != nil {
			os.Exit(1)
		}
		if err := runHealthCheck(cfg.PrometheusMetricsPort); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	log.Printf("mlcore worker version %s", version)
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := app.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("server init error: %v", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runner stopped: %v", err)
	}
	log.Printf("mlcore worker stopped")
}
