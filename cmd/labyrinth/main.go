package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/capture"
	"github.com/cerberus-defense/cerberus/internal/config"
	"github.com/cerberus-defense/cerberus/internal/decoy"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/objstore"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load(os.Getenv("CERBERUS_CONFIG"))

	log.Println("🕸️  Starting Cerberus Labyrinth (decoy environment)...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	b, err := bus.FromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Bus init failed: %v", err)
	}
	defer b.Close()

	store, err := objstore.FromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Evidence store init failed: %v", err)
	}
	log.Printf("📦 Evidence store: %s (bucket %s)", cfg.Store.Backend, cfg.Store.Bucket)

	agent := capture.NewAgent(capture.Options{
		Store:          store,
		Publisher:      b,
		Metrics:        metrics,
		Bucket:         cfg.Store.Bucket,
		WindowCap:      cfg.Capture.WindowSize,
		FlushThreshold: cfg.Capture.FlushThreshold,
		Workers:        cfg.Capture.BuilderWorkers,
		QueueSize:      cfg.Capture.BuilderQueueSize,
	})

	app := decoy.NewApp(agent, reg, os.Getenv("CERBERUS_UPLOAD_DIR"))

	port := os.Getenv("CERBERUS_PORT")
	if port == "" {
		port = "8002"
	}
	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("🕸️  Labyrinth listening on :%s", port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down labyrinth...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	// Flush in-flight capture windows so short sessions still produce
	// evidence packages.
	flushed := agent.FlushAll()
	agent.Shutdown()
	log.Printf("📦 Flushed %d capture windows on exit", flushed)
}
