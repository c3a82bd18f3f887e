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

	"github.com/cerberus-defense/cerberus/internal/auth"
	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/config"
	"github.com/cerberus-defense/cerberus/internal/enforcer"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/pin"
	"github.com/cerberus-defense/cerberus/internal/router"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load(os.Getenv("CERBERUS_CONFIG"))

	log.Println("🔀 Starting Cerberus Switch (session router)...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	b, err := bus.FromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Bus init failed: %v", err)
	}
	defer b.Close()

	var store pin.Store
	if os.Getenv("CERBERUS_PIN_STORE") == "redis" {
		redisStore, err := pin.NewRedisStore(pin.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatalf("❌ Redis pin store init failed: %v", err)
		}
		store = redisStore
		log.Printf("📌 Pin store: redis (%s)", cfg.Redis.Addr)
	} else {
		store = pin.NewMemoryStore()
		log.Println("📌 Pin store: memory")
	}

	var enf router.Enforcer
	if cfg.Enforcer.Enabled && cfg.Enforcer.ControlURL != "" {
		enf = enforcer.NewClient(cfg.Enforcer.ControlURL)
		log.Printf("🛡️  Enforcer mirroring enabled (%s)", cfg.Enforcer.ControlURL)
	}

	svc := router.NewService(router.Options{
		Store:         store,
		Publisher:     b,
		Enforcer:      enf,
		Metrics:       metrics,
		DefaultTTL:    cfg.PinTTL(),
		ProductionURL: cfg.Router.RealUpstream,
		DecoyURL:      cfg.Router.DecoyUpstream,
	})

	authn := auth.New(cfg.Auth.JWTSecret, cfg.Auth.APIKeyHash)
	srv := router.NewServer(svc, authn, reg)

	port := os.Getenv("CERBERUS_PORT")
	if port == "" {
		port = "8001"
	}
	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("🔀 Switch listening on :%s (decoy=%s real=%s)",
			port, cfg.Router.DecoyUpstream, cfg.Router.RealUpstream)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down switch...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
