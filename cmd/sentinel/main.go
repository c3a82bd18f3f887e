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
	"github.com/cerberus-defense/cerberus/internal/database"
	"github.com/cerberus-defense/cerberus/internal/evidence"
	"github.com/cerberus-defense/cerberus/internal/identity"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/objstore"
	"github.com/cerberus-defense/cerberus/internal/policy"
	"github.com/cerberus-defense/cerberus/internal/profiler"
	"github.com/cerberus-defense/cerberus/internal/rulegen"
	"github.com/cerberus-defense/cerberus/internal/sandbox"
	"github.com/cerberus-defense/cerberus/internal/sentinel"
	"github.com/cerberus-defense/cerberus/internal/stream"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load(os.Getenv("CERBERUS_CONFIG"))

	log.Println("👁️  Starting Cerberus Sentinel (analysis pipeline)...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	b, err := bus.FromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Bus init failed: %v", err)
	}
	defer b.Close()
	log.Printf("📨 Bus backend: %s", cfg.Bus.Backend)

	store, err := objstore.FromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Evidence store init failed: %v", err)
	}

	retriever, err := evidence.NewRetriever(store, os.Getenv("CERBERUS_WORKSPACE_ROOT"))
	if err != nil {
		log.Fatalf("❌ Retriever init failed: %v", err)
	}

	backend := sandboxBackend(cfg)
	sim := sandbox.New(sandbox.Options{
		Backend:       backend,
		Metrics:       metrics,
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		Timeout:       cfg.SandboxTimeout(),
	})
	log.Printf("💣 Sandbox backend: %s", backend.Name())

	authn := auth.New(cfg.Auth.JWTSecret, cfg.Auth.APIKeyHash)

	pusher := buildPusher(cfg, authn)
	orch := policy.New(policy.Options{
		Pusher:  pusher,
		Bus:     b,
		Metrics: metrics,
	})

	var profiles sentinel.ProfileStore
	if cfg.Postgres.DSN != "" {
		pg, err := database.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("❌ Postgres connect failed: %v", err)
		}
		defer pg.Close()
		profiles = pg.Profiles()
		log.Println("🗄️  Profile store: postgres")
	} else {
		profiles = sentinel.NewMemoryProfileStore()
		log.Println("🗄️  Profile store: memory")
	}

	prof := profiler.New()
	gen := rulegen.New(metrics)

	pipeline := sentinel.NewPipeline(sentinel.PipelineOptions{
		Retriever:    retriever,
		Profiler:     prof,
		Simulator:    sim,
		Generator:    gen,
		Orchestrator: orch,
		Profiles:     profiles,
		Metrics:      metrics,
		AutoDetonate: cfg.Sandbox.AutoDetonate,
	})
	if _, err := pipeline.Start(ctx, b); err != nil {
		log.Fatalf("❌ Pipeline subscribe failed: %v", err)
	}
	log.Printf("👁️  Consuming %s as %s (auto_detonate=%v)",
		evidence.TopicEvidenceReady, sentinel.ConsumerGroup, cfg.Sandbox.AutoDetonate)

	jobs := sentinel.NewSimQueue(sim, 0, 0)
	defer jobs.Shutdown()

	hub := stream.NewHub()
	go hub.Run(ctx)
	if _, err := hub.Attach(ctx, b, "sentinel-alert-stream"); err != nil {
		log.Printf("⚠️  Alert stream attach failed: %v", err)
	}

	srv := sentinel.NewServer(sentinel.Options{
		Pipeline:     pipeline,
		Jobs:         jobs,
		Profiler:     prof,
		Orchestrator: orch,
		Pusher:       pusher,
		Alerts:       hub,
		Auth:         authn,
		Registry:     reg,
	})

	port := os.Getenv("CERBERUS_PORT")
	if port == "" {
		port = "8003"
	}
	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("👁️  Sentinel listening on :%s", port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down sentinel...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// sandboxBackend prefers Docker and falls back to the demo backend when the
// daemon is unreachable, so analysis keeps flowing on dev boxes.
func sandboxBackend(cfg *config.Config) sandbox.Backend {
	if os.Getenv("CERBERUS_SANDBOX") == "demo" {
		return sandbox.NewDemoBackend()
	}
	docker, err := sandbox.NewDockerBackend(cfg.Sandbox.Image)
	if err != nil {
		log.Printf("⚠️  Docker unavailable (%v), using demo sandbox", err)
		return sandbox.NewDemoBackend()
	}
	return docker
}

// buildPusher wires the rule-push client. With a SPIFFE socket configured
// the push channel rides mTLS to the gatekeeper's identity.
func buildPusher(cfg *config.Config, authn *auth.Authenticator) *sentinel.GatekeeperPusher {
	token, err := authn.IssueToken("sentinel", auth.RoleService,
		time.Duration(cfg.Auth.TokenTTLHours)*time.Hour)
	if err != nil {
		log.Printf("⚠️  Service token mint failed: %v", err)
	}

	var client *http.Client
	if id := identity.Maybe(cfg.Auth.SPIFFESocket); id != nil {
		trustDomain := os.Getenv("CERBERUS_TRUST_DOMAIN")
		if trustDomain == "" {
			trustDomain = "cerberus.local"
		}
		peer := identity.ServiceID(trustDomain, "gatekeeper")
		client, err = id.HTTPClient(peer, 10*time.Second)
		if err != nil {
			log.Printf("⚠️  mTLS client build failed: %v", err)
			client = nil
		} else {
			log.Printf("🔐 Rule pushes use mTLS (peer %s)", peer)
		}
	}

	return sentinel.NewGatekeeperPusher(cfg.Policy.GatekeeperURL, token, client)
}
