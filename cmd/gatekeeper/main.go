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

	"github.com/cerberus-defense/cerberus/internal/anomaly"
	"github.com/cerberus-defense/cerberus/internal/auth"
	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/config"
	"github.com/cerberus-defense/cerberus/internal/database"
	"github.com/cerberus-defense/cerberus/internal/gatekeeper"
	"github.com/cerberus-defense/cerberus/internal/inspect"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load(os.Getenv("CERBERUS_CONFIG"))

	log.Println("🐺 Starting Cerberus Gatekeeper (inspection engine)...")

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

	rules := waf.NewMemoryRuleStore()

	var archive gatekeeper.RuleArchiver
	if cfg.Postgres.DSN != "" {
		pg, err := database.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("❌ Postgres connect failed: %v", err)
		}
		defer pg.Close()
		repo := pg.Rules()
		archive = repo

		archived, err := repo.LoadRules(ctx)
		if err != nil {
			log.Printf("⚠️  Rule archive load failed: %v", err)
		}
		for i := range archived {
			r := archived[i]
			if err := rules.Create(&r); err != nil {
				log.Printf("⚠️  Skipping archived rule %s: %v", r.RuleID, err)
			}
		}
		log.Printf("🗄️  Restored %d rules from archive", len(archived))
	}

	detector := anomaly.NewDetector(cfg.Inspection.AnomalyThreshold)
	log.Println("🌲 Isolation forest fitted (100 trees, 102 features)")

	authn := auth.New(cfg.Auth.JWTSecret, cfg.Auth.APIKeyHash)

	var pinner inspect.Pinner
	if cfg.Inspection.SwitchURL != "" {
		ttl := time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
		token, err := authn.IssueToken("gatekeeper", auth.RoleService, ttl)
		if err != nil {
			log.Fatalf("❌ Service token mint failed: %v", err)
		}
		pinner = inspect.NewHTTPPinner(cfg.Inspection.SwitchURL, token)
	}

	engine := inspect.NewEngine(inspect.Options{
		Rules:               rules,
		Scorer:              detector,
		Pinner:              pinner,
		Publisher:           b,
		Metrics:             metrics,
		BlockThreshold:      cfg.Inspection.BlockThreshold,
		CombinedThreshold:   cfg.Inspection.CombinedThreshold,
		AnomalyThreshold:    cfg.Inspection.AnomalyThreshold,
		BehavioralHighWater: cfg.Inspection.BehavioralHighWater,
	})

	srv := gatekeeper.NewServer(gatekeeper.Options{
		Engine:   engine,
		Rules:    rules,
		Detector: detector,
		Auth:     authn,
		Archive:  archive,
		Metrics:  metrics,
		Registry: reg,
	})

	port := os.Getenv("CERBERUS_PORT")
	if port == "" {
		port = "8000"
	}
	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("🐺 Gatekeeper listening on :%s", port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down gatekeeper...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
