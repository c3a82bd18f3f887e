// cerberus-check probes every Cerberus service and backing dependency and
// prints a deploy-readiness table. Exit code 1 means at least one probe
// failed.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/docker/docker/client"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/cerberus-defense/cerberus/internal/config"
	"github.com/cerberus-defense/cerberus/internal/objstore"
)

type probe struct {
	Name string
	Test func(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load(os.Getenv("CERBERUS_CONFIG"))

	fmt.Println("Cerberus Defense Platform — Pre-Flight Diagnostic")
	fmt.Println("-------------------------------------------------")

	probes := []probe{
		{"Gatekeeper (inspection)", healthProbe(serviceURL("CERBERUS_GATEKEEPER_URL", cfg.Policy.GatekeeperURL))},
		{"Switch (routing)", healthProbe(serviceURL("CERBERUS_SWITCH_URL", cfg.Inspection.SwitchURL))},
		{"Labyrinth (decoy)", healthProbe(serviceURL("CERBERUS_LABYRINTH_URL", cfg.Router.DecoyUpstream))},
		{"Sentinel (analysis)", healthProbe(serviceURL("CERBERUS_SENTINEL_URL", "http://localhost:8003"))},
		{"Redis (bus / pins)", redisProbe(cfg)},
		{"Evidence store", storeProbe(cfg)},
		{"Docker (sandbox)", dockerProbe},
	}

	failed := 0
	for _, p := range probes {
		fmt.Printf("Checking %-28s ", p.Name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.Test(ctx)
		cancel()
		if err != nil {
			failed++
			fmt.Println("❌")
			fmt.Printf("  >> %v\n", err)
		} else {
			fmt.Println("✅")
		}
	}

	fmt.Println("-------------------------------------------------")
	if failed > 0 {
		fmt.Printf("Status: %d probe(s) failed.\n", failed)
		os.Exit(1)
	}
	fmt.Println("Status: all probes passed. Ready for traffic.")
}

func serviceURL(envKey, fallback string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fallback
}

func healthProbe(baseURL string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if baseURL == "" {
			return fmt.Errorf("no URL configured")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("returned %d", resp.StatusCode)
		}
		return nil
	}
}

func redisProbe(cfg *config.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		return rdb.Ping(ctx).Err()
	}
}

func storeProbe(cfg *config.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		store, err := objstore.FromConfig(ctx, cfg)
		if err != nil {
			return err
		}
		return store.EnsureBucket(ctx, cfg.Store.Bucket)
	}
}

func dockerProbe(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()
	_, err = cli.Ping(ctx)
	return err
}
