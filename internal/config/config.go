package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Bus        BusConfig        `yaml:"bus"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Auth       AuthConfig       `yaml:"auth"`
	Inspection InspectionConfig `yaml:"inspection"`
	Router     RouterConfig     `yaml:"router"`
	Capture    CaptureConfig    `yaml:"capture"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Policy     PolicyConfig     `yaml:"policy"`
	Enforcer   EnforcerConfig   `yaml:"enforcer"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// BusConfig selects the pointer bus backend. Backend is one of
// "memory", "redis" or "pubsub".
type BusConfig struct {
	Backend       string `yaml:"backend"`
	StreamMaxLen  int64  `yaml:"stream_max_len"`
	PubSubProject string `yaml:"pubsub_project"`
}

type StoreConfig struct {
	Backend   string `yaml:"backend"` // "s3" or "fs"
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	FSRoot    string `yaml:"fs_root"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret"`
	TokenTTLHours  int    `yaml:"token_ttl_hours"`
	APIKeyHash     string `yaml:"api_key_hash"`
	SPIFFESocket   string `yaml:"spiffe_socket"`
	RequireService bool   `yaml:"require_service"`
}

type InspectionConfig struct {
	BlockThreshold      float64 `yaml:"block_threshold"`       // rule score that forces a block
	CombinedThreshold   float64 `yaml:"combined_threshold"`    // POI tagging
	AnomalyThreshold    float64 `yaml:"anomaly_threshold"`     // ML is_anomaly cutoff
	BehavioralHighWater float64 `yaml:"behavioral_high_water"` // extra tag cutoff
	SwitchURL           string  `yaml:"switch_url"`
	PinTTLSeconds       int     `yaml:"pin_ttl_seconds"`
}

type RouterConfig struct {
	DecoyUpstream    string `yaml:"decoy_upstream"`
	RealUpstream     string `yaml:"real_upstream"`
	DefaultPinTTLSec int    `yaml:"default_pin_ttl_sec"`
}

type CaptureConfig struct {
	WindowSize       int `yaml:"window_size"`
	FlushThreshold   int `yaml:"flush_threshold"`
	BuilderWorkers   int `yaml:"builder_workers"`
	BuilderQueueSize int `yaml:"builder_queue_size"`
}

type SandboxConfig struct {
	Image          string  `yaml:"image"`
	MemoryMB       int64   `yaml:"memory_mb"`
	CPUQuota       float64 `yaml:"cpu_quota"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxConcurrent  int     `yaml:"max_concurrent"`
	AutoDetonate   bool    `yaml:"auto_detonate"`
}

type PolicyConfig struct {
	AutoApplyThreshold float64 `yaml:"auto_apply_threshold"`
	ReviewThreshold    float64 `yaml:"review_threshold"`
	GatekeeperURL      string  `yaml:"gatekeeper_url"`
}

type EnforcerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ControlURL string `yaml:"control_url"`
	Interface  string `yaml:"interface"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

// Load reads the config file at path when it exists, otherwise returns
// defaults with environment overrides applied. Services boot without a
// config file in dev.
func Load(path string) *Config {
	if path != "" {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8000", Env: "development"},
		Bus: BusConfig{
			Backend:      "memory",
			StreamMaxLen: 10000,
		},
		Store: StoreConfig{
			Backend: "fs",
			Region:  "us-east-1",
			Bucket:  "cerberus-evidence",
			FSRoot:  "/tmp/cerberus-evidence",
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Postgres: PostgresConfig{},
		Auth: AuthConfig{
			JWTSecret:     "dev-secret-change-me",
			TokenTTLHours: 24,
		},
		Inspection: InspectionConfig{
			BlockThreshold:      90,
			CombinedThreshold:   75,
			AnomalyThreshold:    0.75,
			BehavioralHighWater: 0.7,
			SwitchURL:           "http://localhost:8001",
			PinTTLSeconds:       3600,
		},
		Router: RouterConfig{
			DecoyUpstream:    "http://localhost:8002",
			RealUpstream:     "http://localhost:8080",
			DefaultPinTTLSec: 3600,
		},
		Capture: CaptureConfig{
			WindowSize:       20,
			FlushThreshold:   5,
			BuilderWorkers:   4,
			BuilderQueueSize: 256,
		},
		Sandbox: SandboxConfig{
			Image:          "python:3.11-slim",
			MemoryMB:       512,
			CPUQuota:       0.5,
			TimeoutSeconds: 300,
			MaxConcurrent:  2,
		},
		Policy: PolicyConfig{
			AutoApplyThreshold: 0.90,
			ReviewThreshold:    0.70,
			GatekeeperURL:      "http://localhost:8000",
		},
		Enforcer: EnforcerConfig{Interface: "eth0"},
	}
}

// applyEnv layers CERBERUS_* environment variables on top of the file
// values so container deployments can override without a config volume.
func (c *Config) applyEnv() {
	c.Server.Port = envOr("CERBERUS_PORT", c.Server.Port)
	c.Bus.Backend = envOr("CERBERUS_BUS_BACKEND", c.Bus.Backend)
	c.Bus.PubSubProject = envOr("CERBERUS_PUBSUB_PROJECT", c.Bus.PubSubProject)
	c.Store.Backend = envOr("CERBERUS_STORE_BACKEND", c.Store.Backend)
	c.Store.Endpoint = envOr("CERBERUS_S3_ENDPOINT", c.Store.Endpoint)
	c.Store.Region = envOr("CERBERUS_S3_REGION", c.Store.Region)
	c.Store.Bucket = envOr("CERBERUS_S3_BUCKET", c.Store.Bucket)
	c.Store.AccessKey = envOr("CERBERUS_S3_ACCESS_KEY", c.Store.AccessKey)
	c.Store.SecretKey = envOr("CERBERUS_S3_SECRET_KEY", c.Store.SecretKey)
	c.Store.FSRoot = envOr("CERBERUS_STORE_FS_ROOT", c.Store.FSRoot)
	c.Redis.Addr = envOr("CERBERUS_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOr("CERBERUS_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envIntOr("CERBERUS_REDIS_DB", c.Redis.DB)
	c.Postgres.DSN = envOr("CERBERUS_POSTGRES_DSN", c.Postgres.DSN)
	c.Auth.JWTSecret = envOr("CERBERUS_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.APIKeyHash = envOr("CERBERUS_API_KEY_HASH", c.Auth.APIKeyHash)
	c.Auth.SPIFFESocket = envOr("CERBERUS_SPIFFE_SOCKET", c.Auth.SPIFFESocket)
	c.Inspection.SwitchURL = envOr("CERBERUS_SWITCH_URL", c.Inspection.SwitchURL)
	c.Router.DecoyUpstream = envOr("CERBERUS_DECOY_UPSTREAM", c.Router.DecoyUpstream)
	c.Router.RealUpstream = envOr("CERBERUS_REAL_UPSTREAM", c.Router.RealUpstream)
	c.Policy.GatekeeperURL = envOr("CERBERUS_GATEKEEPER_URL", c.Policy.GatekeeperURL)
	c.Enforcer.ControlURL = envOr("CERBERUS_ENFORCER_URL", c.Enforcer.ControlURL)
	c.Enforcer.Interface = envOr("CERBERUS_ENFORCER_IFACE", c.Enforcer.Interface)
	if v := os.Getenv("CERBERUS_ENFORCER_ENABLED"); v == "true" || v == "1" {
		c.Enforcer.Enabled = true
	}
	if v := os.Getenv("CERBERUS_AUTO_DETONATE"); v == "true" || v == "1" {
		c.Sandbox.AutoDetonate = true
	}
}

func (c *Config) PinTTL() time.Duration {
	return time.Duration(c.Router.DefaultPinTTLSec) * time.Second
}

func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
