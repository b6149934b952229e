// Package config loads the process configuration and the engine settings snapshot.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	SlotBackendStore = "store"
	SlotBackendRedis = "redis"

	DeviceResolverARP  = "arp"
	DeviceResolverNone = "none"
)

// Config holds runtime configuration for hotspotd processes.
type Config struct {
	Addr        string   `env:"HOTSPOT_ADDR,default=:8080"`
	Store       string   `env:"HOTSPOT_STORE,default=postgres"`
	DatabaseURL string   `env:"DATABASE_URL"`
	SlotBackend string   `env:"SLOT_BACKEND,default=store"`
	RedisURL    string   `env:"REDIS_URL,default=redis://localhost:6379/0"`
	NATSURL     string   `env:"NATS_URL"`
	RatesFile   string   `env:"RATES_FILE"`
	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	// PortalRateLimit caps coin and voucher requests per client IP per minute.
	PortalRateLimit int `env:"PORTAL_RATE_LIMIT,default=60"`
	// DeviceResolver identifies portal callers by their neighbour entry ("arp") or trusts
	// the MAC they send ("none", development only).
	DeviceResolver string `env:"DEVICE_RESOLVER,default=arp"`
	ARPTable       string `env:"ARP_TABLE,default=/proc/net/arp"`
	ARPInterface   string `env:"ARP_INTERFACE"`
	TrustProxy     bool   `env:"TRUST_PROXY,default=false"`
	// AdminToken enables /v1/admin for bearers of this token.
	AdminToken string `env:"ADMIN_TOKEN"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=1m"`

	LogLevel     string `env:"LOG_LEVEL,default=info"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Probe    ProbeConfig
	Firewall FirewallConfig
	Archive  ArchiveConfig
	Settings Settings
}

type ProbeConfig struct {
	Enabled    bool `env:"TTL_PROBE_ENABLED,default=true"`
	Privileged bool `env:"TTL_PROBE_PRIVILEGED,default=false"`
}

type FirewallConfig struct {
	// DryRun logs enforcement commands instead of executing them.
	DryRun         bool          `env:"FIREWALL_DRY_RUN,default=false"`
	CommandTimeout time.Duration `env:"FIREWALL_COMMAND_TIMEOUT,default=5s"`
	Interface      string        `env:"WLAN_INTERFACE,default=wlan0"`
}

type ArchiveConfig struct {
	Enabled   bool          `env:"ARCHIVE_ENABLED,default=false"`
	Bucket    string        `env:"ARCHIVE_BUCKET"`
	Prefix    string        `env:"ARCHIVE_PREFIX,default=observations/"`
	Recipient string        `env:"ARCHIVE_AGE_RECIPIENT"`
	Retention time.Duration `env:"ARCHIVE_RETENTION,default=168h"`
	BatchSize int           `env:"ARCHIVE_BATCH_SIZE,default=5000"`
	S3        S3Config
}

type S3Config struct {
	Endpoint       string `env:"S3_ENDPOINT"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	Region         string `env:"S3_REGION,default=us-east-1"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
}

// Load reads an optional .env file and the environment.
func Load(ctx context.Context) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith processes configuration from the provided lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}

	if cfg.RatesFile != "" {
		table, err := LoadRatesFile(cfg.RatesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Settings.Rates = table
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required when HOTSPOT_STORE=postgres")
		}
	default:
		return fmt.Errorf("invalid HOTSPOT_STORE: %q", c.Store)
	}
	switch c.SlotBackend {
	case SlotBackendStore, SlotBackendRedis:
	default:
		return fmt.Errorf("invalid SLOT_BACKEND: %q", c.SlotBackend)
	}
	switch c.DeviceResolver {
	case DeviceResolverARP, DeviceResolverNone:
	default:
		return fmt.Errorf("invalid DEVICE_RESOLVER: %q", c.DeviceResolver)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid SWEEP_INTERVAL: %s", c.SweepInterval)
	}
	if c.PortalRateLimit < 0 {
		return fmt.Errorf("invalid PORTAL_RATE_LIMIT: %d", c.PortalRateLimit)
	}
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return errors.New("ARCHIVE_BUCKET is required when archiving is enabled")
		}
		if c.Archive.S3.Endpoint == "" {
			return errors.New("S3_ENDPOINT is required when archiving is enabled")
		}
		if c.Archive.BatchSize <= 0 {
			return fmt.Errorf("invalid ARCHIVE_BATCH_SIZE: %d", c.Archive.BatchSize)
		}
		if c.Archive.Retention <= 0 {
			return fmt.Errorf("invalid ARCHIVE_RETENTION: %s", c.Archive.Retention)
		}
	}
	return c.Settings.Validate()
}

// Defaults returns the settings every tunable falls back to when unset.
func Defaults() Settings {
	var s Settings
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &s,
		Lookuper: envconfig.MapLookuper(map[string]string{}),
	}); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return s
}
