// Package portald assembles the hotspot daemon from configuration: storage backends, the
// enforcement toolchain, the event bus and the engine on top of them.
package portald

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"hotspotd/pkg/bus"
	"hotspotd/pkg/config"
	"hotspotd/pkg/db"
	"hotspotd/pkg/memstore"
	"hotspotd/pkg/s3"
	"hotspotd/pkg/store"
	"hotspotd/services/audit"
	"hotspotd/services/enforcement"
	"hotspotd/services/engine"
	"hotspotd/services/identity"
	"hotspotd/services/session"
	"hotspotd/services/sharing"
	"hotspotd/services/slot"
	"hotspotd/services/sweeper"
	"hotspotd/services/voucher"
)

// StreamName is the JetStream stream carrying every hotspot event.
const StreamName = "HOTSPOT"

// repository is what both storage backends implement.
type repository interface {
	session.Repository
	identity.Repository
	sharing.Repository
	slot.Store
	enforcement.Repository
	voucher.Repository
	sweeper.ObservationLog
	audit.Sink
}

// App holds the assembled engine and the resources it owns.
type App struct {
	Engine   *engine.Engine
	Bus      *bus.Bus
	Audit    audit.Sink
	Archiver *sweeper.Archiver

	pool    *pgxpool.Pool
	redis   *slot.RedisStore
	closers []io.Closer
}

// Options tweak assembly. Migrate applies schema migrations before use; NoBus skips NATS
// even when configured, for one-shot CLI commands.
type Options struct {
	Registerer prometheus.Registerer
	Migrate    bool
	NoBus      bool
}

// Build opens every backend named by cfg and assembles the engine. Close releases them.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts Options) (_ *App, err error) {
	app := &App{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	repo, err := app.openStore(ctx, cfg, opts.Migrate)
	if err != nil {
		return nil, err
	}
	app.Audit = repo

	var slots slot.Store = repo
	if cfg.SlotBackend == config.SlotBackendRedis {
		app.redis, err = slot.NewRedisStoreFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis slot store: %w", err)
		}
		slots = app.redis
	}

	var publisher engine.Publisher
	if cfg.NATSURL != "" && !opts.NoBus {
		app.Bus, err = bus.New(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		if err := app.Bus.EnsureStream(StreamName, engine.SubjectPrefix+">"); err != nil {
			return nil, err
		}
		publisher = app.Bus
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics, err := engine.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	var runner enforcement.Runner = enforcement.ExecRunner{Timeout: cfg.Firewall.CommandTimeout}
	if cfg.Firewall.DryRun {
		runner = enforcement.DryRunner{Logger: logger.With().Str("component", "firewall").Logger()}
	}
	var prober sharing.Prober
	if cfg.Probe.Enabled {
		prober = sharing.NewICMPProber(cfg.Probe.Privileged)
	}

	app.Engine, err = engine.Assemble(config.NewStatic(cfg.Settings), engine.Repositories{
		Sessions:     repo,
		Fingerprints: repo,
		Observations: repo,
		Slot:         slots,
		Enforcement:  repo,
		Vouchers:     repo,
	}, engine.Options{
		Prober:    prober,
		Firewall:  enforcement.NewIPTables(runner),
		Kicker:    enforcement.NewKicker(enforcement.DefaultKickStrategies(runner, cfg.Firewall.Interface), logger.With().Str("component", "kicker").Logger()),
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble engine: %w", err)
	}

	if cfg.Archive.Enabled {
		if app.Archiver, err = newArchiver(ctx, cfg, repo, logger); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func (a *App) openStore(ctx context.Context, cfg config.Config, migrate bool) (repository, error) {
	if cfg.Store == config.StoreMemory {
		return memstore.New(), nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.pool = pool
	if migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		return nil, fmt.Errorf("open orm: %w", err)
	}
	return store.New(pool, orm)
}

// NewS3Client connects to the archive object store named by cfg.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	client, err := s3.NewClient(ctx, s3.Options{
		Endpoint:       cfg.Endpoint,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		Region:         cfg.Region,
		DisableTLS:     cfg.DisableTLS,
		ForcePathStyle: cfg.ForcePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return client, nil
}

func newArchiver(ctx context.Context, cfg config.Config, log sweeper.ObservationLog, logger zerolog.Logger) (*sweeper.Archiver, error) {
	client, err := NewS3Client(ctx, cfg.Archive.S3)
	if err != nil {
		return nil, err
	}
	recipient, err := sweeper.ParseRecipient(cfg.Archive.Recipient)
	if err != nil {
		return nil, err
	}
	return sweeper.NewArchiver(log, client, sweeper.ArchiveConfig{
		Bucket:    cfg.Archive.Bucket,
		Prefix:    cfg.Archive.Prefix,
		Recipient: recipient,
		Retention: cfg.Archive.Retention,
		BatchSize: cfg.Archive.BatchSize,
	}, logger.With().Str("component", "archive").Logger(), nil)
}

// Ready checks every external backend the App holds.
func (a *App) Ready(ctx context.Context) error {
	if a.pool != nil {
		if err := db.Ping(ctx, a.pool); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if a.Bus != nil && !a.Bus.Connected() {
		return errors.New("nats: not connected")
	}
	return nil
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	a.Bus.Close()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// Track registers c to be closed with the App.
func (a *App) Track(c io.Closer) {
	a.closers = append(a.closers, c)
}
