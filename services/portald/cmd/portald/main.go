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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"hotspotd/pkg/config"
	"hotspotd/pkg/telemetry"
	"hotspotd/services/api"
	"hotspotd/services/audit"
	"hotspotd/services/identity"
	"hotspotd/services/portald"
	"hotspotd/services/sweeper"
)

func main() {
	if err := run("portald"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel, err := telemetry.Init(ctx, telemetry.Options{
		Service:  serviceName,
		Endpoint: cfg.OTLPEndpoint,
		Level:    cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()
	logger := tel.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := portald.Build(ctx, cfg, logger, portald.Options{Registerer: reg, Migrate: true})
	if err != nil {
		return err
	}
	defer app.Close()

	if app.Bus != nil {
		ingestor, err := audit.NewIngestor(app.Audit, app.Bus, logger.With().Str("component", "audit").Logger())
		if err != nil {
			return fmt.Errorf("create audit ingestor: %w", err)
		}
		if err := ingestor.Start(ctx); err != nil {
			return fmt.Errorf("start audit ingestor: %w", err)
		}
		app.Track(ingestor)
	}

	errCh := make(chan error, 2)

	sw, err := sweeper.New(app.Engine, app.Archiver, cfg.SweepInterval, logger.With().Str("component", "sweeper").Logger())
	if err != nil {
		return fmt.Errorf("create sweeper: %w", err)
	}
	go func() {
		if err := sw.Run(ctx); err != nil {
			errCh <- fmt.Errorf("sweeper: %w", err)
		}
	}()

	apiCfg := api.Config{
		AllowedOrigins:  cfg.CORSOrigins,
		PortalRateLimit: cfg.PortalRateLimit,
		Gatherer:        reg,
		Ready:           app.Ready,
		Middleware:      tel.Middleware,
		AdminToken:      cfg.AdminToken,
		TrustProxy:      cfg.TrustProxy,
		Logger:          logger,
	}
	if cfg.DeviceResolver == config.DeviceResolverARP {
		apiCfg.Devices = identity.NeighborTable{Path: cfg.ARPTable, Interface: cfg.ARPInterface}
	} else {
		logger.Warn().Msg("device resolution disabled, portal trusts client supplied MACs")
	}
	if cfg.AdminToken == "" {
		logger.Warn().Msg("ADMIN_TOKEN unset, admin routes disabled")
	}
	apiServer, err := api.New(app.Engine, apiCfg)
	if err != nil {
		return fmt.Errorf("create api: %w", err)
	}
	handler, err := apiServer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	logger.Info().
		Str("addr", server.Addr).
		Str("store", cfg.Store).
		Str("slot_backend", cfg.SlotBackend).
		Bool("bus", app.Bus != nil).
		Msg("portal listening")

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
