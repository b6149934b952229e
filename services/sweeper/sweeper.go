// Package sweeper runs the periodic maintenance of the hotspot: expiring stored state and
// archiving old TTL observations.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"hotspotd/services/engine"
)

// Engine is the maintenance entry point of the access session engine.
type Engine interface {
	Sweep(ctx context.Context) (engine.SweepReport, error)
}

// Sweeper ticks Engine.Sweep and, when configured, the observation archiver.
type Sweeper struct {
	engine   Engine
	archiver *Archiver
	interval time.Duration
	logger   zerolog.Logger
}

// New creates a Sweeper. A nil archiver leaves observations in the store.
func New(e Engine, archiver *Archiver, interval time.Duration, logger zerolog.Logger) (*Sweeper, error) {
	if e == nil {
		return nil, errors.New("engine is required")
	}
	if interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	return &Sweeper{engine: e, archiver: archiver, interval: interval, logger: logger}, nil
}

// Run sweeps once immediately and then every interval until ctx is cancelled. A failing
// pass is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Bool("archive", s.archiver != nil).Msg("sweeper started")
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one maintenance pass.
func (s *Sweeper) Tick(ctx context.Context) {
	if _, err := s.engine.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sweep failed")
	}
	if s.archiver == nil {
		return
	}
	if _, err := s.archiver.Run(ctx); err != nil {
		s.logger.Error().Err(err).Msg("observation archive failed")
	}
}
