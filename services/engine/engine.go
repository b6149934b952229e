// Package engine orchestrates the session ledger, slot arbiter, identity resolver, sharing
// detector, enforcement escalator and voucher book into the operations the portal and the
// admin surface call. Every operation takes one settings snapshot and reports a Status; the
// returned error is reserved for infrastructure failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hotspotd/pkg/config"
	"hotspotd/pkg/render"
	"hotspotd/services/enforcement"
	"hotspotd/services/identity"
	"hotspotd/services/session"
	"hotspotd/services/sharing"
	"hotspotd/services/slot"
	"hotspotd/services/voucher"
)

var tracer = otel.Tracer("hotspotd/services/engine")

type Engine struct {
	settings  config.Provider
	ledger    *session.Ledger
	arbiter   *slot.Arbiter
	identity  *identity.Resolver
	detector  *sharing.Detector
	escalator *enforcement.Escalator
	vouchers  *voucher.Book

	publisher Publisher
	metrics   *Metrics
	renderer  *render.Engine
	logger    zerolog.Logger
	now       func() time.Time
}

// Deps are the components an Engine drives. Publisher and Metrics are optional.
type Deps struct {
	Settings  config.Provider
	Ledger    *session.Ledger
	Arbiter   *slot.Arbiter
	Identity  *identity.Resolver
	Detector  *sharing.Detector
	Escalator *enforcement.Escalator
	Vouchers  *voucher.Book

	Publisher Publisher
	Metrics   *Metrics
	Renderer  *render.Engine
	Logger    zerolog.Logger
	Now       func() time.Time
}

func New(d Deps) (*Engine, error) {
	switch {
	case d.Settings == nil:
		return nil, errors.New("settings provider is required")
	case d.Ledger == nil:
		return nil, errors.New("session ledger is required")
	case d.Arbiter == nil:
		return nil, errors.New("slot arbiter is required")
	case d.Identity == nil:
		return nil, errors.New("identity resolver is required")
	case d.Detector == nil:
		return nil, errors.New("sharing detector is required")
	case d.Escalator == nil:
		return nil, errors.New("enforcement escalator is required")
	case d.Vouchers == nil:
		return nil, errors.New("voucher book is required")
	}
	if d.Renderer == nil {
		r, err := render.New()
		if err != nil {
			return nil, err
		}
		d.Renderer = r
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Engine{
		settings:  d.Settings,
		ledger:    d.Ledger,
		arbiter:   d.Arbiter,
		identity:  d.Identity,
		detector:  d.Detector,
		escalator: d.Escalator,
		vouchers:  d.Vouchers,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		renderer:  d.Renderer,
		logger:    d.Logger,
		now:       d.Now,
	}, nil
}

// Repositories groups the persistence backends of every component.
type Repositories struct {
	Sessions     session.Repository
	Fingerprints identity.Repository
	Observations sharing.Repository
	Slot         slot.Store
	Enforcement  enforcement.Repository
	Vouchers     voucher.Repository
}

// Options are the collaborators outside the store. Nil Prober disables probing, nil Kicker
// makes every kick fail, nil Generator uses crypto random codes.
type Options struct {
	Prober    sharing.Prober
	Firewall  enforcement.Firewall
	Kicker    *enforcement.Kicker
	Generator voucher.Generator
	Publisher Publisher
	Metrics   *Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Assemble builds every component over repos and returns the engine driving them.
func Assemble(settings config.Provider, repos Repositories, opts Options) (*Engine, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger

	ledger, err := session.NewLedger(repos.Sessions, opts.Now)
	if err != nil {
		return nil, err
	}
	arbiter, err := slot.NewArbiter(repos.Slot, log.With().Str("component", "slot").Logger(), opts.Now)
	if err != nil {
		return nil, err
	}
	resolver, err := identity.NewResolver(repos.Fingerprints, log.With().Str("component", "identity").Logger(), opts.Now)
	if err != nil {
		return nil, err
	}
	detector, err := sharing.NewDetector(repos.Observations, opts.Prober, log.With().Str("component", "sharing").Logger(), opts.Now)
	if err != nil {
		return nil, err
	}
	escalator, err := enforcement.NewEscalator(repos.Enforcement, opts.Firewall, opts.Kicker, log.With().Str("component", "enforcement").Logger(), opts.Now)
	if err != nil {
		return nil, err
	}
	book, err := voucher.NewBook(repos.Vouchers, opts.Generator, log.With().Str("component", "voucher").Logger(), opts.Now)
	if err != nil {
		return nil, err
	}

	return New(Deps{
		Settings:  settings,
		Ledger:    ledger,
		Arbiter:   arbiter,
		Identity:  resolver,
		Detector:  detector,
		Escalator: escalator,
		Vouchers:  book,
		Publisher: opts.Publisher,
		Metrics:   opts.Metrics,
		Logger:    log,
		Now:       opts.Now,
	})
}

func (e *Engine) snapshot(ctx context.Context) (config.Settings, error) {
	s, err := e.settings.Snapshot(ctx)
	if err != nil {
		return config.Settings{}, fmt.Errorf("settings snapshot: %w", err)
	}
	return s, nil
}

func (e *Engine) start(ctx context.Context, op, mac string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "engine."+op)
	if mac != "" {
		span.SetAttributes(attribute.String("hotspot.mac", mac))
	}
	return ctx, span
}

// finish closes the span and counts the operation.
func (e *Engine) finish(span trace.Span, op string, r Result, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error().Err(err).Str("operation", op).Msg("operation failed")
	} else {
		span.SetAttributes(attribute.String("hotspot.status", string(r.Status)))
		e.metrics.operation(op, r.Status)
	}
	span.End()
}

// device is the identity a request acts under.
type device struct {
	MAC         string
	Subject     string
	Fingerprint *identity.Fingerprint
}

// MACs is every address the device has used, for block checks.
func (d device) MACs() []string {
	if d.Fingerprint == nil {
		return []string{d.MAC}
	}
	macs := []string{d.MAC}
	for _, m := range d.Fingerprint.KnownMACs {
		if m != d.MAC {
			macs = append(macs, m)
		}
	}
	return macs
}

// identify resolves the subject of mac: the fingerprint id when the request carries fingerprint
// attributes or mac is already known to a fingerprint, else the MAC itself.
func (e *Engine) identify(ctx context.Context, mac string, in *identity.Inputs) (device, error) {
	d := device{MAC: mac, Subject: mac}
	if in != nil && !in.Empty() {
		fp, err := e.identity.Resolve(ctx, *in, mac)
		if err != nil {
			return device{}, err
		}
		d.Subject, d.Fingerprint = fp.ID, &fp
		return d, nil
	}
	fp, ok, err := e.identity.Lookup(ctx, mac)
	if err != nil {
		return device{}, err
	}
	if ok {
		d.Subject, d.Fingerprint = fp.ID, &fp
	}
	return d, nil
}
