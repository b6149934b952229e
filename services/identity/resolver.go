// Package identity resolves a stable device identity that survives MAC randomization.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hotspotd/pkg/apperr"
)

// Repository persists fingerprints. UpdateFingerprint runs fn against the locked row; with
// create set, a missing row starts as a zero Fingerprint carrying only its ID.
type Repository interface {
	GetFingerprint(ctx context.Context, id string) (Fingerprint, error)
	FindFingerprintByMAC(ctx context.Context, mac string) (Fingerprint, error)
	UpdateFingerprint(ctx context.Context, id string, create bool, fn func(*Fingerprint) error) (Fingerprint, error)
}

type Resolver struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewResolver(repo Repository, logger zerolog.Logger, now func() time.Time) (*Resolver, error) {
	if repo == nil {
		return nil, errors.New("fingerprint repository is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{repo: repo, logger: logger, now: now}, nil
}

// Resolve records a sighting of mac under the fingerprint computed from in.
func (r *Resolver) Resolve(ctx context.Context, in Inputs, mac string) (Fingerprint, error) {
	if in.Empty() {
		return Fingerprint{}, fmt.Errorf("%w: fingerprint attributes are required", apperr.ErrValidation)
	}
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return Fingerprint{}, err
	}

	now := r.now()
	var newMAC bool
	fp, err := r.repo.UpdateFingerprint(ctx, in.ID(), true, func(f *Fingerprint) error {
		if f.FirstSeenAt.IsZero() {
			f.FirstSeenAt = now
			f.UserAgent = in.UserAgent
			f.ScreenResolution = in.ScreenResolution
			f.Language = in.Language
			f.TimezoneOffset = in.TimezoneOffset
			f.Platform = in.Platform
		}
		newMAC = !f.Knows(mac)
		f.Sight(mac, now)
		return nil
	})
	if err != nil {
		return Fingerprint{}, fmt.Errorf("resolve fingerprint: %w", err)
	}

	if newMAC && len(fp.KnownMACs) > 1 {
		r.logger.Info().
			Str("fingerprint", fp.ID).
			Str("mac", mac).
			Int("known_macs", len(fp.KnownMACs)).
			Msg("mac rotation detected")
	}
	return fp, nil
}

// Lookup finds the fingerprint that has seen mac. The boolean is false when none has.
func (r *Resolver) Lookup(ctx context.Context, mac string) (Fingerprint, bool, error) {
	fp, err := r.repo.FindFingerprintByMAC(ctx, mac)
	switch {
	case err == nil:
		return fp, true, nil
	case errors.Is(err, apperr.ErrNotFound):
		return Fingerprint{}, false, nil
	default:
		return Fingerprint{}, false, fmt.Errorf("lookup fingerprint: %w", err)
	}
}

// ClassifyMac scores mac using the fingerprint that owns it, if any.
func (r *Resolver) ClassifyMac(ctx context.Context, mac string) (MACAnalysis, error) {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return MACAnalysis{}, err
	}
	fp, ok, err := r.Lookup(ctx, mac)
	if err != nil {
		return MACAnalysis{}, err
	}
	if !ok {
		return ClassifyMac(mac, nil), nil
	}
	return ClassifyMac(mac, &fp), nil
}

// RecordViolation bumps a counter on the fingerprint, whichever MAC triggered it.
func (r *Resolver) RecordViolation(ctx context.Context, id string, kind ViolationKind) (Fingerprint, error) {
	now := r.now()
	fp, err := r.repo.UpdateFingerprint(ctx, id, false, func(f *Fingerprint) error {
		f.Record(kind, now)
		return nil
	})
	if err != nil {
		return Fingerprint{}, fmt.Errorf("record %s violation: %w", kind, err)
	}
	return fp, nil
}
