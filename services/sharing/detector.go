// Package sharing detects connection sharing from the TTL of a device's packets.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"hotspotd/pkg/config"
)

type Classification string

const (
	Normal     Classification = "normal"
	Suspicious Classification = "suspicious"
	Unknown    Classification = "unknown"
)

// Unlimited is the connection limit reported when limiting is disabled.
const Unlimited = math.MaxInt32

// Observation is one audited TTL sample.
type Observation struct {
	ID          int64
	MAC         string
	Subject     string
	TTL         int
	ExpectedTTL int
	Deviation   int
	Suspicious  bool
	ObservedAt  time.Time
}

// Repository stores the observation audit log.
type Repository interface {
	AppendObservation(ctx context.Context, o Observation) error
	CountSuspicious(ctx context.Context, subject string, since time.Time) (int, error)
}

// Classify compares an observed TTL with the expected baseline.
func Classify(observed, expected, tolerance int) (Classification, int) {
	deviation := observed - expected
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation > tolerance {
		return Suspicious, deviation
	}
	return Normal, deviation
}

// ConnectionLimit returns how many concurrent connections the subject may hold. recent is
// the subject's suspicious observations in the strict window.
func ConnectionLimit(limits config.LimitSettings, c Classification, recent int) int {
	if !limits.Enabled {
		return Unlimited
	}
	if recent >= limits.MaxViolations {
		return 1
	}
	if c == Suspicious {
		return limits.Suspicious
	}
	return limits.Normal
}

// Analysis is the detector's verdict for one request.
type Analysis struct {
	Classification Classification
	TTL            int
	Deviation      int
	// Recent counts suspicious observations in the strict window, Daily in the rule window.
	Recent          int
	Daily           int
	ConnectionLimit int
	StrictMode      bool
}

type Detector struct {
	repo   Repository
	prober Prober
	logger zerolog.Logger
	now    func() time.Time
}

// NewDetector creates a detector. prober may be nil, in which case every probe is unknown.
func NewDetector(repo Repository, prober Prober, logger zerolog.Logger, now func() time.Time) (*Detector, error) {
	if repo == nil {
		return nil, errors.New("observation repository is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Detector{repo: repo, prober: prober, logger: logger, now: now}, nil
}

// Probe samples the TTL of ip. Failures and timeouts degrade to Unknown.
func (d *Detector) Probe(ctx context.Context, settings config.Settings, ip string) (int, bool) {
	if d.prober == nil || ip == "" || !settings.Sharing.DetectionEnabled {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, settings.Sharing.ProbeTimeout)
	defer cancel()

	ttl, err := d.prober.Probe(ctx, ip)
	if err != nil {
		d.logger.Debug().Err(err).Str("ip", ip).Msg("ttl probe failed")
		return 0, false
	}
	return ttl, true
}

// Observe classifies a sample, appends it to the audit log and derives the connection limit.
// ok=false means no sample was available; the strict window still applies to the subject.
func (d *Detector) Observe(ctx context.Context, settings config.Settings, mac, subject string, ttl int, ok bool) (Analysis, error) {
	now := d.now()
	out := Analysis{Classification: Unknown}

	if ok && settings.Sharing.DetectionEnabled {
		class, deviation := Classify(ttl, settings.Sharing.ExpectedTTL, settings.Sharing.Tolerance)
		obs := Observation{
			MAC:         mac,
			Subject:     subject,
			TTL:         ttl,
			ExpectedTTL: settings.Sharing.ExpectedTTL,
			Deviation:   deviation,
			Suspicious:  class == Suspicious,
			ObservedAt:  now,
		}
		if err := d.repo.AppendObservation(ctx, obs); err != nil {
			return Analysis{}, fmt.Errorf("append observation: %w", err)
		}
		out.Classification, out.TTL, out.Deviation = class, ttl, deviation
	}

	if subject != "" {
		recent, err := d.repo.CountSuspicious(ctx, subject, now.Add(-settings.Sharing.StrictWindow))
		if err != nil {
			return Analysis{}, fmt.Errorf("count recent violations: %w", err)
		}
		out.Recent = recent
	}

	if out.Classification == Suspicious {
		daily, err := d.repo.CountSuspicious(ctx, subject, now.Add(-settings.TTLRule.Window))
		if err != nil {
			return Analysis{}, fmt.Errorf("count daily violations: %w", err)
		}
		out.Daily = daily
		d.logger.Warn().
			Str("mac", mac).
			Str("subject", subject).
			Int("ttl", ttl).
			Int("deviation", out.Deviation).
			Int("recent", out.Recent).
			Msg("suspicious ttl observed")
	}

	out.ConnectionLimit = ConnectionLimit(settings.Limits, out.Classification, out.Recent)
	out.StrictMode = settings.Limits.Enabled && out.Recent >= settings.Limits.MaxViolations
	return out, nil
}
