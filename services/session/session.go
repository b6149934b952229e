// Package session implements the per-MAC time bank and its derived connection state.
package session

import (
	"errors"
	"fmt"
	"time"

	"hotspotd/pkg/apperr"
)

// State is derived from stored fields and the current time, never stored.
type State string

const (
	StateConnected    State = "connected"
	StatePaused       State = "paused"
	StateDisconnected State = "disconnected"
)

var (
	// ErrNotConnected is returned by Pause when no countdown is running and by Disconnect when nothing is banked either.
	ErrNotConnected = fmt.Errorf("%w: session is not connected", apperr.ErrNotFound)
	// ErrNoTime is returned when an operation needs banked or purchased time and there is none.
	ErrNoTime = fmt.Errorf("%w: no time available", apperr.ErrNotFound)
	// ErrValidityExpired is returned by Connect after stale banked time has been forfeited.
	ErrValidityExpired = fmt.Errorf("%w: validity window has passed", apperr.ErrExpired)
)

// Session is the time bank of one MAC address.
type Session struct {
	MAC               string
	IP                string
	TimeLeft          time.Duration
	ExpireOn          *time.Time
	ValidityExpiresOn *time.Time
	CreatedAt         time.Time
}

// New returns an empty session for mac created at now.
func New(mac, ip string, now time.Time) Session {
	return Session{MAC: mac, IP: ip, CreatedAt: now}
}

// StateAt derives the connection state at now.
func (s Session) StateAt(now time.Time) State {
	switch {
	case s.ExpireOn != nil && s.ExpireOn.After(now):
		return StateConnected
	case s.TimeLeft > 0:
		return StatePaused
	default:
		return StateDisconnected
	}
}

// Remaining is the live countdown when connected, otherwise the banked time.
func (s Session) Remaining(now time.Time) time.Duration {
	if s.StateAt(now) == StateConnected {
		return clamp(s.ExpireOn.Sub(now))
	}
	return clamp(s.TimeLeft)
}

// IdleSince is the instant the session last had running time, or its creation time.
func (s Session) IdleSince() time.Time {
	if s.ExpireOn != nil {
		return *s.ExpireOn
	}
	return s.CreatedAt
}

// ValidityExpiredAt reports whether the validity window is set and has passed.
func (s Session) ValidityExpiredAt(now time.Time) bool {
	return s.ValidityExpiresOn != nil && now.After(*s.ValidityExpiresOn)
}

// Connect starts or extends the countdown with the banked time plus extra.
func (s *Session) Connect(now time.Time, extra time.Duration) error {
	if s.ValidityExpiredAt(now) {
		s.forfeit()
		return ErrValidityExpired
	}

	total := clamp(s.TimeLeft) + clamp(extra)
	if total <= 0 {
		return ErrNoTime
	}

	if s.StateAt(now) == StateConnected {
		expire := s.ExpireOn.Add(total)
		s.ExpireOn = &expire
	} else {
		expire := now.Add(total)
		s.ExpireOn = &expire
	}
	s.TimeLeft = 0
	return nil
}

// Disconnect banks the running countdown. A paused session reports success unchanged.
func (s *Session) Disconnect(now time.Time) error {
	switch s.StateAt(now) {
	case StateConnected:
		s.bank(now)
		return nil
	case StatePaused:
		s.ExpireOn = nil
		return nil
	default:
		return ErrNotConnected
	}
}

// Pause banks the running countdown; only legal while connected.
func (s *Session) Pause(now time.Time) error {
	if s.StateAt(now) != StateConnected {
		return ErrNotConnected
	}
	s.bank(now)
	return nil
}

// ResumeForced restarts the countdown from the bank without waiting for a confirmed link.
func (s *Session) ResumeForced(now time.Time) error {
	if s.TimeLeft <= 0 {
		return ErrNoTime
	}
	expire := now.Add(s.TimeLeft)
	s.ExpireOn = &expire
	s.TimeLeft = 0
	return nil
}

// ApplyValidity grants a purchase validity window. An expired window is restarted and
// the stale banked time is forfeited before the new purchase lands.
func (s *Session) ApplyValidity(now time.Time, validity time.Duration) {
	if s.ValidityExpiredAt(now) {
		s.TimeLeft = 0
		if s.ExpireOn != nil && !s.ExpireOn.After(now) {
			s.ExpireOn = nil
		}
		s.ValidityExpiresOn = nil
	}
	if validity <= 0 {
		return
	}
	until := now.Add(validity)
	if s.ValidityExpiresOn == nil || until.After(*s.ValidityExpiresOn) {
		s.ValidityExpiresOn = &until
	}
}

func (s *Session) bank(now time.Time) {
	if s.ExpireOn != nil {
		s.TimeLeft = clamp(s.TimeLeft + s.ExpireOn.Sub(now))
	}
	s.ExpireOn = nil
}

func (s *Session) forfeit() {
	s.TimeLeft = 0
	s.ExpireOn = nil
	s.ValidityExpiresOn = nil
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// IsStateError reports whether err is a rejected state transition rather than a store failure.
func IsStateError(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNoTime) || errors.Is(err, ErrValidityExpired)
}
