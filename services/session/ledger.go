package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hotspotd/pkg/apperr"
)

// Repository persists sessions. UpdateSession runs fn against the locked row and stores the
// result when fn returns nil; with create set, a missing row starts as a Session carrying only its MAC.
type Repository interface {
	GetSession(ctx context.Context, mac string) (Session, error)
	UpdateSession(ctx context.Context, mac string, create bool, fn func(*Session) error) (Session, error)
	DeleteSession(ctx context.Context, mac string) error
	ListSessions(ctx context.Context) ([]Session, error)
}

// Ledger applies the session state machine through a repository.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

// NewLedger creates a ledger. A nil clock defaults to time.Now.
func NewLedger(repo Repository, now func() time.Time) (*Ledger, error) {
	if repo == nil {
		return nil, errors.New("session repository is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{repo: repo, now: now}, nil
}

func (l *Ledger) Get(ctx context.Context, mac string) (Session, error) {
	return l.repo.GetSession(ctx, mac)
}

// Credit applies a purchase: the validity window first, then Connect with the purchased time.
func (l *Ledger) Credit(ctx context.Context, mac, ip string, extra, validity time.Duration) (Session, error) {
	return l.transition(ctx, mac, true, func(s *Session, now time.Time) error {
		if ip != "" {
			s.IP = ip
		}
		s.ApplyValidity(now, validity)
		return s.Connect(now, extra)
	})
}

func (l *Ledger) Connect(ctx context.Context, mac string, extra time.Duration) (Session, error) {
	return l.transition(ctx, mac, false, func(s *Session, now time.Time) error {
		return s.Connect(now, extra)
	})
}

func (l *Ledger) Disconnect(ctx context.Context, mac string) (Session, error) {
	return l.transition(ctx, mac, false, func(s *Session, now time.Time) error {
		return s.Disconnect(now)
	})
}

func (l *Ledger) Pause(ctx context.Context, mac string) (Session, error) {
	return l.transition(ctx, mac, false, func(s *Session, now time.Time) error {
		return s.Pause(now)
	})
}

func (l *Ledger) ResumeForced(ctx context.Context, mac string) (Session, error) {
	return l.transition(ctx, mac, false, func(s *Session, now time.Time) error {
		return s.ResumeForced(now)
	})
}

// transition persists the mutated session unless fn rejected it. A forfeited validity
// window is persisted even though Connect reports failure.
func (l *Ledger) transition(ctx context.Context, mac string, create bool, fn func(*Session, time.Time) error) (Session, error) {
	now := l.now()
	var stateErr error
	s, err := l.repo.UpdateSession(ctx, mac, create, func(s *Session) error {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		before := *s
		stateErr = fn(s, now)
		switch {
		case stateErr == nil:
			return nil
		case errors.Is(stateErr, ErrValidityExpired):
			return nil
		default:
			*s = before
			return stateErr
		}
	})
	if err != nil {
		if stateErr != nil && errors.Is(err, stateErr) {
			return s, stateErr
		}
		return s, fmt.Errorf("update session %s: %w", mac, err)
	}
	return s, stateErr
}

// PurgeIdle deletes disconnected sessions idle for longer than inactive and returns how many went.
func (l *Ledger) PurgeIdle(ctx context.Context, inactive time.Duration) (int, error) {
	if inactive <= 0 {
		return 0, nil
	}
	sessions, err := l.repo.ListSessions(ctx)
	if err != nil {
		return 0, err
	}

	now := l.now()
	purged := 0
	for _, s := range sessions {
		if s.StateAt(now) != StateDisconnected {
			continue
		}
		if now.Sub(s.IdleSince()) <= inactive {
			continue
		}
		if err := l.repo.DeleteSession(ctx, s.MAC); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return purged, fmt.Errorf("delete session %s: %w", s.MAC, err)
		}
		purged++
	}
	return purged, nil
}
