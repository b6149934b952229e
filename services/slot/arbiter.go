// Package slot arbitrates the single coin acceptor between polling portal clients and
// keeps each client's unconverted coin credit.
package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hotspotd/pkg/apperr"
	"hotspotd/pkg/config"
)

// Number is the slot number recorded on ledger rows; the hotspot has one acceptor.
const Number = 1

var (
	ErrBusy                = fmt.Errorf("%w: coin slot is held by another device", apperr.ErrConflict)
	ErrNotHolder           = fmt.Errorf("%w: coin slot is not held by this device", apperr.ErrNotFound)
	ErrUnknownDenomination = fmt.Errorf("%w: unknown coin denomination", apperr.ErrValidation)
	ErrEmptyRequester      = fmt.Errorf("%w: device id is required", apperr.ErrValidation)
)

type Availability string

const (
	Available Availability = "available"
	Active    Availability = "active"
	Busy      Availability = "busy"
)

// Status is what a polling client sees: whether it may use the acceptor and its pending credit.
type Status struct {
	Availability Availability
	Queue        Queue
	Time         time.Duration
	Validity     time.Duration
}

type Arbiter struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewArbiter(store Store, logger zerolog.Logger, now func() time.Time) (*Arbiter, error) {
	if store == nil {
		return nil, errors.New("slot store is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Arbiter{store: store, logger: logger, now: now}, nil
}

// Claim takes the acceptor for requester or fails with ErrBusy.
func (a *Arbiter) Claim(ctx context.Context, settings config.Settings, requester string) error {
	if requester == "" {
		return ErrEmptyRequester
	}
	now := a.now()
	ok, err := a.store.ClaimSlot(ctx, requester, now, now.Add(-settings.Slot.Timeout))
	if err != nil {
		return fmt.Errorf("claim slot: %w", err)
	}
	if !ok {
		return ErrBusy
	}
	a.logger.Debug().Str("device", requester).Msg("slot claimed")
	return nil
}

// UpdateTimer moves the holder's freshness to match its own countdown. A non-positive
// remaining or an expired countdown releases the slot.
func (a *Arbiter) UpdateTimer(ctx context.Context, settings config.Settings, requester string, remaining int, expired bool) (bool, error) {
	if requester == "" {
		return false, ErrEmptyRequester
	}
	if expired || remaining <= 0 {
		ok, err := a.store.ReleaseSlot(ctx, requester)
		if err != nil {
			return false, fmt.Errorf("release slot: %w", err)
		}
		if !ok {
			return false, ErrNotHolder
		}
		return true, nil
	}

	timeout := settings.Slot.Timeout
	elapsed := timeout - time.Duration(remaining)*time.Second
	if elapsed < 0 {
		elapsed = 0
	}
	ok, err := a.store.TouchSlot(ctx, requester, a.now().Add(-elapsed))
	if err != nil {
		return false, fmt.Errorf("touch slot: %w", err)
	}
	if !ok {
		return false, ErrNotHolder
	}
	return false, nil
}

// Release frees the acceptor if requester holds it; otherwise it does nothing.
func (a *Arbiter) Release(ctx context.Context, requester string) error {
	if requester == "" {
		return ErrEmptyRequester
	}
	if _, err := a.store.ReleaseSlot(ctx, requester); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// InsertCoin credits a detected coin to the fresh holder of the acceptor.
func (a *Arbiter) InsertCoin(ctx context.Context, settings config.Settings, requester string, denomination int) (Queue, error) {
	if requester == "" {
		return Queue{}, ErrEmptyRequester
	}
	rate, ok := settings.Rates.Lookup(denomination)
	if !ok {
		return Queue{}, fmt.Errorf("%w: %d", ErrUnknownDenomination, denomination)
	}

	now := a.now()
	credited, err := a.store.CreditCoins(ctx, Credit{
		Requester:   requester,
		Coins:       rate.Denomination,
		StaleBefore: now.Add(-settings.Slot.Timeout),
		Entry: LedgerEntry{
			Client:       requester,
			Denomination: rate.Denomination,
			SlotNo:       Number,
			CreatedAt:    now,
		},
	})
	if err != nil {
		return Queue{}, fmt.Errorf("credit coins: %w", err)
	}
	if !credited {
		return Queue{}, ErrBusy
	}

	q, err := a.store.GetQueue(ctx, requester)
	if err != nil {
		return Queue{}, fmt.Errorf("load queue: %w", err)
	}
	a.logger.Info().Str("device", requester).Int("denomination", denomination).Int("total_coins", q.TotalCoins).Msg("coin accepted")
	return q, nil
}

// Status reports the acceptor availability from requester's point of view and its pending credit.
func (a *Arbiter) Status(ctx context.Context, settings config.Settings, requester string) (Status, error) {
	s, err := a.store.GetSlot(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load slot: %w", err)
	}

	staleBefore := a.now().Add(-settings.Slot.Timeout)
	out := Status{Availability: Available}
	switch {
	case s.HolderID != "" && s.HolderID == requester:
		out.Availability = Active
	case s.Held(staleBefore):
		out.Availability = Busy
	}

	if requester == "" {
		return out, nil
	}
	q, err := a.store.GetQueue(ctx, requester)
	if err != nil {
		return Status{}, fmt.Errorf("load queue: %w", err)
	}
	out.Queue = q
	out.Time, out.Validity = settings.Rates.Convert(q.TotalCoins)
	return out, nil
}

// Pending converts the requester's queue without draining it.
func (a *Arbiter) Pending(ctx context.Context, settings config.Settings, mac string) (Queue, time.Duration, error) {
	q, err := a.store.GetQueue(ctx, mac)
	if err != nil {
		return Queue{}, 0, fmt.Errorf("load queue: %w", err)
	}
	d, _ := settings.Rates.Convert(q.TotalCoins)
	return q, d, nil
}

// Drain removes the queue and returns the purchased time and its validity window.
func (a *Arbiter) Drain(ctx context.Context, settings config.Settings, mac string) (Queue, time.Duration, time.Duration, error) {
	q, err := a.store.DrainQueue(ctx, mac)
	if err != nil {
		return Queue{}, 0, 0, fmt.Errorf("drain queue: %w", err)
	}
	d, v := settings.Rates.Convert(q.TotalCoins)
	return q, d, v, nil
}
