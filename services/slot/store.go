package slot

import (
	"context"
	"time"
)

// Slot is the singleton ownership record of the coin acceptor.
type Slot struct {
	HolderID    string
	LastUpdated time.Time
}

// Held reports whether the slot has a holder whose countdown is still fresh at staleBefore.
func (s Slot) Held(staleBefore time.Time) bool {
	return s.HolderID != "" && !s.LastUpdated.Before(staleBefore)
}

// Queue is the unconverted credit accumulated by one MAC.
type Queue struct {
	MAC        string
	TotalCoins int
	UpdatedAt  time.Time
}

// LedgerEntry audits one accepted coin.
type LedgerEntry struct {
	Client       string
	Denomination int
	SlotNo       int
	CreatedAt    time.Time
}

// Credit describes a coin to credit to the requester, provided it still holds a fresh slot.
type Credit struct {
	Requester   string
	Coins       int
	StaleBefore time.Time
	Entry       LedgerEntry
}

// Store is the atomic persistence contract of the arbiter. Every method that decides
// ownership must do so in a single conditional write so racing requesters cannot both win.
type Store interface {
	// ClaimSlot sets holder=requester, last_updated=now when the slot is free, already held
	// by requester, or last updated before staleBefore.
	ClaimSlot(ctx context.Context, requester string, now, staleBefore time.Time) (bool, error)
	// TouchSlot sets last_updated when requester is the holder.
	TouchSlot(ctx context.Context, requester string, lastUpdated time.Time) (bool, error)
	// ReleaseSlot clears the holder when requester holds the slot.
	ReleaseSlot(ctx context.Context, requester string) (bool, error)
	GetSlot(ctx context.Context) (Slot, error)

	// CreditCoins adds coins to the requester's queue and appends the ledger entry, only while
	// the requester holds a fresh slot.
	CreditCoins(ctx context.Context, c Credit) (bool, error)
	// GetQueue returns the requester's queue, zero valued when there is none.
	GetQueue(ctx context.Context, mac string) (Queue, error)
	// DrainQueue removes and returns the queue.
	DrainQueue(ctx context.Context, mac string) (Queue, error)
}
