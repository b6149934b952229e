package memstore

import (
	"context"
	"slices"
	"time"

	"hotspotd/services/slot"
)

func (s *Store) ClaimSlot(_ context.Context, requester string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot.HolderID != requester && s.slot.Held(staleBefore) {
		return false, nil
	}
	s.slot = slot.Slot{HolderID: requester, LastUpdated: now}
	return true, nil
}

func (s *Store) TouchSlot(_ context.Context, requester string, lastUpdated time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot.HolderID != requester {
		return false, nil
	}
	s.slot.LastUpdated = lastUpdated
	return true, nil
}

func (s *Store) ReleaseSlot(_ context.Context, requester string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot.HolderID != requester {
		return false, nil
	}
	s.slot = slot.Slot{}
	return true, nil
}

func (s *Store) GetSlot(context.Context) (slot.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot, nil
}

func (s *Store) CreditCoins(_ context.Context, c slot.Credit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot.HolderID != c.Requester || !s.slot.Held(c.StaleBefore) {
		return false, nil
	}
	q := s.queues[c.Requester]
	q.MAC = c.Requester
	q.TotalCoins += c.Coins
	q.UpdatedAt = c.Entry.CreatedAt
	s.queues[c.Requester] = q
	s.ledger = append(s.ledger, c.Entry)
	return true, nil
}

func (s *Store) GetQueue(_ context.Context, mac string) (slot.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[mac]
	if !ok {
		return slot.Queue{MAC: mac}, nil
	}
	return q, nil
}

func (s *Store) DrainQueue(_ context.Context, mac string) (slot.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[mac]
	if !ok {
		return slot.Queue{MAC: mac}, nil
	}
	delete(s.queues, mac)
	return q, nil
}

// Ledger returns a copy of every accepted coin.
func (s *Store) Ledger() []slot.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ledger)
}
