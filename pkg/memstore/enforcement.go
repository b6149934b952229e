package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"hotspotd/pkg/apperr"
	"hotspotd/services/enforcement"
)

func (s *Store) GetRule(_ context.Context, mac string, t enforcement.RuleType) (enforcement.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleKey{mac, t}]
	if !ok {
		return enforcement.Rule{}, fmt.Errorf("%w: %s rule for %s", apperr.ErrNotFound, t, mac)
	}
	return r, nil
}

func (s *Store) UpdateRule(_ context.Context, mac string, t enforcement.RuleType, fn func(*enforcement.Rule, bool) error) (enforcement.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleKey{mac, t}
	r, exists := s.rules[key]
	if !exists {
		r = enforcement.Rule{MAC: mac, Type: t}
	}
	if err := fn(&r, exists); err != nil {
		return enforcement.Rule{}, err
	}
	r.MAC, r.Type = mac, t
	s.rules[key] = r
	return r, nil
}

// ListRules returns the rules on mac, or every rule when mac is empty.
func (s *Store) ListRules(_ context.Context, mac string) ([]enforcement.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []enforcement.Rule
	for _, r := range s.rules {
		if mac == "" || r.MAC == mac {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b enforcement.Rule) int {
		if c := strings.Compare(a.MAC, b.MAC); c != 0 {
			return c
		}
		return strings.Compare(string(a.Type), string(b.Type))
	})
	return out, nil
}

func (s *Store) GetBlock(_ context.Context, mac string) (enforcement.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[mac]
	if !ok {
		return enforcement.Block{}, fmt.Errorf("%w: block for %s", apperr.ErrNotFound, mac)
	}
	return b, nil
}

func (s *Store) SaveBlock(_ context.Context, b enforcement.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.MAC] = b
	return nil
}

func (s *Store) ListBlocks(context.Context) ([]enforcement.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]enforcement.Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b enforcement.Block) int { return strings.Compare(a.MAC, b.MAC) })
	return out, nil
}

func (s *Store) UpsertConnection(_ context.Context, c enforcement.ConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := connKey{c.MAC, c.SessionID}
	if prev, ok := s.connections[key]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	s.connections[key] = c
	return nil
}

func (s *Store) CountLiveConnections(_ context.Context, subject string, activeSince time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.connections {
		if c.Subject == subject && c.Active && c.LastActivity.After(activeSince) {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeactivateConnections(_ context.Context, mac string, sessionIDs ...string) (int, error) {
	return s.deactivate(func(c enforcement.ConnectionRecord) bool {
		return c.MAC == mac && (len(sessionIDs) == 0 || slices.Contains(sessionIDs, c.SessionID))
	}), nil
}

func (s *Store) DeactivateIdleConnections(_ context.Context, before time.Time) (int, error) {
	return s.deactivate(func(c enforcement.ConnectionRecord) bool { return c.LastActivity.Before(before) }), nil
}

func (s *Store) deactivate(match func(enforcement.ConnectionRecord) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, c := range s.connections {
		if !c.Active || !match(c) {
			continue
		}
		c.Active = false
		s.connections[key] = c
		n++
	}
	return n
}

func (s *Store) PurgeConnections(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, c := range s.connections {
		if !c.Active && c.LastActivity.Before(before) {
			delete(s.connections, key)
			n++
		}
	}
	return n, nil
}

// Connections returns every stored connection record of mac, active or not.
func (s *Store) Connections(mac string) []enforcement.ConnectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []enforcement.ConnectionRecord
	for _, c := range s.connections {
		if c.MAC == mac {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b enforcement.ConnectionRecord) int { return strings.Compare(a.SessionID, b.SessionID) })
	return out
}
