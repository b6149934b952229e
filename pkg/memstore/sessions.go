package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"hotspotd/pkg/apperr"
	"hotspotd/services/identity"
	"hotspotd/services/session"
)

func (s *Store) GetSession(_ context.Context, mac string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[mac]
	if !ok {
		return session.Session{}, fmt.Errorf("%w: session %s", apperr.ErrNotFound, mac)
	}
	return sess, nil
}

func (s *Store) UpdateSession(_ context.Context, mac string, create bool, fn func(*session.Session) error) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[mac]
	if !ok {
		if !create {
			return session.Session{}, fmt.Errorf("%w: session %s", apperr.ErrNotFound, mac)
		}
		sess = session.Session{MAC: mac}
	}
	if err := fn(&sess); err != nil {
		return sess, err
	}
	s.sessions[mac] = sess
	return sess, nil
}

func (s *Store) DeleteSession(_ context.Context, mac string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[mac]; !ok {
		return fmt.Errorf("%w: session %s", apperr.ErrNotFound, mac)
	}
	delete(s.sessions, mac)
	return nil
}

func (s *Store) ListSessions(context.Context) ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	slices.SortFunc(out, func(a, b session.Session) int { return strings.Compare(a.MAC, b.MAC) })
	return out, nil
}

func (s *Store) GetFingerprint(_ context.Context, id string) (identity.Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.fingerprints[id]
	if !ok {
		return identity.Fingerprint{}, fmt.Errorf("%w: fingerprint %s", apperr.ErrNotFound, id)
	}
	return cloneFingerprint(fp), nil
}

func (s *Store) FindFingerprintByMAC(_ context.Context, mac string) (identity.Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *identity.Fingerprint
	for _, fp := range s.fingerprints {
		if !fp.Knows(mac) {
			continue
		}
		if found == nil || betterOwner(fp, *found, mac) {
			fp := fp
			found = &fp
		}
	}
	if found == nil {
		return identity.Fingerprint{}, fmt.Errorf("%w: no fingerprint for %s", apperr.ErrNotFound, mac)
	}
	return cloneFingerprint(*found), nil
}

func (s *Store) UpdateFingerprint(_ context.Context, id string, create bool, fn func(*identity.Fingerprint) error) (identity.Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.fingerprints[id]
	if !ok {
		if !create {
			return identity.Fingerprint{}, fmt.Errorf("%w: fingerprint %s", apperr.ErrNotFound, id)
		}
		fp = identity.Fingerprint{ID: id}
	}
	fp = cloneFingerprint(fp)
	if err := fn(&fp); err != nil {
		return identity.Fingerprint{}, err
	}
	s.fingerprints[id] = fp
	return cloneFingerprint(fp), nil
}

// betterOwner prefers the fingerprint currently using mac, then the most recently seen one.
func betterOwner(a, b identity.Fingerprint, mac string) bool {
	aCurrent, bCurrent := a.CurrentMAC == mac, b.CurrentMAC == mac
	if aCurrent != bCurrent {
		return aCurrent
	}
	return a.LastSeenAt.After(b.LastSeenAt)
}

func cloneFingerprint(fp identity.Fingerprint) identity.Fingerprint {
	fp.KnownMACs = slices.Clone(fp.KnownMACs)
	return fp
}
