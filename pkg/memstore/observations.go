package memstore

import (
	"context"
	"time"

	"hotspotd/services/sharing"
)

func (s *Store) AppendObservation(_ context.Context, o sharing.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObsID++
	o.ID = s.nextObsID
	s.observations = append(s.observations, o)
	return nil
}

func (s *Store) CountSuspicious(_ context.Context, subject string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.observations {
		if o.Suspicious && o.Subject == subject && !o.ObservedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ObservationsBefore returns up to limit observations older than before, oldest first.
func (s *Store) ObservationsBefore(_ context.Context, before time.Time, limit int) ([]sharing.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sharing.Observation
	for _, o := range s.observations {
		if len(out) == limit {
			break
		}
		if o.ObservedAt.Before(before) {
			out = append(out, o)
		}
	}
	return out, nil
}

// DeleteObservations removes observations older than before with an ID up to throughID.
func (s *Store) DeleteObservations(_ context.Context, before time.Time, throughID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.observations[:0]
	n := 0
	for _, o := range s.observations {
		if o.ID <= throughID && o.ObservedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, o)
	}
	s.observations = kept
	return n, nil
}
