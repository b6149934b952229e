package store

import (
	"context"
	"fmt"
	"time"

	"hotspotd/pkg/db"
	"hotspotd/services/sharing"
)

func (s *Store) AppendObservation(ctx context.Context, o sharing.Observation) error {
	row := observationRow(o)
	row.ID = 0
	if err := s.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return translate(err, "append observation for %s", o.MAC)
	}
	return nil
}

func (s *Store) CountSuspicious(ctx context.Context, subject string, since time.Time) (int, error) {
	var n int
	err := db.Get(ctx, s.pool, &n, `
SELECT count(*) FROM traffic_observations
WHERE subject = $1 AND suspicious AND observed_at >= $2
`, subject, since)
	if err != nil {
		return 0, fmt.Errorf("count suspicious observations for %s: %w", subject, err)
	}
	return n, nil
}

// ObservationsBefore returns up to limit observations older than before, oldest first.
func (s *Store) ObservationsBefore(ctx context.Context, before time.Time, limit int) ([]sharing.Observation, error) {
	var rows []observationRow
	err := db.Select(ctx, s.pool, &rows, `
SELECT id, mac, subject, ttl, expected_ttl, deviation, suspicious, observed_at
FROM traffic_observations
WHERE observed_at < $1
ORDER BY id
LIMIT $2
`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("select observations: %w", err)
	}
	out := make([]sharing.Observation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

// DeleteObservations removes observations older than before with an ID up to throughID.
func (s *Store) DeleteObservations(ctx context.Context, before time.Time, throughID int64) (int, error) {
	tag, err := db.Exec(ctx, s.pool, `
DELETE FROM traffic_observations WHERE observed_at < $1 AND id <= $2
`, before, throughID)
	if err != nil {
		return 0, fmt.Errorf("delete observations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
