package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"hotspotd/pkg/db"
	"hotspotd/services/identity"
	"hotspotd/services/session"
)

func (s *Store) GetSession(ctx context.Context, mac string) (session.Session, error) {
	var row sessionRow
	if err := s.orm.WithContext(ctx).First(&row, "mac = ?", mac).Error; err != nil {
		return session.Session{}, translate(err, "session %s", mac)
	}
	return sessionFromRow(row), nil
}

// UpdateSession locks the row for the duration of fn. A missing row starts as a Session
// carrying only its MAC and is inserted after fn succeeds; a concurrent insert surfaces
// as a conflict.
func (s *Store) UpdateSession(ctx context.Context, mac string, create bool, fn func(*session.Session) error) (session.Session, error) {
	var out session.Session
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		err := tx.Clauses(forUpdate).First(&row, "mac = ?", mac).Error
		missing := errors.Is(err, gorm.ErrRecordNotFound)
		switch {
		case missing && !create:
			return translate(err, "session %s", mac)
		case missing:
			row = sessionRow{MAC: mac}
		case err != nil:
			return translate(err, "load session %s", mac)
		}

		sess := sessionFromRow(row)
		if err := fn(&sess); err != nil {
			return err
		}
		sess.MAC = mac
		next := sessionToRow(sess)
		if missing {
			err = tx.Create(&next).Error
		} else {
			err = tx.Save(&next).Error
		}
		if err != nil {
			return translate(err, "session %s", mac)
		}
		out = sess
		return nil
	})
	return out, err
}

func (s *Store) DeleteSession(ctx context.Context, mac string) error {
	res := s.orm.WithContext(ctx).Delete(&sessionRow{}, "mac = ?", mac)
	if res.Error != nil {
		return translate(res.Error, "delete session %s", mac)
	}
	if res.RowsAffected == 0 {
		return translate(gorm.ErrRecordNotFound, "session %s", mac)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	var rows []sessionRow
	if err := s.orm.WithContext(ctx).Order("mac").Find(&rows).Error; err != nil {
		return nil, translate(err, "list sessions")
	}
	out := make([]session.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, sessionFromRow(r))
	}
	return out, nil
}

func (s *Store) GetFingerprint(ctx context.Context, id string) (identity.Fingerprint, error) {
	var row fingerprintRow
	if err := s.orm.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return identity.Fingerprint{}, translate(err, "fingerprint %s", id)
	}
	return fingerprintFromRow(row), nil
}

// FindFingerprintByMAC prefers the fingerprint currently using mac, then the most recently
// seen one. The containment test is served by the GIN index on known_macs.
func (s *Store) FindFingerprintByMAC(ctx context.Context, mac string) (identity.Fingerprint, error) {
	var row fingerprintRow
	err := db.Get(ctx, s.pool, &row, `
SELECT id, user_agent, screen_resolution, language, timezone_offset, platform, known_macs,
       current_mac, mac_randomization_detected, ttl_violations_total, connection_violations_total,
       last_violation_at, first_seen_at, last_seen_at
FROM device_fingerprints
WHERE known_macs @> jsonb_build_array($1::text)
ORDER BY (current_mac = $1) DESC, last_seen_at DESC
LIMIT 1
`, mac)
	if err != nil {
		return identity.Fingerprint{}, translate(err, "fingerprint for %s", mac)
	}
	return fingerprintFromRow(row), nil
}

func (s *Store) UpdateFingerprint(ctx context.Context, id string, create bool, fn func(*identity.Fingerprint) error) (identity.Fingerprint, error) {
	var out identity.Fingerprint
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row fingerprintRow
		err := tx.Clauses(forUpdate).First(&row, "id = ?", id).Error
		missing := errors.Is(err, gorm.ErrRecordNotFound)
		switch {
		case missing && !create:
			return translate(err, "fingerprint %s", id)
		case missing:
			row = fingerprintRow{ID: id}
		case err != nil:
			return translate(err, "load fingerprint %s", id)
		}

		fp := fingerprintFromRow(row)
		if err := fn(&fp); err != nil {
			return err
		}
		fp.ID = id
		next := fingerprintToRow(fp)
		if missing {
			err = tx.Create(&next).Error
		} else {
			err = tx.Save(&next).Error
		}
		if err != nil {
			return translate(err, "fingerprint %s", id)
		}
		out = fp
		return nil
	})
	return out, err
}
