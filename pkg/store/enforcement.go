package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hotspotd/pkg/db"
	"hotspotd/services/enforcement"
)

func (s *Store) GetRule(ctx context.Context, mac string, t enforcement.RuleType) (enforcement.Rule, error) {
	var row ruleRow
	err := s.orm.WithContext(ctx).First(&row, "mac = ? AND rule_type = ?", mac, string(t)).Error
	if err != nil {
		return enforcement.Rule{}, translate(err, "%s rule for %s", t, mac)
	}
	return ruleFromRow(row), nil
}

func (s *Store) UpdateRule(ctx context.Context, mac string, t enforcement.RuleType, fn func(*enforcement.Rule, bool) error) (enforcement.Rule, error) {
	var out enforcement.Rule
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ruleRow
		err := tx.Clauses(forUpdate).First(&row, "mac = ? AND rule_type = ?", mac, string(t)).Error
		exists := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return translate(err, "load %s rule for %s", t, mac)
		}

		rule := enforcement.Rule{MAC: mac, Type: t}
		if exists {
			rule = ruleFromRow(row)
		}
		if err := fn(&rule, exists); err != nil {
			return err
		}
		rule.MAC, rule.Type = mac, t
		next := ruleToRow(rule)
		if exists {
			err = tx.Save(&next).Error
		} else {
			err = tx.Create(&next).Error
		}
		if err != nil {
			return translate(err, "%s rule for %s", t, mac)
		}
		out = rule
		return nil
	})
	return out, err
}

// ListRules returns the rules on mac, or every rule when mac is empty.
func (s *Store) ListRules(ctx context.Context, mac string) ([]enforcement.Rule, error) {
	q := s.orm.WithContext(ctx).Order("mac").Order("rule_type")
	if mac != "" {
		q = q.Where("mac = ?", mac)
	}
	var rows []ruleRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "list rules")
	}
	out := make([]enforcement.Rule, 0, len(rows))
	for _, r := range rows {
		out = append(out, ruleFromRow(r))
	}
	return out, nil
}

func (s *Store) GetBlock(ctx context.Context, mac string) (enforcement.Block, error) {
	var row blockRow
	if err := s.orm.WithContext(ctx).First(&row, "mac = ?", mac).Error; err != nil {
		return enforcement.Block{}, translate(err, "block for %s", mac)
	}
	return blockFromRow(row), nil
}

func (s *Store) SaveBlock(ctx context.Context, b enforcement.Block) error {
	row := blockToRow(b)
	if err := s.orm.WithContext(ctx).Save(&row).Error; err != nil {
		return translate(err, "save block for %s", b.MAC)
	}
	return nil
}

func (s *Store) ListBlocks(ctx context.Context) ([]enforcement.Block, error) {
	var rows []blockRow
	if err := s.orm.WithContext(ctx).Order("mac").Find(&rows).Error; err != nil {
		return nil, translate(err, "list blocks")
	}
	out := make([]enforcement.Block, 0, len(rows))
	for _, r := range rows {
		out = append(out, blockFromRow(r))
	}
	return out, nil
}

// UpsertConnection refreshes an existing record in place and keeps its creation time.
func (s *Store) UpsertConnection(ctx context.Context, c enforcement.ConnectionRecord) error {
	row := connectionRow{
		MAC:               c.MAC,
		SessionID:         c.SessionID,
		Subject:           c.Subject,
		IP:                c.IP,
		TTLClassification: c.TTLClassification,
		LastActivity:      c.LastActivity,
		IsActive:          c.Active,
		CreatedAt:         c.CreatedAt,
	}
	err := s.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mac"}, {Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"subject", "ip", "ttl_classification", "last_activity", "is_active"}),
	}).Create(&row).Error
	if err != nil {
		return translate(err, "upsert connection %s/%s", c.MAC, c.SessionID)
	}
	return nil
}

func (s *Store) CountLiveConnections(ctx context.Context, subject string, activeSince time.Time) (int, error) {
	var n int
	err := db.Get(ctx, s.pool, &n, `
SELECT count(*) FROM connection_records
WHERE subject = $1 AND is_active AND last_activity > $2
`, subject, activeSince)
	if err != nil {
		return 0, fmt.Errorf("count connections for %s: %w", subject, err)
	}
	return n, nil
}

func (s *Store) DeactivateConnections(ctx context.Context, mac string, sessionIDs ...string) (int, error) {
	tag, err := db.Exec(ctx, s.pool, `
UPDATE connection_records SET is_active = false
WHERE mac = $1 AND is_active AND (coalesce(cardinality($2::text[]), 0) = 0 OR session_id = ANY($2))
`, mac, sessionIDs)
	if err != nil {
		return 0, fmt.Errorf("deactivate connections for %s: %w", mac, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeactivateIdleConnections(ctx context.Context, before time.Time) (int, error) {
	tag, err := db.Exec(ctx, s.pool, `
UPDATE connection_records SET is_active = false WHERE is_active AND last_activity < $1
`, before)
	if err != nil {
		return 0, fmt.Errorf("deactivate idle connections: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeConnections deletes inactive records whose last activity is before the cutoff.
func (s *Store) PurgeConnections(ctx context.Context, before time.Time) (int, error) {
	tag, err := db.Exec(ctx, s.pool, `
DELETE FROM connection_records WHERE NOT is_active AND last_activity < $1
`, before)
	if err != nil {
		return 0, fmt.Errorf("purge connections: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
