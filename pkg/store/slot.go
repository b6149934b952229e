package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"hotspotd/pkg/db"
	"hotspotd/services/slot"
)

// slotID is the single acceptor row seeded by the initial migration.
const slotID = 1

func (s *Store) ClaimSlot(ctx context.Context, requester string, now, staleBefore time.Time) (bool, error) {
	tag, err := db.Exec(ctx, s.pool, `
UPDATE slots SET holder_id = $2, last_updated = $3
WHERE id = $1
  AND (holder_id IS NULL OR holder_id = $2 OR last_updated IS NULL OR last_updated < $4)
`, slotID, requester, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) TouchSlot(ctx context.Context, requester string, lastUpdated time.Time) (bool, error) {
	tag, err := db.Exec(ctx, s.pool, `
UPDATE slots SET last_updated = $3 WHERE id = $1 AND holder_id = $2
`, slotID, requester, lastUpdated)
	if err != nil {
		return false, fmt.Errorf("touch slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseSlot(ctx context.Context, requester string) (bool, error) {
	tag, err := db.Exec(ctx, s.pool, `
UPDATE slots SET holder_id = NULL, last_updated = NULL WHERE id = $1 AND holder_id = $2
`, slotID, requester)
	if err != nil {
		return false, fmt.Errorf("release slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetSlot(ctx context.Context) (slot.Slot, error) {
	var row struct {
		HolderID    *string    `db:"holder_id"`
		LastUpdated *time.Time `db:"last_updated"`
	}
	if err := db.Get(ctx, s.pool, &row, `SELECT holder_id, last_updated FROM slots WHERE id = $1`, slotID); err != nil {
		return slot.Slot{}, translate(err, "slot")
	}
	var out slot.Slot
	if row.HolderID != nil {
		out.HolderID = *row.HolderID
	}
	if row.LastUpdated != nil {
		out.LastUpdated = *row.LastUpdated
	}
	return out, nil
}

// CreditCoins holds the slot row lock while the queue and ledger are written, so a coin
// can only land for the requester that still owns a fresh slot.
func (s *Store) CreditCoins(ctx context.Context, c slot.Credit) (bool, error) {
	credited := false
	err := db.WithTimeout(ctx, db.DefaultTimeout, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var held int
			err := tx.QueryRow(ctx, `
SELECT 1 FROM slots WHERE id = $1 AND holder_id = $2 AND last_updated >= $3 FOR UPDATE
`, slotID, c.Requester, c.StaleBefore).Scan(&held)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, `
INSERT INTO coin_credit_queues (mac, total_coins, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (mac) DO UPDATE
SET total_coins = coin_credit_queues.total_coins + EXCLUDED.total_coins,
    updated_at = EXCLUDED.updated_at
`, c.Requester, c.Coins, c.Entry.CreatedAt); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
INSERT INTO coin_ledger (client, denomination, slot_no, created_at) VALUES ($1, $2, $3, $4)
`, c.Entry.Client, c.Entry.Denomination, c.Entry.SlotNo, c.Entry.CreatedAt); err != nil {
				return err
			}
			credited = true
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("credit coins for %s: %w", c.Requester, err)
	}
	return credited, nil
}

type queueRow struct {
	MAC        string    `db:"mac"`
	TotalCoins int       `db:"total_coins"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (s *Store) GetQueue(ctx context.Context, mac string) (slot.Queue, error) {
	var row queueRow
	err := db.Get(ctx, s.pool, &row, `SELECT mac, total_coins, updated_at FROM coin_credit_queues WHERE mac = $1`, mac)
	if pgxscan.NotFound(err) {
		return slot.Queue{MAC: mac}, nil
	}
	if err != nil {
		return slot.Queue{}, fmt.Errorf("load credit queue %s: %w", mac, err)
	}
	return slot.Queue(row), nil
}

// DrainQueue deletes the queue and returns what it held in one statement.
func (s *Store) DrainQueue(ctx context.Context, mac string) (slot.Queue, error) {
	var row queueRow
	err := db.Get(ctx, s.pool, &row, `
DELETE FROM coin_credit_queues WHERE mac = $1 RETURNING mac, total_coins, updated_at
`, mac)
	if pgxscan.NotFound(err) {
		return slot.Queue{MAC: mac}, nil
	}
	if err != nil {
		return slot.Queue{}, fmt.Errorf("drain credit queue %s: %w", mac, err)
	}
	return slot.Queue(row), nil
}
