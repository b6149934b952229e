package store

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"hotspotd/services/audit"
	"hotspotd/services/voucher"
)

// CreateVoucher inserts v and reports a conflict when the code is taken.
func (s *Store) CreateVoucher(ctx context.Context, v voucher.Voucher) error {
	row := voucherToRow(v)
	if err := s.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return translate(err, "voucher %s", v.Code)
	}
	return nil
}

func (s *Store) GetVoucher(ctx context.Context, code string) (voucher.Voucher, error) {
	var row voucherRow
	if err := s.orm.WithContext(ctx).First(&row, "code = ?", code).Error; err != nil {
		return voucher.Voucher{}, translate(err, "voucher %s", code)
	}
	return voucherFromRow(row), nil
}

func (s *Store) UpdateVoucher(ctx context.Context, code string, fn func(*voucher.Voucher) error) (voucher.Voucher, error) {
	var out voucher.Voucher
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row voucherRow
		if err := tx.Clauses(forUpdate).First(&row, "code = ?", code).Error; err != nil {
			return translate(err, "voucher %s", code)
		}
		v := voucherFromRow(row)
		if err := fn(&v); err != nil {
			return err
		}
		v.Code = code
		next := voucherToRow(v)
		if err := tx.Save(&next).Error; err != nil {
			return translate(err, "voucher %s", code)
		}
		out = v
		return nil
	})
	return out, err
}

func (s *Store) ListVouchers(ctx context.Context, status voucher.Status) ([]voucher.Voucher, error) {
	q := s.orm.WithContext(ctx).Order("created_at")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var rows []voucherRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "list vouchers")
	}
	out := make([]voucher.Voucher, 0, len(rows))
	for _, r := range rows {
		out = append(out, voucherFromRow(r))
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, r audit.Record) error {
	at := r.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := auditRow{
		Actor:   r.Actor,
		Action:  r.Action,
		Obj:     r.Object,
		Details: datatypes.JSONMap(r.Details),
		At:      at,
	}
	if err := s.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return translate(err, "append audit %s", r.Action)
	}
	return nil
}
