package memstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"hotspotd/pkg/apperr"
	"hotspotd/services/audit"
	"hotspotd/services/voucher"
)

func (s *Store) CreateVoucher(_ context.Context, v voucher.Voucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vouchers[v.Code]; ok {
		return fmt.Errorf("%w: voucher %s exists", apperr.ErrConflict, v.Code)
	}
	s.vouchers[v.Code] = v
	return nil
}

func (s *Store) GetVoucher(_ context.Context, code string) (voucher.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return voucher.Voucher{}, fmt.Errorf("%w: voucher %s", apperr.ErrNotFound, code)
	}
	return v, nil
}

func (s *Store) UpdateVoucher(_ context.Context, code string, fn func(*voucher.Voucher) error) (voucher.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return voucher.Voucher{}, fmt.Errorf("%w: voucher %s", apperr.ErrNotFound, code)
	}
	if err := fn(&v); err != nil {
		return voucher.Voucher{}, err
	}
	s.vouchers[code] = v
	return v, nil
}

func (s *Store) ListVouchers(_ context.Context, status voucher.Status) ([]voucher.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []voucher.Voucher
	for _, v := range s.vouchers {
		if status == "" || v.Status == status {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b voucher.Voucher) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) AppendAudit(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuditID++
	r.ID = s.nextAuditID
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	s.audit = append(s.audit, r)
	return nil
}

// Audit returns a copy of the audit trail.
func (s *Store) Audit() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit)
}
