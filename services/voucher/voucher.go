// Package voucher issues and redeems prepaid access codes.
package voucher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hotspotd/pkg/apperr"
	"hotspotd/pkg/config"
)

type Status string

const (
	StatusUnused  Status = "unused"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

var (
	ErrUnknown  = fmt.Errorf("%w: voucher does not exist", apperr.ErrNotFound)
	ErrUsed     = fmt.Errorf("%w: voucher already used", apperr.ErrConflict)
	ErrExpired  = fmt.Errorf("%w: voucher expired", apperr.ErrExpired)
	ErrDisabled = fmt.Errorf("%w: vouchers are disabled", apperr.ErrValidation)
)

type Voucher struct {
	Code      string
	Status    Status
	Client    string
	TimeValue time.Duration
	Validity  time.Duration
	CreatedAt time.Time
	UsedAt    *time.Time
}

// RedeemableAt reports whether v is unused and still inside its lifetime.
func (v Voucher) RedeemableAt(now time.Time, lifetime time.Duration) bool {
	return v.Status == StatusUnused && !now.After(v.CreatedAt.Add(lifetime))
}

// Normalize trims and upper-cases a code typed by a user.
func Normalize(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < config.MinVoucherCodeLength {
		return "", fmt.Errorf("%w: voucher code must be at least %d characters", apperr.ErrValidation, config.MinVoucherCodeLength)
	}
	for _, r := range code {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "", fmt.Errorf("%w: voucher code has invalid character %q", apperr.ErrValidation, r)
		}
	}
	return code, nil
}

// Generator produces candidate voucher codes.
type Generator interface {
	Generate(length int) (string, error)
}

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomGenerator draws codes from crypto/rand.
type RandomGenerator struct{}

func (RandomGenerator) Generate(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	limit := big.NewInt(int64(len(alphabet)))
	for range length {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Repository persists vouchers. CreateVoucher fails with apperr.ErrConflict on a duplicate code.
type Repository interface {
	CreateVoucher(ctx context.Context, v Voucher) error
	GetVoucher(ctx context.Context, code string) (Voucher, error)
	UpdateVoucher(ctx context.Context, code string, fn func(*Voucher) error) (Voucher, error)
	ListVouchers(ctx context.Context, status Status) ([]Voucher, error)
}

const issueAttempts = 5

type Book struct {
	repo   Repository
	gen    Generator
	logger zerolog.Logger
	now    func() time.Time
}

func NewBook(repo Repository, gen Generator, logger zerolog.Logger, now func() time.Time) (*Book, error) {
	if repo == nil {
		return nil, errors.New("voucher repository is required")
	}
	if gen == nil {
		gen = RandomGenerator{}
	}
	if now == nil {
		now = time.Now
	}
	return &Book{repo: repo, gen: gen, logger: logger, now: now}, nil
}

// Redemption is a voucher just marked used, remembering its state before redemption so
// Restore can hand it back when the time could not be credited.
type Redemption struct {
	Voucher
	prior Voucher
}

// Redeem marks the voucher used by mac. A voucher found past its lifetime is stored expired.
func (b *Book) Redeem(ctx context.Context, settings config.Settings, code, mac string) (Redemption, error) {
	if !settings.Voucher.Enabled {
		return Redemption{}, ErrDisabled
	}
	code, err := Normalize(code)
	if err != nil {
		return Redemption{}, err
	}

	now := b.now()
	var (
		lapsed bool
		prior  Voucher
	)
	v, err := b.repo.UpdateVoucher(ctx, code, func(v *Voucher) error {
		prior = *v
		switch v.Status {
		case StatusUsed:
			return ErrUsed
		case StatusExpired:
			return ErrExpired
		}
		if !v.RedeemableAt(now, settings.Voucher.Lifetime) {
			v.Status = StatusExpired
			lapsed = true
			return nil
		}
		v.Status = StatusUsed
		v.Client = mac
		v.UsedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Redemption{}, ErrUnknown
		}
		return Redemption{}, err
	}
	if lapsed {
		return Redemption{Voucher: v}, ErrExpired
	}
	b.logger.Info().Str("code", code).Str("mac", mac).Dur("time_value", v.TimeValue).Msg("voucher redeemed")
	return Redemption{Voucher: v, prior: prior}, nil
}

// Restore returns a redeemed voucher to its unused state. It refuses when the voucher has
// changed since r was taken.
func (b *Book) Restore(ctx context.Context, r Redemption) error {
	if r.prior.Code == "" {
		return fmt.Errorf("%w: nothing to restore for %s", apperr.ErrValidation, r.Code)
	}
	_, err := b.repo.UpdateVoucher(ctx, r.Code, func(v *Voucher) error {
		if v.Status != StatusUsed || v.Client != r.Client {
			return fmt.Errorf("%w: voucher %s changed since redemption", apperr.ErrConflict, r.Code)
		}
		v.Status = r.prior.Status
		v.Client = r.prior.Client
		v.UsedAt = r.prior.UsedAt
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore voucher %s: %w", r.Code, err)
	}
	b.logger.Info().Str("code", r.Code).Str("mac", r.Client).Msg("voucher restored")
	return nil
}

// Issue creates an unused voucher worth timeValue, retrying on code collisions.
func (b *Book) Issue(ctx context.Context, settings config.Settings, client string, timeValue, validity time.Duration) (Voucher, error) {
	if !settings.Voucher.Enabled {
		return Voucher{}, ErrDisabled
	}
	if timeValue <= 0 {
		return Voucher{}, fmt.Errorf("%w: voucher time value must be positive", apperr.ErrValidation)
	}

	length := max(settings.Voucher.CodeLength, config.MinVoucherCodeLength)
	for attempt := 1; attempt <= issueAttempts; attempt++ {
		code, err := b.gen.Generate(length)
		if err != nil {
			return Voucher{}, fmt.Errorf("generate voucher code: %w", err)
		}
		v := Voucher{
			Code:      code,
			Status:    StatusUnused,
			Client:    client,
			TimeValue: timeValue,
			Validity:  validity,
			CreatedAt: b.now(),
		}
		err = b.repo.CreateVoucher(ctx, v)
		if err == nil {
			b.logger.Info().Str("code", code).Str("client", client).Dur("time_value", timeValue).Msg("voucher issued")
			return v, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return Voucher{}, fmt.Errorf("store voucher: %w", err)
		}
		b.logger.Debug().Int("attempt", attempt).Msg("voucher code collision")
	}
	return Voucher{}, fmt.Errorf("%w: no free voucher code after %d attempts", apperr.ErrConflict, issueAttempts)
}

// ExpireStale marks unused vouchers past their lifetime expired.
func (b *Book) ExpireStale(ctx context.Context, settings config.Settings) (int, error) {
	unused, err := b.repo.ListVouchers(ctx, StatusUnused)
	if err != nil {
		return 0, fmt.Errorf("list vouchers: %w", err)
	}
	now := b.now()
	var n int
	for _, v := range unused {
		if v.RedeemableAt(now, settings.Voucher.Lifetime) {
			continue
		}
		if _, err := b.repo.UpdateVoucher(ctx, v.Code, func(v *Voucher) error {
			v.Status = StatusExpired
			return nil
		}); err != nil {
			return n, fmt.Errorf("expire voucher: %w", err)
		}
		n++
	}
	return n, nil
}
