package voucher_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotspotd/pkg/apperr"
	"hotspotd/pkg/config"
	"hotspotd/pkg/memstore"
	"hotspotd/services/voucher"
)

type sequenceGenerator struct {
	codes []string
}

func (g *sequenceGenerator) Generate(int) (string, error) {
	code := g.codes[0]
	g.codes = g.codes[1:]
	return code, nil
}

func newBook(t *testing.T, gen voucher.Generator, now *time.Time) *voucher.Book {
	t.Helper()
	b, err := voucher.NewBook(memstore.New(), gen, zerolog.Nop(), func() time.Time { return *now })
	require.NoError(t, err)
	return b
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: " abc123 ", want: "ABC123"},
		{in: "XYZ9870", want: "XYZ9870"},
		{in: "abc", wantErr: true},
		{in: "abc-123", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := voucher.Normalize(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, apperr.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRandomGenerator(t *testing.T) {
	code, err := voucher.RandomGenerator{}.Generate(8)
	require.NoError(t, err)
	assert.Len(t, code, 8)
	_, err = voucher.Normalize(code)
	assert.NoError(t, err)
}

func TestIssueAndRedeem(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	settings := config.Defaults()
	b := newBook(t, &sequenceGenerator{codes: []string{"AAAAAA", "AAAAAA", "BBBBBB"}}, &now)
	ctx := context.Background()

	first, err := b.Issue(ctx, settings, "AA:BB:CC:DD:EE:01", time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.Code)

	second, err := b.Issue(ctx, settings, "AA:BB:CC:DD:EE:01", 10*time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", second.Code, "collision must be retried")

	v, err := b.Redeem(ctx, settings, "aaaaaa", "AA:BB:CC:DD:EE:02")
	require.NoError(t, err)
	assert.Equal(t, voucher.StatusUsed, v.Status)
	assert.Equal(t, time.Hour, v.TimeValue)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", v.Client)

	_, err = b.Redeem(ctx, settings, "AAAAAA", "AA:BB:CC:DD:EE:03")
	assert.ErrorIs(t, err, voucher.ErrUsed)

	_, err = b.Redeem(ctx, settings, "CCCCCC", "AA:BB:CC:DD:EE:03")
	assert.ErrorIs(t, err, voucher.ErrUnknown)
}

func TestRedeemExpiredVoucher(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	settings := config.Defaults()
	store := memstore.New()
	b, err := voucher.NewBook(store, &sequenceGenerator{codes: []string{"OLD001"}}, zerolog.Nop(), func() time.Time { return now })
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Issue(ctx, settings, "", time.Hour, 0)
	require.NoError(t, err)

	now = now.Add(settings.Voucher.Lifetime + time.Second)
	_, err = b.Redeem(ctx, settings, "OLD001", "AA:BB:CC:DD:EE:01")
	assert.ErrorIs(t, err, voucher.ErrExpired)

	stored, err := store.GetVoucher(ctx, "OLD001")
	require.NoError(t, err)
	assert.Equal(t, voucher.StatusExpired, stored.Status)
}

func TestExpireStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	settings := config.Defaults()
	b := newBook(t, &sequenceGenerator{codes: []string{"AAAAAA", "BBBBBB"}}, &now)
	ctx := context.Background()

	_, err := b.Issue(ctx, settings, "", time.Hour, 0)
	require.NoError(t, err)
	now = now.Add(settings.Voucher.Lifetime)
	_, err = b.Issue(ctx, settings, "", time.Hour, 0)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	n, err := b.ExpireStale(ctx, settings)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVouchersDisabled(t *testing.T) {
	now := time.Now()
	settings := config.Defaults()
	settings.Voucher.Enabled = false
	b := newBook(t, nil, &now)

	_, err := b.Redeem(context.Background(), settings, "AAAAAA", "AA:BB:CC:DD:EE:01")
	assert.ErrorIs(t, err, voucher.ErrDisabled)
	_, err = b.Issue(context.Background(), settings, "", time.Hour, 0)
	assert.ErrorIs(t, err, voucher.ErrDisabled)
}

func TestRestore(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	settings := config.Defaults()
	store := memstore.New()
	b, err := voucher.NewBook(store, &sequenceGenerator{codes: []string{"UNDO01"}}, zerolog.Nop(), func() time.Time { return now })
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Issue(ctx, settings, "AA:BB:CC:DD:EE:01", time.Hour, 0)
	require.NoError(t, err)

	r, err := b.Redeem(ctx, settings, "UNDO01", "AA:BB:CC:DD:EE:02")
	require.NoError(t, err)
	require.NoError(t, b.Restore(ctx, r))

	stored, err := store.GetVoucher(ctx, "UNDO01")
	require.NoError(t, err)
	assert.Equal(t, voucher.StatusUnused, stored.Status)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", stored.Client)
	assert.Nil(t, stored.UsedAt)

	again, err := b.Redeem(ctx, settings, "UNDO01", "AA:BB:CC:DD:EE:03")
	require.NoError(t, err)
	assert.ErrorIs(t, b.Restore(ctx, r), apperr.ErrConflict, "a stale redemption must not undo a newer one")
	assert.Equal(t, "AA:BB:CC:DD:EE:03", again.Client)

	assert.ErrorIs(t, b.Restore(ctx, voucher.Redemption{}), apperr.ErrValidation)
}
