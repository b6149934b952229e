package slot_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"hotspotd/pkg/memstore"
	"hotspotd/services/slot"
	"hotspotd/services/slot/slottest"
)

func TestRedisStoreContract(t *testing.T) {
	slottest.RunStoreTests(t, func(t *testing.T) slot.Store {
		srv := miniredis.RunT(t)
		s, err := slot.NewRedisStoreFromURL(context.Background(), "redis://"+srv.Addr()+"/0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisStoreLedgerStream(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := slot.NewRedisStore(client)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	stale := now.Add(-5 * time.Minute)
	ok, err := s.ClaimSlot(ctx, deviceA, now, stale)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CreditCoins(ctx, slot.Credit{
		Requester:   deviceA,
		Coins:       5,
		StaleBefore: stale,
		Entry:       slot.LedgerEntry{Client: deviceA, Denomination: 5, SlotNo: slot.Number, CreatedAt: now},
	})
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := client.XRange(ctx, "hotspot:ledger", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, deviceA, entries[0].Values["client"])
	require.Equal(t, "5", entries[0].Values["denomination"])
}

func TestMemoryStoreContract(t *testing.T) {
	slottest.RunStoreTests(t, func(*testing.T) slot.Store { return memstore.New() })
}
