// Package slottest checks that a slot.Store honours the atomic ownership contract the
// arbiter relies on. Backends run the same suite against their own storage.
package slottest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotspotd/services/slot"
)

const (
	holder = "AA:AA:AA:AA:AA:01"
	other  = "BB:BB:BB:BB:BB:02"

	timeout = 5 * time.Minute
)

// RunStoreTests runs the contract suite. newStore must return an empty store for every call.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) slot.Store) {
	t.Helper()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const claimants = 16
		var (
			wins   atomic.Int32
			winner atomic.Value
			wg     sync.WaitGroup
		)
		for i := range claimants {
			wg.Add(1)
			go func(requester string) {
				defer wg.Done()
				ok, err := s.ClaimSlot(ctx, requester, base, base.Add(-timeout))
				if !assert.NoError(t, err) || !ok {
					return
				}
				wins.Add(1)
				winner.Store(requester)
			}(fmt.Sprintf("CC:CC:CC:CC:CC:%02X", i))
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
		got, err := s.GetSlot(ctx)
		require.NoError(t, err)
		assert.Equal(t, winner.Load(), got.HolderID)
	})

	t.Run("holder reclaims and stale slot is taken over", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.ClaimSlot(ctx, holder, base, base.Add(-timeout))
		require.NoError(t, err)
		require.True(t, ok)

		later := base.Add(time.Minute)
		ok, err = s.ClaimSlot(ctx, other, later, later.Add(-timeout))
		require.NoError(t, err)
		assert.False(t, ok, "fresh slot must stay with its holder")

		ok, err = s.ClaimSlot(ctx, holder, later, later.Add(-timeout))
		require.NoError(t, err)
		assert.True(t, ok)

		stale := later.Add(timeout + time.Second)
		ok, err = s.ClaimSlot(ctx, other, stale, stale.Add(-timeout))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetSlot(ctx)
		require.NoError(t, err)
		assert.Equal(t, other, got.HolderID)
		assert.True(t, got.LastUpdated.Equal(stale))
	})

	t.Run("touch and release only for the holder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ClaimSlot(ctx, holder, base, base.Add(-timeout))
		require.NoError(t, err)

		ok, err := s.TouchSlot(ctx, other, base.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.TouchSlot(ctx, holder, base.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ReleaseSlot(ctx, other)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.ReleaseSlot(ctx, holder)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetSlot(ctx)
		require.NoError(t, err)
		assert.Empty(t, got.HolderID)
	})

	t.Run("coins credit only a fresh holder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ClaimSlot(ctx, holder, base, base.Add(-timeout))
		require.NoError(t, err)

		ok, err := s.CreditCoins(ctx, credit(other, base, 5))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CreditCoins(ctx, credit(holder, base.Add(timeout+time.Second), 5))
		require.NoError(t, err)
		assert.False(t, ok, "stale holder must not be credited")

		ok, err = s.CreditCoins(ctx, credit(holder, base, 5))
		require.NoError(t, err)
		assert.True(t, ok)

		q, err := s.GetQueue(ctx, holder)
		require.NoError(t, err)
		assert.Equal(t, 5, q.TotalCoins)

		q, err = s.GetQueue(ctx, other)
		require.NoError(t, err)
		assert.Zero(t, q.TotalCoins)
	})

	t.Run("concurrent credits add up and drain empties", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ClaimSlot(ctx, holder, base, base.Add(-timeout))
		require.NoError(t, err)

		const coins = 10
		var wg sync.WaitGroup
		for range coins {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CreditCoins(ctx, credit(holder, base, 1))
				assert.NoError(t, err)
				assert.True(t, ok)
			}()
		}
		wg.Wait()

		drained, err := s.DrainQueue(ctx, holder)
		require.NoError(t, err)
		assert.Equal(t, coins, drained.TotalCoins)

		again, err := s.DrainQueue(ctx, holder)
		require.NoError(t, err)
		assert.Zero(t, again.TotalCoins)
	})
}

// credit builds a one-denomination credit as the arbiter would at now.
func credit(requester string, now time.Time, coins int) slot.Credit {
	return slot.Credit{
		Requester:   requester,
		Coins:       coins,
		StaleBefore: now.Add(-timeout),
		Entry: slot.LedgerEntry{
			Client:       requester,
			Denomination: coins,
			SlotNo:       slot.Number,
			CreatedAt:    now,
		},
	}
}
