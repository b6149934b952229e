package slot_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotspotd/pkg/apperr"
	"hotspotd/pkg/config"
	"hotspotd/pkg/memstore"
	"hotspotd/services/slot"
)

const (
	deviceA = "AA:AA:AA:AA:AA:01"
	deviceB = "BB:BB:BB:BB:BB:02"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newArbiter(t *testing.T) (*slot.Arbiter, *clock, config.Settings) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	a, err := slot.NewArbiter(memstore.New(), zerolog.Nop(), c.Now)
	require.NoError(t, err)
	return a, c, config.Defaults()
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	a, _, settings := newArbiter(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		device := deviceA
		if i%2 == 1 {
			device = deviceB
		}
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			if err := a.Claim(ctx, settings, device); err == nil {
				wins.Add(1)
			}
		}(device)
	}
	wg.Wait()

	st, err := a.Status(ctx, settings, deviceA)
	require.NoError(t, err)
	// The winner may claim repeatedly; the loser never succeeds.
	assert.GreaterOrEqual(t, wins.Load(), int32(1))
	assert.LessOrEqual(t, wins.Load(), int32(8))
	assert.Contains(t, []slot.Availability{slot.Active, slot.Busy}, st.Availability)
}

func TestClaimTwoDevicesExactlyOneSucceeds(t *testing.T) {
	a, _, settings := newArbiter(t)
	ctx := context.Background()

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, device := range []string{deviceA, deviceB} {
		wg.Add(1)
		go func(i int, device string) {
			defer wg.Done()
			<-start
			errs[i] = a.Claim(ctx, settings, device)
		}(i, device)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, slot.ErrBusy)
		require.ErrorIs(t, err, apperr.ErrConflict)
	}
	assert.Equal(t, 1, succeeded)
}

func TestStaleHolderIsReclaimed(t *testing.T) {
	a, c, settings := newArbiter(t)
	ctx := context.Background()

	require.NoError(t, a.Claim(ctx, settings, deviceA))
	require.ErrorIs(t, a.Claim(ctx, settings, deviceB), slot.ErrBusy)

	c.Advance(settings.Slot.Timeout + time.Second)
	require.NoError(t, a.Claim(ctx, settings, deviceB))

	st, err := a.Status(ctx, settings, deviceA)
	require.NoError(t, err)
	assert.Equal(t, slot.Busy, st.Availability)
}

func TestUpdateTimerTracksHolderCountdown(t *testing.T) {
	a, c, settings := newArbiter(t)
	ctx := context.Background()
	require.NoError(t, a.Claim(ctx, settings, deviceA))

	// The holder reports 10 seconds left, so it goes stale 10 seconds from now.
	released, err := a.UpdateTimer(ctx, settings, deviceA, 10, false)
	require.NoError(t, err)
	assert.False(t, released)

	c.Advance(5 * time.Second)
	require.ErrorIs(t, a.Claim(ctx, settings, deviceB), slot.ErrBusy)

	c.Advance(6 * time.Second)
	require.NoError(t, a.Claim(ctx, settings, deviceB))

	_, err = a.UpdateTimer(ctx, settings, deviceA, 30, false)
	require.ErrorIs(t, err, slot.ErrNotHolder)
}

func TestUpdateTimerExpiredReleases(t *testing.T) {
	a, _, settings := newArbiter(t)
	ctx := context.Background()
	require.NoError(t, a.Claim(ctx, settings, deviceA))

	released, err := a.UpdateTimer(ctx, settings, deviceA, 0, false)
	require.NoError(t, err)
	assert.True(t, released)

	require.NoError(t, a.Claim(ctx, settings, deviceB))
}

func TestReleaseIsIdempotent(t *testing.T) {
	a, _, settings := newArbiter(t)
	ctx := context.Background()
	require.NoError(t, a.Claim(ctx, settings, deviceA))

	require.NoError(t, a.Release(ctx, deviceB))
	require.ErrorIs(t, a.Claim(ctx, settings, deviceB), slot.ErrBusy)

	require.NoError(t, a.Release(ctx, deviceA))
	require.NoError(t, a.Release(ctx, deviceA))
	require.NoError(t, a.Claim(ctx, settings, deviceB))
}

func TestInsertCoin(t *testing.T) {
	a, c, settings := newArbiter(t)
	ctx := context.Background()

	_, err := a.InsertCoin(ctx, settings, deviceA, 5)
	require.ErrorIs(t, err, slot.ErrBusy)

	require.NoError(t, a.Claim(ctx, settings, deviceA))

	_, err = a.InsertCoin(ctx, settings, deviceA, 3)
	require.ErrorIs(t, err, slot.ErrUnknownDenomination)
	require.ErrorIs(t, err, apperr.ErrValidation)

	q, err := a.InsertCoin(ctx, settings, deviceA, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, q.TotalCoins)
	q, err = a.InsertCoin(ctx, settings, deviceA, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, q.TotalCoins)

	_, err = a.InsertCoin(ctx, settings, deviceB, 1)
	require.ErrorIs(t, err, slot.ErrBusy)

	c.Advance(settings.Slot.Timeout + time.Second)
	_, err = a.InsertCoin(ctx, settings, deviceA, 1)
	require.ErrorIs(t, err, slot.ErrBusy)

	queue, duration, validity, err := a.Drain(ctx, settings, deviceA)
	require.NoError(t, err)
	assert.Equal(t, 6, queue.TotalCoins)
	assert.Equal(t, time.Hour+10*time.Minute, duration)
	assert.Equal(t, 24*time.Hour, validity)

	queue, _, _, err = a.Drain(ctx, settings, deviceA)
	require.NoError(t, err)
	assert.Zero(t, queue.TotalCoins)
}
