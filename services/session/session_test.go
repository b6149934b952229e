package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotspotd/pkg/apperr"
	"hotspotd/pkg/memstore"
	"hotspotd/services/session"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestStateAt(t *testing.T) {
	tests := []struct {
		name string
		s    session.Session
		want session.State
	}{
		{"empty", session.Session{}, session.StateDisconnected},
		{"running", session.Session{ExpireOn: ptr(t0.Add(time.Minute))}, session.StateConnected},
		{"banked", session.Session{TimeLeft: time.Minute}, session.StatePaused},
		{"countdown passed with bank", session.Session{TimeLeft: time.Minute, ExpireOn: ptr(t0.Add(-time.Second))}, session.StatePaused},
		{"countdown passed", session.Session{ExpireOn: ptr(t0)}, session.StateDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.StateAt(t0))
			assert.GreaterOrEqual(t, tt.s.Remaining(t0), time.Duration(0))
		})
	}
}

func TestConnectFromEmpty(t *testing.T) {
	s := session.New("AA:BB:CC:DD:EE:FF", "10.0.0.2", t0)

	require.NoError(t, s.Connect(t0, 30*time.Minute))

	require.NotNil(t, s.ExpireOn)
	assert.Equal(t, t0.Add(30*time.Minute), *s.ExpireOn)
	assert.Zero(t, s.TimeLeft)
	assert.Equal(t, session.StateConnected, s.StateAt(t0))
}

func TestConnectWhileConnectedExtendsCountdown(t *testing.T) {
	s := session.Session{ExpireOn: ptr(t0.Add(10 * time.Minute))}

	require.NoError(t, s.Connect(t0, 20*time.Minute))

	assert.Equal(t, t0.Add(30*time.Minute), *s.ExpireOn)
	assert.Equal(t, 30*time.Minute, s.Remaining(t0))
}

func TestConnectWithoutTimeFails(t *testing.T) {
	s := session.Session{}

	err := s.Connect(t0, 0)

	require.ErrorIs(t, err, session.ErrNoTime)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Nil(t, s.ExpireOn)
}

func TestConnectAfterValidityForfeitsBank(t *testing.T) {
	s := session.Session{TimeLeft: time.Hour, ValidityExpiresOn: ptr(t0.Add(-time.Minute))}

	err := s.Connect(t0, 0)

	require.ErrorIs(t, err, session.ErrValidityExpired)
	require.ErrorIs(t, err, apperr.ErrExpired)
	assert.Zero(t, s.TimeLeft)
	assert.Nil(t, s.ExpireOn)
	assert.Nil(t, s.ValidityExpiresOn)
}

func TestDisconnectThenConnectIsLossless(t *testing.T) {
	s := session.Session{ExpireOn: ptr(t0.Add(42 * time.Minute))}
	before := s.Remaining(t0)

	require.NoError(t, s.Disconnect(t0))
	assert.Equal(t, session.StatePaused, s.StateAt(t0))
	assert.Equal(t, before, s.TimeLeft)

	require.NoError(t, s.Connect(t0, 0))
	assert.Equal(t, before, s.Remaining(t0))
}

func TestDisconnect(t *testing.T) {
	paused := session.Session{TimeLeft: time.Minute}
	require.NoError(t, paused.Disconnect(t0))
	assert.Equal(t, time.Minute, paused.TimeLeft)

	empty := session.Session{}
	require.ErrorIs(t, empty.Disconnect(t0), session.ErrNotConnected)
}

func TestPauseTwiceFails(t *testing.T) {
	s := session.Session{ExpireOn: ptr(t0.Add(5 * time.Minute))}

	require.NoError(t, s.Pause(t0))
	snapshot := s

	require.ErrorIs(t, s.Pause(t0), session.ErrNotConnected)
	assert.Equal(t, snapshot, s)
}

func TestResumeForced(t *testing.T) {
	s := session.Session{TimeLeft: 15 * time.Minute}
	require.NoError(t, s.ResumeForced(t0))
	assert.Equal(t, t0.Add(15*time.Minute), *s.ExpireOn)
	assert.Zero(t, s.TimeLeft)

	empty := session.Session{}
	require.ErrorIs(t, empty.ResumeForced(t0), session.ErrNoTime)
}

func TestApplyValidity(t *testing.T) {
	t.Run("sets window", func(t *testing.T) {
		s := session.Session{}
		s.ApplyValidity(t0, 24*time.Hour)
		assert.Equal(t, t0.Add(24*time.Hour), *s.ValidityExpiresOn)
	})
	t.Run("keeps the later deadline", func(t *testing.T) {
		s := session.Session{ValidityExpiresOn: ptr(t0.Add(72 * time.Hour))}
		s.ApplyValidity(t0, 24*time.Hour)
		assert.Equal(t, t0.Add(72*time.Hour), *s.ValidityExpiresOn)
	})
	t.Run("restarts expired window and forfeits bank", func(t *testing.T) {
		s := session.Session{TimeLeft: time.Hour, ValidityExpiresOn: ptr(t0.Add(-time.Hour))}
		s.ApplyValidity(t0, 24*time.Hour)
		assert.Zero(t, s.TimeLeft)
		assert.Equal(t, t0.Add(24*time.Hour), *s.ValidityExpiresOn)
	})
	t.Run("expired window cleared without new validity", func(t *testing.T) {
		s := session.Session{TimeLeft: time.Hour, ValidityExpiresOn: ptr(t0.Add(-time.Hour))}
		s.ApplyValidity(t0, 0)
		assert.Zero(t, s.TimeLeft)
		assert.Nil(t, s.ValidityExpiresOn)
	})
}

func newLedger(t *testing.T, now *time.Time) (*session.Ledger, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	ledger, err := session.NewLedger(store, func() time.Time { return *now })
	require.NoError(t, err)
	return ledger, store
}

func TestLedgerCreditAndPause(t *testing.T) {
	ctx := context.Background()
	now := t0
	ledger, _ := newLedger(t, &now)

	s, err := ledger.Credit(ctx, "AA:BB:CC:DD:EE:01", "10.0.0.5", 30*time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, session.StateConnected, s.StateAt(now))
	assert.Equal(t, "10.0.0.5", s.IP)

	now = now.Add(10 * time.Minute)
	s, err = ledger.Pause(ctx, "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, s.TimeLeft)

	_, err = ledger.Pause(ctx, "AA:BB:CC:DD:EE:01")
	require.ErrorIs(t, err, session.ErrNotConnected)

	stored, err := ledger.Get(ctx, "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, stored.TimeLeft)
}

func TestLedgerPersistsForfeitedValidity(t *testing.T) {
	ctx := context.Background()
	now := t0
	ledger, _ := newLedger(t, &now)

	_, err := ledger.Credit(ctx, "AA:BB:CC:DD:EE:02", "", time.Hour, time.Hour)
	require.NoError(t, err)
	_, err = ledger.Pause(ctx, "AA:BB:CC:DD:EE:02")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = ledger.Connect(ctx, "AA:BB:CC:DD:EE:02", 0)
	require.ErrorIs(t, err, session.ErrValidityExpired)

	stored, err := ledger.Get(ctx, "AA:BB:CC:DD:EE:02")
	require.NoError(t, err)
	assert.Zero(t, stored.TimeLeft)
	assert.Nil(t, stored.ValidityExpiresOn)
}

func TestLedgerMissingSession(t *testing.T) {
	now := t0
	ledger, _ := newLedger(t, &now)

	_, err := ledger.Disconnect(context.Background(), "AA:BB:CC:DD:EE:03")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLedgerPurgeIdle(t *testing.T) {
	ctx := context.Background()
	now := t0
	ledger, _ := newLedger(t, &now)

	_, err := ledger.Credit(ctx, "AA:BB:CC:DD:EE:04", "", 10*time.Minute, 0)
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, "AA:BB:CC:DD:EE:05", "", 5*time.Hour, 0)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	purged, err := ledger.PurgeIdle(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = ledger.Get(ctx, "AA:BB:CC:DD:EE:04")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = ledger.Get(ctx, "AA:BB:CC:DD:EE:05")
	require.NoError(t, err)
}
