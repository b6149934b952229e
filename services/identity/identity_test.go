package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotspotd/pkg/apperr"
	"hotspotd/pkg/memstore"
	"hotspotd/services/identity"
)

var phone = identity.Inputs{
	UserAgent:        "Mozilla/5.0",
	ScreenResolution: "1920x1080",
	Language:         "en-US",
	TimezoneOffset:   -480,
	Platform:         "Linux armv8l",
}

func TestInputsID(t *testing.T) {
	assert.Equal(t, "d6be6d6c0c5ed659bab5ceceeb1ea5cf4ebcc5bc23961e876b2f37596373650c", phone.ID())

	other := phone
	other.Language = "fil-PH"
	assert.NotEqual(t, phone.ID(), other.ID())
}

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "aa:bb:cc:dd:ee:ff", want: "AA:BB:CC:DD:EE:FF"},
		{input: " aa-bb-cc-dd-ee-0f ", want: "AA:BB:CC:DD:EE:0F"},
		{input: "aabb.ccdd.eeff", want: "AA:BB:CC:DD:EE:FF"},
		{input: "not-a-mac", wantErr: true},
		{input: "00:00:00:00:fe:80:00:00:00:00:00:00:02:00:5e:10", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := identity.NormalizeMAC(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, apperr.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyMac(t *testing.T) {
	tests := []struct {
		name           string
		mac            string
		fp             *identity.Fingerprint
		wantType       identity.MACType
		wantConfidence float64
		wantRandomized bool
	}{
		{
			name:     "vendor assigned",
			mac:      "00:1A:2B:3C:4D:5E",
			wantType: identity.MACUniversal,
		},
		{
			name:           "ios style local prefix",
			mac:            "02:1A:2B:3C:4D:5E",
			wantType:       identity.MACLocal,
			wantConfidence: 1.4,
			wantRandomized: true,
		},
		{
			name:           "android style prefix",
			mac:            "DA:1A:2B:3C:4D:5E",
			wantType:       identity.MACLocal,
			wantConfidence: 1.3,
			wantRandomized: true,
		},
		{
			name:           "universal mac on rotating device",
			mac:            "00:1A:2B:3C:4D:5E",
			fp:             &identity.Fingerprint{KnownMACs: []string{"00:1A:2B:3C:4D:5E", "00:1A:2B:3C:4D:5F"}, MACRandomizationDetected: true},
			wantType:       identity.MACUniversal,
			wantConfidence: 1.2,
			wantRandomized: true,
		},
		{
			name:           "flag alone reaches the threshold",
			mac:            "00:1A:2B:3C:4D:5E",
			fp:             &identity.Fingerprint{KnownMACs: []string{"00:1A:2B:3C:4D:5E"}, MACRandomizationDetected: true},
			wantType:       identity.MACUniversal,
			wantConfidence: 0.5,
			wantRandomized: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := identity.ClassifyMac(tt.mac, tt.fp)
			assert.Equal(t, tt.wantType, got.Type)
			assert.InDelta(t, tt.wantConfidence, got.Confidence, 1e-9)
			assert.Equal(t, tt.wantRandomized, got.IsRandomized)
		})
	}
}

func newResolver(t *testing.T) *identity.Resolver {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r, err := identity.NewResolver(memstore.New(), zerolog.Nop(), func() time.Time { return now })
	require.NoError(t, err)
	return r
}

func TestResolveAcrossMACs(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)

	first, err := r.Resolve(ctx, phone, "aa:bb:cc:00:00:01")
	require.NoError(t, err)
	assert.Equal(t, []string{"AA:BB:CC:00:00:01"}, first.KnownMACs)
	assert.False(t, first.MACRandomizationDetected)

	_, err = r.RecordViolation(ctx, first.ID, identity.ViolationTTL)
	require.NoError(t, err)

	second, err := r.Resolve(ctx, phone, "AA:BB:CC:00:00:02")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.ElementsMatch(t, []string{"AA:BB:CC:00:00:01", "AA:BB:CC:00:00:02"}, second.KnownMACs)
	assert.Equal(t, "AA:BB:CC:00:00:02", second.CurrentMAC)
	assert.True(t, second.MACRandomizationDetected)

	fp, err := r.RecordViolation(ctx, second.ID, identity.ViolationTTL)
	require.NoError(t, err)
	assert.Equal(t, 2, fp.TTLViolationsTotal)
	require.NotNil(t, fp.LastViolationAt)

	again, err := r.Resolve(ctx, phone, "AA:BB:CC:00:00:01")
	require.NoError(t, err)
	assert.Len(t, again.KnownMACs, 2)
	assert.Equal(t, 2, again.TTLViolationsTotal)

	byMAC, ok, err := r.Lookup(ctx, "AA:BB:CC:00:00:02")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, byMAC.ID)
}

func TestResolveValidation(t *testing.T) {
	r := newResolver(t)

	_, err := r.Resolve(context.Background(), identity.Inputs{}, "AA:BB:CC:00:00:01")
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = r.Resolve(context.Background(), phone, "zz")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRecordViolationUnknownFingerprint(t *testing.T) {
	r := newResolver(t)
	_, err := r.RecordViolation(context.Background(), "missing", identity.ViolationConnection)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestClassifyMacUsesOwningFingerprint(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)
	_, err := r.Resolve(ctx, phone, "00:1A:2B:3C:4D:01")
	require.NoError(t, err)
	_, err = r.Resolve(ctx, phone, "00:1A:2B:3C:4D:02")
	require.NoError(t, err)

	got, err := r.ClassifyMac(ctx, "00:1a:2b:3c:4d:01")
	require.NoError(t, err)
	assert.True(t, got.IsRandomized)
	assert.Contains(t, got.Indicators, "multiple_macs_for_device")
}
