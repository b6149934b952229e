package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := Defaults()

	require.NoError(t, s.Validate())
	assert.Equal(t, 300*time.Second, s.Slot.Timeout)
	assert.Equal(t, 64, s.Sharing.ExpectedTTL)
	assert.Equal(t, 2, s.Sharing.Tolerance)
	assert.Equal(t, 3, s.Limits.Normal)
	assert.Equal(t, 1, s.Limits.Suspicious)
	assert.Equal(t, 5, s.Limits.MaxViolations)
	assert.Equal(t, 30*time.Minute, s.Limits.Inactivity)
	assert.Equal(t, 10, s.TTLRule.AfterViolations)
	assert.Equal(t, 2*time.Hour, s.TTLRule.Duration)
	assert.Equal(t, 720*time.Hour, s.Voucher.Lifetime)
	assert.Len(t, s.Rates.Rates, 3)
}

func TestLoadWith(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(t *testing.T, cfg Config)
	}{
		{
			name: "memory store needs no database",
			env:  map[string]string{"HOTSPOT_STORE": "memory"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, ":8080", cfg.Addr)
				assert.Equal(t, SlotBackendStore, cfg.SlotBackend)
				assert.Equal(t, DeviceResolverARP, cfg.DeviceResolver)
				assert.Equal(t, "/proc/net/arp", cfg.ARPTable)
				assert.Empty(t, cfg.AdminToken)
			},
		},
		{
			name:    "postgres requires DATABASE_URL",
			env:     map[string]string{"HOTSPOT_STORE": "postgres"},
			wantErr: true,
		},
		{
			name: "overrides",
			env: map[string]string{
				"HOTSPOT_STORE":  "memory",
				"TTL_EXPECTED":   "128",
				"LIMIT_NORMAL":   "5",
				"RATE_MODE":      "auto",
				"RATES":          "1:6m",
				"SWEEP_INTERVAL": "30s",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 128, cfg.Settings.Sharing.ExpectedTTL)
				assert.Equal(t, 5, cfg.Settings.Limits.Normal)
				assert.Equal(t, RateModeAuto, cfg.Settings.Rates.Mode)
				assert.Equal(t, Rates{{Denomination: 1, Duration: 6 * time.Minute}}, cfg.Settings.Rates.Rates)
				assert.Equal(t, 30*time.Second, cfg.SweepInterval)
			},
		},
		{
			name:    "invalid ttl",
			env:     map[string]string{"HOTSPOT_STORE": "memory", "TTL_EXPECTED": "300"},
			wantErr: true,
		},
		{
			name:    "invalid device resolver",
			env:     map[string]string{"HOTSPOT_STORE": "memory", "DEVICE_RESOLVER": "dhcp"},
			wantErr: true,
		},
		{
			name:    "archive without bucket",
			env:     map[string]string{"HOTSPOT_STORE": "memory", "ARCHIVE_ENABLED": "true"},
			wantErr: true,
		},
		{
			name: "archive without endpoint",
			env: map[string]string{
				"HOTSPOT_STORE":   "memory",
				"ARCHIVE_ENABLED": "true",
				"ARCHIVE_BUCKET":  "obs",
			},
			wantErr: true,
		},
		{
			name: "archive configured",
			env: map[string]string{
				"HOTSPOT_STORE":   "memory",
				"ARCHIVE_ENABLED": "true",
				"ARCHIVE_BUCKET":  "obs",
				"S3_ENDPOINT":     "minio:9000",
				"LOG_LEVEL":       "debug",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, "minio:9000", cfg.Archive.S3.Endpoint)
				assert.True(t, cfg.Archive.S3.ForcePathStyle)
				assert.Equal(t, 5000, cfg.Archive.BatchSize)
				assert.Equal(t, "debug", cfg.LogLevel)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(tt.env))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestStaticSnapshotIsolated(t *testing.T) {
	p := NewStatic(Defaults())

	first, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	first.Rates.Rates[0].Duration = time.Nanosecond

	second, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, time.Nanosecond, second.Rates.Rates[0].Duration)
}
