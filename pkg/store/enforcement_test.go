package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotspotd/services/enforcement"
)

func TestConnectionLifecycle(t *testing.T) {
	s, exec := openStore(t)
	exec(t, `DELETE FROM connection_records`)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, id := range []string{"portal-1", "portal-2"} {
		require.NoError(t, s.UpsertConnection(ctx, enforcement.ConnectionRecord{
			MAC: "AA:BB:CC:DD:EE:01", SessionID: id, Subject: "fp-1",
			Active: true, LastActivity: now, CreatedAt: now,
		}))
	}
	n, err := s.CountLiveConnections(ctx, "fp-1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ended, err := s.DeactivateConnections(ctx, "AA:BB:CC:DD:EE:01", "portal-2")
	require.NoError(t, err)
	assert.Equal(t, 1, ended)
	n, err = s.CountLiveConnections(ctx, "fp-1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	purged, err := s.PurgeConnections(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, purged, "records active at the cutoff stay")

	ended, err = s.DeactivateConnections(ctx, "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, 1, ended)
	purged, err = s.PurgeConnections(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
}
