package identity_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotspotd/pkg/apperr"
	"hotspotd/services/identity"
)

const arpTable = `IP address       HW type     Flags       HW address            Mask     Device
10.0.0.5         0x1         0x2         aa:bb:cc:dd:ee:01     *        wlan0
10.0.0.6         0x1         0x0         00:00:00:00:00:00     *        wlan0
10.0.0.7         0x1         0x2         aa:bb:cc:dd:ee:07     *        eth0
`

func writeARP(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arp")
	require.NoError(t, os.WriteFile(path, []byte(arpTable), 0o600))
	return path
}

func TestNeighborTableResolveMAC(t *testing.T) {
	path := writeARP(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		table   identity.NeighborTable
		ip      string
		want    string
		wantErr error
	}{
		{name: "complete entry", table: identity.NeighborTable{Path: path}, ip: "10.0.0.5", want: "AA:BB:CC:DD:EE:01"},
		{name: "incomplete entry", table: identity.NeighborTable{Path: path}, ip: "10.0.0.6", wantErr: apperr.ErrNotFound},
		{name: "unknown address", table: identity.NeighborTable{Path: path}, ip: "10.0.0.99", wantErr: apperr.ErrNotFound},
		{name: "other interface", table: identity.NeighborTable{Path: path, Interface: "wlan0"}, ip: "10.0.0.7", wantErr: apperr.ErrNotFound},
		{name: "interface match", table: identity.NeighborTable{Path: path, Interface: "eth0"}, ip: "10.0.0.7", want: "AA:BB:CC:DD:EE:07"},
		{name: "not an address", table: identity.NeighborTable{Path: path}, ip: "wlan0", wantErr: apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.table.ResolveMAC(ctx, tt.ip)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
