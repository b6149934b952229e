package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"hotspotd/pkg/db"
	"hotspotd/pkg/store"
	"hotspotd/services/slot"
	"hotspotd/services/slot/slottest"
)

// openStore connects to HOTSPOT_TEST_DATABASE_URL, migrates it and returns a Store. Tests
// are skipped when the variable is unset.
func openStore(t *testing.T) (*store.Store, func(t *testing.T, stmts ...string)) {
	t.Helper()
	dsn := os.Getenv("HOTSPOT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("HOTSPOT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))

	orm, err := db.OpenORM(pool)
	require.NoError(t, err)
	s, err := store.New(pool, orm)
	require.NoError(t, err)

	exec := func(t *testing.T, stmts ...string) {
		t.Helper()
		for _, stmt := range stmts {
			_, err := db.Exec(ctx, pool, stmt)
			require.NoError(t, err)
		}
	}
	return s, exec
}

func TestSlotContract(t *testing.T) {
	s, exec := openStore(t)
	slottest.RunStoreTests(t, func(t *testing.T) slot.Store {
		exec(t,
			`UPDATE slots SET holder_id = NULL, last_updated = NULL`,
			`DELETE FROM coin_credit_queues`,
			`DELETE FROM coin_ledger`,
		)
		return s
	})
}
