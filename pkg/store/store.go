// Package store persists every engine repository in PostgreSQL. Row-level read-modify-write
// goes through gorm transactions with SELECT ... FOR UPDATE; hot single-statement paths such
// as the slot compare-and-set use pgx directly.
package store

import (
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hotspotd/pkg/apperr"
	"hotspotd/services/audit"
	"hotspotd/services/enforcement"
	"hotspotd/services/identity"
	"hotspotd/services/session"
	"hotspotd/services/sharing"
	"hotspotd/services/slot"
	"hotspotd/services/voucher"
)

// Store holds the database handles shared by every repository method.
type Store struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

func New(pool *pgxpool.Pool, orm *gorm.DB) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pgx pool is required")
	}
	if orm == nil {
		return nil, errors.New("gorm handle is required")
	}
	return &Store{pool: pool, orm: orm}, nil
}

var (
	_ session.Repository     = (*Store)(nil)
	_ identity.Repository    = (*Store)(nil)
	_ sharing.Repository     = (*Store)(nil)
	_ slot.Store             = (*Store)(nil)
	_ enforcement.Repository = (*Store)(nil)
	_ voucher.Repository     = (*Store)(nil)
	_ audit.Sink             = (*Store)(nil)
)

var forUpdate = clause.Locking{Strength: "UPDATE"}

// translate maps driver level misses and key collisions onto the application sentinels.
func translate(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound), pgxscan.NotFound(err):
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, what)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s exists", apperr.ErrConflict, what)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
