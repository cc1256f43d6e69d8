// Package factory selects a wstate.Store implementation from a DSN,
// mirroring loykin-provisr's internal/store/factory dispatch.
package factory

import (
	"errors"
	"strings"

	pg "github.com/nef/procman/internal/wstate/postgres"
	sq "github.com/nef/procman/internal/wstate/sqlite"

	"github.com/nef/procman/internal/wstate"
)

// NewFromDSN selects a store implementation based on DSN scheme:
//   - "sqlite://<path>" or a bare filesystem path -> sqlite
//   - "postgres://..." or "postgresql://..."      -> postgres
func NewFromDSN(dsn string) (wstate.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("wstate/factory: empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(strings.TrimPrefix(d, "sqlite://"))
	}
	return sq.New(d)
}
