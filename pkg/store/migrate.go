package store

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Migrate brings the schema of db up to date for the given driver.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	var (
		dialect goose.Dialect
		dir     string
	)
	switch driver {
	case DriverSQLite:
		dialect, dir = goose.DialectSQLite3, "migrations/sqlite"
	case DriverPostgres:
		dialect, dir = goose.DialectPostgres, "migrations/postgres"
	default:
		return errors.Errorf("unsupported driver %q", driver)
	}

	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return errors.Wrap(err, "creating migration provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "applying migrations")
	}
	for _, r := range results {
		log.Debug().
			Str("driver", driver).
			Int64("version", r.Source.Version).
			Dur("duration", r.Duration).
			Msg("applied migration")
	}
	return nil
}
