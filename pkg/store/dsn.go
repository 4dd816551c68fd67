package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/turnstore/pkg/config"
)

// SQLiteDSNForFile returns a sqlite DSN with WAL, a busy timeout and foreign
// keys enabled.
func SQLiteDSNForFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("sqlite path is empty")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

// Open opens the store described by cfg and runs migrations.
func Open(ctx context.Context, cfg config.Database, opts ...Option) (*SQLStore, error) {
	switch cfg.Driver {
	case "", DriverSQLite, "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			var err error
			if dsn, err = SQLiteDSNForFile(cfg.Path); err != nil {
				return nil, err
			}
		}
		return NewSQLiteStore(ctx, dsn, opts...)
	case DriverPostgres, "postgresql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres store: empty dsn")
		}
		return NewPostgresStore(ctx, cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
