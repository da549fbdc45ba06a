package repository

import (
	"context"
	"fmt"

	"github.com/parisxmas/oxiwarehouse/internal/config"
	"github.com/parisxmas/oxiwarehouse/internal/db"
)

// Open connects the configured database, applies pending migrations and
// returns its repositories.
func Open(ctx context.Context, cfg config.Database) (*Store, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := db.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if _, err := db.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return &Store{
			Submissions: NewPGSubmissionRepo(pool),
			Users:       NewPGUserRepo(pool),
			close: func() error {
				pool.Close()
				return nil
			},
		}, nil
	case "oxidb":
		return openOxi(ctx, cfg.Addr, cfg.PoolSize)
	case "sqlite", "":
		conn, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		if _, err := db.MigrateSQLite(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return &Store{
			Submissions: NewSubmissionRepo(conn),
			Users:       NewUserRepo(conn),
			close:       conn.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}
