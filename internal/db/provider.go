package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/termd/internal/common/config"
	"github.com/kandev/termd/internal/common/logger"
)

// Provide opens the storage backend selected by the configuration and returns
// a writer/reader Pool plus its cleanup function.
func Provide(cfg *config.StorageConfig, log *logger.Logger) (*Pool, func() error, error) {
	switch cfg.Driver {
	case DriverSQLite:
		path := cfg.DatabasePath()
		pool, err := OpenSQLitePool(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}

		log.Info("Storage initialized",
			zap.String("driver", cfg.Driver),
			zap.String("path", path),
		)
		cleanup := func() error {
			// Refresh query planner statistics before closing.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case DriverPostgres:
		pgDB, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}

		// pgx pools internally; a single *sqlx.DB serves both roles.
		conn := sqlx.NewDb(pgDB, DriverPostgres)
		pool := NewPool(conn, conn)
		log.Info("Storage initialized",
			zap.String("driver", cfg.Driver),
			zap.String("host", cfg.Host),
			zap.String("db_name", cfg.DBName),
		)
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
