package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sensorhub/internal/config"
	"sensorhub/internal/logger"
)

// Open connects to the configured database, retrying with exponential backoff
// until cfg.ConnectRetry elapses. The schema is not migrated here.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*gorm.DB, error) {
	log := logger.WithComponent("database")

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gormLogger := NewLogger(log)
	if cfg.SlowThreshold > 0 {
		gormLogger.SlowThreshold = cfg.SlowThreshold
	}

	var db *gorm.DB
	connect := func() error {
		var err error
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger:         gormLogger,
			TranslateError: true,
			NowFunc:        func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			log.Warn().Err(err).Str("driver", cfg.Driver).Msg("database connect attempt failed")
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return backoff.Permanent(err)
		}
		return sqlDB.PingContext(ctx)
	}

	b := backoff.NewExponentialBackOff()
	if cfg.ConnectRetry > 0 {
		b.MaxElapsedTime = cfg.ConnectRetry
	}
	if err := backoff.Retry(connect, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case config.DriverSQLite:
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	default:
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}

	log.Info().Str("driver", cfg.Driver).Msg("database connected")
	return db, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(cfg.DSN), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Ping verifies the connection is usable
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Silent returns a session that does not log, for probes whose failure is
// expected.
func Silent(db *gorm.DB) *gorm.DB {
	return db.Session(&gorm.Session{
		Logger: db.Logger.LogMode(gormlogger.Silent),
	})
}
