package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbgorm"
	"gorm.io/gorm"
)

// TransactionFunc runs fn inside a database transaction
type TransactionFunc func(ctx context.Context, fn func(tx *gorm.DB) error, opts ...*sql.TxOptions) error

// Dialect identifies the SQL engine behind a connection
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgreSQL
	DialectCockroachDB
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgreSQL:
		return "postgresql"
	case DialectCockroachDB:
		return "cockroachdb"
	default:
		return "sqlite"
	}
}

// DetectDialect asks the server for its version. Engines without version()
// are reported as sqlite.
func DetectDialect(db *gorm.DB) Dialect {
	version := ""
	_ = Silent(db).Raw("SELECT version()").Scan(&version).Error

	switch {
	case strings.HasPrefix(version, "CockroachDB"):
		return DialectCockroachDB
	case strings.HasPrefix(version, "PostgreSQL"):
		return DialectPostgreSQL
	default:
		return DialectSQLite
	}
}

// GetTransactionFunc returns a transaction runner for the dialect. CockroachDB
// needs client-side retries of serialization failures.
func GetTransactionFunc(db *gorm.DB, dialect Dialect) TransactionFunc {
	if dialect == DialectCockroachDB {
		return func(ctx context.Context, fn func(tx *gorm.DB) error, opts ...*sql.TxOptions) error {
			var o *sql.TxOptions
			if len(opts) > 0 {
				o = opts[0]
			}
			return crdbgorm.ExecuteTx(ctx, db, o, fn)
		}
	}
	return func(ctx context.Context, fn func(tx *gorm.DB) error, opts ...*sql.TxOptions) error {
		var o *sql.TxOptions
		if len(opts) > 0 {
			o = opts[0]
		}
		return db.WithContext(ctx).Transaction(fn, o)
	}
}
