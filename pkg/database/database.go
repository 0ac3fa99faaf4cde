// Package database はsqlxによるデータベース接続を提供する。
// SQLite（既定）とPostgreSQL（業務DBと共有する場合）に対応する。
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQLドライバー
	_ "modernc.org/sqlite" // SQLiteドライバー
)

const (
	// DriverSQLite はmodernc.org/sqliteのドライバー名。
	DriverSQLite = "sqlite"
	// DriverPostgres はlib/pqのドライバー名。
	DriverPostgres = "postgres"
)

// Options は接続プールの設定。
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open はデータベースに接続し、疎通を確認する。
func Open(ctx context.Context, opts Options) (*sqlx.DB, error) {
	switch opts.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("未対応のデータベースドライバーです: %q", opts.Driver)
	}

	db, err := sqlx.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースの疎通確認に失敗: %w", err)
	}
	return db, nil
}
