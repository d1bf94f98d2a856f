// Package basic 基于 database/sql 实现 db.IDatabase
package basic

import (
	"context"
	"database/sql"
	"strings"
	"time"

	core "evtcore/data/db"
	"evtcore/data/db/dialect"

	_ "modernc.org/sqlite"
)

// DB 基于 database/sql 的最小实现
type DB struct {
	db      *sql.DB
	driver  string
	dialect dialect.Dialect
}

// New 根据配置打开数据库并做可用性检查
//
// sqlite 内存库（:memory:）每个连接都是独立数据库，此时强制单连接。
func New(config core.Config) (*DB, error) {
	driver := config.Driver
	if driver == "" {
		driver = "sqlite"
	}
	dsn := config.DSN
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if dialect.New(driver).Name() == dialect.NameSQLite && strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	} else if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, driver: driver, dialect: dialect.New(driver)}, nil
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	return d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, dialect: d.dialect}, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *DB) Close() error                   { return d.db.Close() }

// GetDialectName 返回底层 driver 名
func (d *DB) GetDialectName() string {
	return d.driver
}

// ExecScript 依次执行以分号分隔的 DDL
func (d *DB) ExecScript(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ core.IDatabase            = (*DB)(nil)
	_ core.IDialectNameProvider = (*DB)(nil)
)
