// Package sql 基于关系型数据库的事件存储
//
// 所有聚合共用一张表，(聚合, 版本) 与 (聚合, requestId) 各有一个唯一索引，
// 追加是一条带版本前置条件的 INSERT ... SELECT，无需显式事务。
package sql

import (
	"context"
	"fmt"
	"regexp"

	"evtcore/data/db"
	"evtcore/data/db/dialect"
)

const DefaultTableName = "event_stream"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EventStore 基于通用 SQL 接口的事件存储
type EventStore struct {
	db        db.IDatabase
	dialect   dialect.Dialect
	tableName string
}

// NewEventStore 创建 SQL 事件存储，tableName 为空时使用 event_stream
func NewEventStore(database db.IDatabase, tableName string) (*EventStore, error) {
	if tableName == "" {
		tableName = DefaultTableName
	}
	if !tableNamePattern.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name %q", tableName)
	}
	return &EventStore{db: database, dialect: dialect.FromDatabase(database), tableName: tableName}, nil
}

// Schema 返回建表语句
func (s *EventStore) Schema() string {
	t := s.tableName
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id             VARCHAR(64)  NOT NULL PRIMARY KEY,
    context_name   VARCHAR(64)  NOT NULL,
    aggregate_name VARCHAR(64)  NOT NULL,
    aggregate_id   VARCHAR(128) NOT NULL,
    tenant_id      VARCHAR(64)  NOT NULL,
    request_id     VARCHAR(128) NOT NULL,
    command_id     VARCHAR(128) NOT NULL,
    version        INTEGER      NOT NULL,
    header         TEXT         NOT NULL,
    body           TEXT         NOT NULL,
    size           INTEGER      NOT NULL,
    create_time    BIGINT       NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS u_idx_%[1]s_version
    ON %[1]s (context_name, aggregate_name, aggregate_id, tenant_id, version);
CREATE UNIQUE INDEX IF NOT EXISTS u_idx_%[1]s_request_id
    ON %[1]s (context_name, aggregate_name, aggregate_id, tenant_id, request_id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_create_time
    ON %[1]s (context_name, aggregate_name, aggregate_id, tenant_id, create_time)`, t)
}

// Init 创建表与索引
func (s *EventStore) Init(ctx context.Context) error {
	return execScript(ctx, s.db, s.Schema())
}

type scriptRunner interface {
	ExecScript(ctx context.Context, script string) error
}

func execScript(ctx context.Context, database db.IDatabase, script string) error {
	if r, ok := database.(scriptRunner); ok {
		return r.ExecScript(ctx, script)
	}
	_, err := database.Exec(ctx, script)
	return err
}

// TableName 返回表名
func (s *EventStore) TableName() string { return s.tableName }
