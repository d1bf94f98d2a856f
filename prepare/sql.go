package prepare

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"evtcore/data/db"
)

const DefaultSQLTableName = "prepare_key"

var sqlTableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// errMoveRejected 使 Move 事务回滚，对外映射为 false
var errMoveRejected = errors.New("prepare move rejected")

// SQLStore 关系型数据库 PrepareKey 后端，每个键一行
//
// 每个操作都是一条带过期条件的语句，Move 在事务中先占新键再比较删除旧键。
type SQLStore struct {
	db        db.IDatabase
	tableName string
	clock     Clock
}

// NewSQLStore 创建 SQL 后端，tableName 为空时使用 prepare_key
func NewSQLStore(database db.IDatabase, tableName string) (*SQLStore, error) {
	if database == nil {
		return nil, errors.New("prepare database not configured")
	}
	if tableName == "" {
		tableName = DefaultSQLTableName
	}
	if !sqlTableNamePattern.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name %q", tableName)
	}
	return &SQLStore{db: database, tableName: tableName, clock: time.Now}, nil
}

// WithClock 替换判定过期的时钟
func (s *SQLStore) WithClock(clock Clock) *SQLStore {
	s.clock = clock
	return s
}

// Init 创建预留表
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    prepare_key VARCHAR(255) NOT NULL PRIMARY KEY,
    value       TEXT         NOT NULL,
    ttl_at      BIGINT       NOT NULL
)`, s.tableName))
	return err
}

func affected(n sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	rows, err := n.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLStore) prepareQuery() string {
	return fmt.Sprintf(`INSERT INTO %[1]s (prepare_key, value, ttl_at) VALUES (?, ?, ?)
        ON CONFLICT (prepare_key) DO UPDATE SET value = excluded.value, ttl_at = excluded.ttl_at
        WHERE %[1]s.ttl_at < ?`, s.tableName)
}

func (s *SQLStore) deleteQuery(withValue bool) string {
	q := fmt.Sprintf(`DELETE FROM %s WHERE prepare_key = ? AND ttl_at >= ?`, s.tableName)
	if withValue {
		q += ` AND value = ?`
	}
	return q
}

func (s *SQLStore) updateQuery(withValue bool) string {
	q := fmt.Sprintf(`UPDATE %s SET value = ?, ttl_at = ? WHERE prepare_key = ? AND ttl_at >= ?`, s.tableName)
	if withValue {
		q += ` AND value = ?`
	}
	return q
}

func (s *SQLStore) Prepare(ctx context.Context, key string, entry Entry) (bool, error) {
	return affected(s.db.Exec(ctx, s.prepareQuery(), key, string(entry.Value), entry.TtlAt, nowMs(s.clock)))
}

func (s *SQLStore) GetValue(ctx context.Context, key string) (*Entry, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT value, ttl_at FROM %s WHERE prepare_key = ? AND ttl_at >= ?`, s.tableName),
		key, nowMs(s.clock))
	if err != nil {
		return nil, fmt.Errorf("get prepare key %s: %w", key, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		value string
		ttlAt int64
	)
	if err := rows.Scan(&value, &ttlAt); err != nil {
		return nil, err
	}
	return &Entry{Value: []byte(value), TtlAt: ttlAt}, nil
}

func (s *SQLStore) Rollback(ctx context.Context, key string) (bool, error) {
	return affected(s.db.Exec(ctx, s.deleteQuery(false), key, nowMs(s.clock)))
}

func (s *SQLStore) RollbackIf(ctx context.Context, key string, value []byte) (bool, error) {
	return affected(s.db.Exec(ctx, s.deleteQuery(true), key, nowMs(s.clock), string(value)))
}

func (s *SQLStore) Reprepare(ctx context.Context, key string, entry Entry) (bool, error) {
	return affected(s.db.Exec(ctx, s.updateQuery(false), string(entry.Value), entry.TtlAt, key, nowMs(s.clock)))
}

func (s *SQLStore) ReprepareIf(ctx context.Context, key string, oldValue []byte, entry Entry) (bool, error) {
	return affected(s.db.Exec(ctx, s.updateQuery(true), string(entry.Value), entry.TtlAt, key, nowMs(s.clock), string(oldValue)))
}

func (s *SQLStore) Move(ctx context.Context, oldKey string, oldValue []byte, newKey string, entry Entry) (bool, error) {
	now := nowMs(s.clock)
	err := db.WithTx(ctx, s.db, func(tx db.ITransaction) error {
		ok, err := affected(tx.Exec(ctx, s.prepareQuery(), newKey, string(entry.Value), entry.TtlAt, now))
		if err != nil {
			return err
		}
		if !ok {
			return errMoveRejected
		}
		ok, err = affected(tx.Exec(ctx, s.deleteQuery(true), oldKey, now, string(oldValue)))
		if err != nil {
			return err
		}
		if !ok {
			return errMoveRejected
		}
		return nil
	})
	if errors.Is(err, errMoveRejected) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("move prepare key %s -> %s: %w", oldKey, newKey, err)
	}
	return true, nil
}

// Reap 删除已过期的行，返回删除数量
func (s *SQLStore) Reap(ctx context.Context) (int64, error) {
	res, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ttl_at < ?`, s.tableName), nowMs(s.clock))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ IStore = (*SQLStore)(nil)
