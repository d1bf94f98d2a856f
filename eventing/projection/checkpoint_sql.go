package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"evtcore/data/db"
	"evtcore/data/db/dialect"
	"evtcore/modeling"
)

const DefaultCheckpointTable = "projection_checkpoint"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLCheckpointStore 每个 (投影, 聚合) 一行
type SQLCheckpointStore struct {
	db        db.IDatabase
	dialect   dialect.Dialect
	tableName string
}

// NewSQLCheckpointStore tableName 为空时使用 projection_checkpoint
func NewSQLCheckpointStore(database db.IDatabase, tableName string) (*SQLCheckpointStore, error) {
	if database == nil {
		return nil, errors.New("checkpoint database not configured")
	}
	if tableName == "" {
		tableName = DefaultCheckpointTable
	}
	if !tableNamePattern.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name %q", tableName)
	}
	return &SQLCheckpointStore{db: database, dialect: dialect.FromDatabase(database), tableName: tableName}, nil
}

// Init 创建检查点表
func (s *SQLCheckpointStore) Init(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    projection     VARCHAR(255) NOT NULL,
    context_name   VARCHAR(255) NOT NULL,
    aggregate_name VARCHAR(255) NOT NULL,
    aggregate_id   VARCHAR(255) NOT NULL,
    tenant_id      VARCHAR(255) NOT NULL,
    version        BIGINT       NOT NULL,
    PRIMARY KEY (projection, context_name, aggregate_name, aggregate_id, tenant_id)
)`, s.tableName))
	return err
}

func (s *SQLCheckpointStore) Load(ctx context.Context, projection string, id modeling.AggregateId) (uint64, error) {
	query := s.dialect.Rebind(fmt.Sprintf(`SELECT version FROM %s
        WHERE projection = ? AND context_name = ? AND aggregate_name = ? AND aggregate_id = ? AND tenant_id = ?`, s.tableName))
	var version uint64
	err := s.db.QueryRow(ctx, query, projection, id.ContextName, id.AggregateName, id.ID, id.Tenant()).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s/%s: %w", projection, id, err)
	}
	return version, nil
}

func (s *SQLCheckpointStore) Advance(ctx context.Context, projection string, id modeling.AggregateId, version uint64) error {
	if projection == "" || version == 0 {
		return ErrInvalidCheckpoint
	}
	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO %[1]s
        (projection, context_name, aggregate_name, aggregate_id, tenant_id, version) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (projection, context_name, aggregate_name, aggregate_id, tenant_id)
        DO UPDATE SET version = excluded.version WHERE %[1]s.version < excluded.version`, s.tableName))
	if _, err := s.db.Exec(ctx, query, projection, id.ContextName, id.AggregateName, id.ID, id.Tenant(), version); err != nil {
		return fmt.Errorf("advance checkpoint %s/%s: %w", projection, id, err)
	}
	return nil
}

func (s *SQLCheckpointStore) Reset(ctx context.Context, projection string) error {
	_, err := s.db.Exec(ctx, s.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE projection = ?`, s.tableName)), projection)
	return err
}

var _ ICheckpointStore = (*SQLCheckpointStore)(nil)
