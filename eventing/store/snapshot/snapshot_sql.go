package snapshot

import (
	"context"
	"fmt"
	"time"

	"evtcore/data/db"
	"evtcore/modeling"
)

const DefaultSQLTableName = "snapshot"

// SQLRepository 关系型数据库快照仓库，每个聚合一行
type SQLRepository struct {
	db        db.IDatabase
	tableName string
}

// NewSQLRepository 创建 SQL 快照仓库
func NewSQLRepository(database db.IDatabase, tableName string) *SQLRepository {
	if tableName == "" {
		tableName = DefaultSQLTableName
	}
	return &SQLRepository{db: database, tableName: tableName}
}

// Init 创建快照表
func (r *SQLRepository) Init(ctx context.Context) error {
	_, err := r.db.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    context_name     VARCHAR(64)  NOT NULL,
    aggregate_name   VARCHAR(64)  NOT NULL,
    aggregate_id     VARCHAR(128) NOT NULL,
    tenant_id        VARCHAR(64)  NOT NULL,
    version          INTEGER      NOT NULL,
    state            TEXT         NOT NULL,
    first_event_time BIGINT       NOT NULL,
    event_time       BIGINT       NOT NULL,
    snapshot_time    BIGINT       NOT NULL,
    deleted          INTEGER      NOT NULL DEFAULT 0,
    PRIMARY KEY (context_name, aggregate_name, aggregate_id, tenant_id)
)`, r.tableName))
	return err
}

func (r *SQLRepository) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	id := snap.AggregateId
	deleted := 0
	if snap.Deleted {
		deleted = 1
	}
	// 只有新版本不低于已存版本时才覆盖
	query := fmt.Sprintf(`INSERT INTO %[1]s
        (context_name, aggregate_name, aggregate_id, tenant_id, version, state, first_event_time, event_time, snapshot_time, deleted)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (context_name, aggregate_name, aggregate_id, tenant_id) DO UPDATE SET
            version = excluded.version,
            state = excluded.state,
            first_event_time = excluded.first_event_time,
            event_time = excluded.event_time,
            snapshot_time = excluded.snapshot_time,
            deleted = excluded.deleted
        WHERE excluded.version >= %[1]s.version`, r.tableName)
	_, err := r.db.Exec(ctx, query,
		id.ContextName, id.AggregateName, id.ID, id.Tenant(), int64(snap.Version), string(snap.State),
		snap.FirstEventTime.UnixMilli(), snap.EventTime.UnixMilli(), snap.SnapshotTime.UnixMilli(), deleted)
	if err != nil {
		return fmt.Errorf("save snapshot %s@%d: %w", id, snap.Version, err)
	}
	return nil
}

func (r *SQLRepository) Load(ctx context.Context, id modeling.AggregateId) (*Snapshot, error) {
	query := fmt.Sprintf(`SELECT version, state, first_event_time, event_time, snapshot_time, deleted FROM %s
        WHERE context_name = ? AND aggregate_name = ? AND aggregate_id = ? AND tenant_id = ?`, r.tableName)
	rows, err := r.db.Query(ctx, query, id.ContextName, id.AggregateName, id.ID, id.Tenant())
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}

	var (
		version                   int64
		state                     string
		firstEvent, event, snapAt int64
		deleted                   int
	)
	if err := rows.Scan(&version, &state, &firstEvent, &event, &snapAt, &deleted); err != nil {
		return nil, err
	}
	return &Snapshot{
		AggregateId:    id,
		Version:        uint64(version),
		State:          []byte(state),
		FirstEventTime: time.UnixMilli(firstEvent).UTC(),
		EventTime:      time.UnixMilli(event).UTC(),
		SnapshotTime:   time.UnixMilli(snapAt).UTC(),
		Deleted:        deleted != 0,
	}, nil
}

func (r *SQLRepository) ScanAggregateId(ctx context.Context, named modeling.NamedAggregate, after modeling.AggregateId, limit int) ([]modeling.AggregateId, error) {
	args := []any{named.ContextName, named.AggregateName}
	cursor := ""
	if after.ID != "" {
		cursor = " AND (aggregate_id > ? OR (aggregate_id = ? AND tenant_id > ?))"
		args = append(args, after.ID, after.ID, after.Tenant())
	}
	args = append(args, limit)
	rows, err := r.db.Query(ctx, fmt.Sprintf(`SELECT aggregate_id, tenant_id FROM %s
        WHERE context_name = ? AND aggregate_name = ?%s
        ORDER BY aggregate_id ASC, tenant_id ASC LIMIT ?`, r.tableName, cursor), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []modeling.AggregateId
	for rows.Next() {
		var aggID, tenant string
		if err := rows.Scan(&aggID, &tenant); err != nil {
			return nil, err
		}
		ids = append(ids, modeling.NewAggregateId(named, aggID, tenant))
	}
	return ids, rows.Err()
}

var _ IRepository = (*SQLRepository)(nil)
