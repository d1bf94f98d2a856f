package sql

import (
	"context"
	"encoding/json"
	"fmt"

	"evtcore/eventing"
)

func (s *EventStore) Append(ctx context.Context, stream *eventing.DomainEventStream) error {
	header, err := json.Marshal(stream.Header)
	if err != nil {
		return fmt.Errorf("encode stream header: %w", err)
	}
	body, err := json.Marshal(stream.Events)
	if err != nil {
		return fmt.Errorf("encode stream body: %w", err)
	}

	id := stream.AggregateId
	// 只有当前最大版本恰好为 version-1 时才插入；并发插入由唯一索引兜底
	query := fmt.Sprintf(`INSERT INTO %[1]s
        (id, context_name, aggregate_name, aggregate_id, tenant_id, request_id, command_id, version, header, body, size, create_time)
        SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
        WHERE (SELECT COALESCE(MAX(version), 0) FROM %[1]s
               WHERE context_name = ? AND aggregate_name = ? AND aggregate_id = ? AND tenant_id = ?) = ?`, s.tableName)

	res, err := s.db.Exec(ctx, query,
		stream.ID, id.ContextName, id.AggregateName, id.ID, id.Tenant(),
		stream.RequestID, stream.CommandID, int64(stream.Version),
		string(header), string(body), stream.Size(), stream.CreateTime.UnixMilli(),
		id.ContextName, id.AggregateName, id.ID, id.Tenant(), int64(stream.Version)-1,
	)
	if err != nil {
		switch {
		case s.dialect.ViolatesIndex(err, "request_id"):
			return eventing.NewDuplicateRequestIdError(stream)
		case s.dialect.IsUniqueViolation(err):
			return eventing.NewEventVersionConflictError(stream)
		default:
			return fmt.Errorf("append event stream %s@%d: %w", id, stream.Version, err)
		}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append event stream %s@%d: %w", id, stream.Version, err)
	}
	if affected == 0 {
		return eventing.NewEventVersionConflictError(stream)
	}
	return nil
}
