package sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"evtcore/data/db"
	"evtcore/eventing"
	"evtcore/eventing/store"
	"evtcore/modeling"
)

const streamColumns = "id, request_id, command_id, version, header, body, create_time"

func (s *EventStore) Load(ctx context.Context, id modeling.AggregateId, headVersion, tailVersion uint64) ([]*eventing.DomainEventStream, error) {
	if tailVersion > modeling.MaxVersion {
		tailVersion = modeling.MaxVersion
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE context_name = ? AND aggregate_name = ? AND aggregate_id = ? AND tenant_id = ?
          AND version >= ? AND version <= ?
        ORDER BY version ASC`, streamColumns, s.tableName)
	return s.query(ctx, id, query, id.ContextName, id.AggregateName, id.ID, id.Tenant(), int64(headVersion), int64(tailVersion))
}

func (s *EventStore) LoadByTime(ctx context.Context, id modeling.AggregateId, headTime, tailTime time.Time) ([]*eventing.DomainEventStream, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE context_name = ? AND aggregate_name = ? AND aggregate_id = ? AND tenant_id = ?
          AND create_time >= ? AND create_time <= ?
        ORDER BY version ASC`, streamColumns, s.tableName)
	return s.query(ctx, id, query, id.ContextName, id.AggregateName, id.ID, id.Tenant(), headTime.UnixMilli(), tailTime.UnixMilli())
}

func (s *EventStore) Last(ctx context.Context, id modeling.AggregateId) (*eventing.DomainEventStream, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE context_name = ? AND aggregate_name = ? AND aggregate_id = ? AND tenant_id = ?
        ORDER BY version DESC LIMIT 1`, streamColumns, s.tableName)
	streams, err := s.query(ctx, id, query, id.ContextName, id.AggregateName, id.ID, id.Tenant())
	if err != nil || len(streams) == 0 {
		return nil, err
	}
	return streams[0], nil
}

func (s *EventStore) FindByRequestID(ctx context.Context, id modeling.AggregateId, requestID string) (*eventing.DomainEventStream, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE context_name = ? AND aggregate_name = ? AND aggregate_id = ? AND tenant_id = ? AND request_id = ?`,
		streamColumns, s.tableName)
	streams, err := s.query(ctx, id, query, id.ContextName, id.AggregateName, id.ID, id.Tenant(), requestID)
	if err != nil || len(streams) == 0 {
		return nil, err
	}
	return streams[0], nil
}

func (s *EventStore) ScanAggregateId(ctx context.Context, named modeling.NamedAggregate, after modeling.AggregateId, limit int) ([]modeling.AggregateId, error) {
	args := []any{named.ContextName, named.AggregateName}
	cursor := ""
	if after.ID != "" {
		cursor = " AND (aggregate_id > ? OR (aggregate_id = ? AND tenant_id > ?))"
		args = append(args, after.ID, after.ID, after.Tenant())
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT DISTINCT aggregate_id, tenant_id FROM %s
        WHERE context_name = ? AND aggregate_name = ?%s
        ORDER BY aggregate_id ASC, tenant_id ASC LIMIT ?`, s.tableName, cursor)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan aggregate ids of %s: %w", named, err)
	}
	defer rows.Close()

	ids := make([]modeling.AggregateId, 0, limit)
	for rows.Next() {
		var aggID, tenant string
		if err := rows.Scan(&aggID, &tenant); err != nil {
			return nil, err
		}
		ids = append(ids, modeling.NewAggregateId(named, aggID, tenant))
	}
	return ids, rows.Err()
}

func (s *EventStore) query(ctx context.Context, id modeling.AggregateId, query string, args ...any) ([]*eventing.DomainEventStream, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load event streams of %s: %w", id, err)
	}
	defer rows.Close()
	return scanStreams(rows, id)
}

func scanStreams(rows db.IRows, id modeling.AggregateId) ([]*eventing.DomainEventStream, error) {
	var streams []*eventing.DomainEventStream
	for rows.Next() {
		var (
			s          eventing.DomainEventStream
			version    int64
			header     string
			body       string
			createTime int64
		)
		if err := rows.Scan(&s.ID, &s.RequestID, &s.CommandID, &version, &header, &body, &createTime); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(header), &s.Header); err != nil {
			return nil, fmt.Errorf("decode stream header %s: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(body), &s.Events); err != nil {
			return nil, fmt.Errorf("decode stream body %s: %w", s.ID, err)
		}
		s.AggregateId = id
		s.Version = uint64(version)
		s.CreateTime = time.UnixMilli(createTime).UTC()
		streams = append(streams, &s)
	}
	return streams, rows.Err()
}

var (
	_ store.IEventStore   = (*EventStore)(nil)
	_ store.IRequestIndex = (*EventStore)(nil)
)
