package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evtcore/eventing"
	"evtcore/eventing/monitoring"
	"evtcore/logging"
	"evtcore/modeling"
)

// CheckedEventStore 在任意后端之上统一参数校验、错误映射、连续性检查与指标
type CheckedEventStore struct {
	inner   IEventStore
	metrics monitoring.IMetrics
	logger  logging.Logger
}

// CheckedOption 配置 CheckedEventStore
type CheckedOption func(*CheckedEventStore)

// WithMetrics 设置指标
func WithMetrics(m monitoring.IMetrics) CheckedOption {
	return func(c *CheckedEventStore) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger 设置日志
func WithLogger(l logging.Logger) CheckedOption {
	return func(c *CheckedEventStore) {
		if l != nil {
			c.logger = l
		}
	}
}

// Checked 包装后端存储；对已包装的存储直接返回
func Checked(inner IEventStore, opts ...CheckedOption) *CheckedEventStore {
	if c, ok := inner.(*CheckedEventStore); ok {
		return c
	}
	c := &CheckedEventStore{
		inner:   inner,
		metrics: monitoring.NewNoopMetrics(),
		logger:  logging.ComponentLogger("eventing.store"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Unwrap 返回被包装的后端
func (c *CheckedEventStore) Unwrap() IEventStore {
	return c.inner
}

func (c *CheckedEventStore) Append(ctx context.Context, stream *eventing.DomainEventStream) error {
	if err := stream.Validate(); err != nil {
		return err
	}
	if stream.AggregateId.TenantID == "" {
		cp := *stream
		cp.AggregateId = cp.AggregateId.Normalized()
		stream = &cp
	}

	start := time.Now()
	err := c.inner.Append(ctx, stream)
	err = mapAppendError(stream, err)

	outcome := appendOutcome(err)
	c.metrics.ObserveAppend(stream.AggregateId.NamedAggregate.String(), time.Since(start), stream.Size(), outcome)
	if err != nil {
		c.logger.Debug(ctx, "append event stream rejected",
			logging.Stringer("aggregate_id", stream.AggregateId),
			logging.Uint64("version", stream.Version),
			logging.String("request_id", stream.RequestID),
			logging.String("outcome", outcome),
			logging.Error(err))
	}
	return err
}

// mapAppendError 初始版本上的版本冲突即重复创建
func mapAppendError(stream *eventing.DomainEventStream, err error) error {
	if err == nil {
		return nil
	}
	var dupAgg *eventing.DuplicateAggregateIdError
	if errors.As(err, &dupAgg) {
		return err
	}
	var conflict *eventing.EventVersionConflictError
	if errors.As(err, &conflict) && stream.IsInitialVersion() {
		return eventing.NewDuplicateAggregateIdError(stream)
	}
	return err
}

func appendOutcome(err error) string {
	if err == nil {
		return monitoring.OutcomeOK
	}
	var dupAgg *eventing.DuplicateAggregateIdError
	var conflict *eventing.EventVersionConflictError
	var dupReq *eventing.DuplicateRequestIdError
	switch {
	case errors.As(err, &dupAgg):
		return monitoring.OutcomeDuplicateAggregate
	case errors.As(err, &conflict):
		return monitoring.OutcomeConflict
	case errors.As(err, &dupReq):
		return monitoring.OutcomeDuplicateRequest
	default:
		return monitoring.OutcomeError
	}
}

func (c *CheckedEventStore) Load(ctx context.Context, id modeling.AggregateId, headVersion, tailVersion uint64) ([]*eventing.DomainEventStream, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", modeling.ErrPrecondition, err)
	}
	id = id.Normalized()
	if tailVersion < headVersion {
		return nil, fmt.Errorf("%w: tail version %d below head version %d", modeling.ErrPrecondition, tailVersion, headVersion)
	}

	start := time.Now()
	streams, err := c.inner.Load(ctx, id, headVersion, tailVersion)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveLoad(id.NamedAggregate.String(), time.Since(start), len(streams))

	expected := headVersion
	if expected < modeling.InitialVersion {
		expected = modeling.InitialVersion
	}
	if err := verifyContiguous(id, streams, expected); err != nil {
		c.logger.Error(ctx, "event stream corrupted", logging.Stringer("aggregate_id", id), logging.Error(err))
		return nil, err
	}
	return streams, nil
}

func (c *CheckedEventStore) LoadByTime(ctx context.Context, id modeling.AggregateId, headTime, tailTime time.Time) ([]*eventing.DomainEventStream, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", modeling.ErrPrecondition, err)
	}
	id = id.Normalized()
	if tailTime.Before(headTime) {
		return nil, fmt.Errorf("%w: tail time before head time", modeling.ErrPrecondition)
	}

	start := time.Now()
	streams, err := c.inner.LoadByTime(ctx, id, headTime, tailTime)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveLoad(id.NamedAggregate.String(), time.Since(start), len(streams))

	if len(streams) > 0 {
		if err := verifyContiguous(id, streams, streams[0].Version); err != nil {
			return nil, err
		}
	}
	return streams, nil
}

func (c *CheckedEventStore) Last(ctx context.Context, id modeling.AggregateId) (*eventing.DomainEventStream, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", modeling.ErrPrecondition, err)
	}
	last, err := c.inner.Last(ctx, id.Normalized())
	if last != nil && last.AggregateId.TenantID == "" {
		last.AggregateId = last.AggregateId.Normalized()
	}
	return last, err
}

func (c *CheckedEventStore) ScanAggregateId(ctx context.Context, named modeling.NamedAggregate, after modeling.AggregateId, limit int) ([]modeling.AggregateId, error) {
	if err := named.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", modeling.ErrPrecondition, err)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: scan limit must be positive", modeling.ErrPrecondition)
	}
	if after.ID != "" {
		after = after.Normalized()
	}
	return c.inner.ScanAggregateId(ctx, named, after, limit)
}

// FindByRequestID 后端支持 IRequestIndex 时转发，否则返回 (nil, nil)
func (c *CheckedEventStore) FindByRequestID(ctx context.Context, id modeling.AggregateId, requestID string) (*eventing.DomainEventStream, error) {
	idx, ok := c.inner.(IRequestIndex)
	if !ok {
		return nil, nil
	}
	original, err := idx.FindByRequestID(ctx, id.Normalized(), requestID)
	if original != nil && original.AggregateId.TenantID == "" {
		original.AggregateId = original.AggregateId.Normalized()
	}
	return original, err
}

// verifyContiguous 早于租户补全写入的事件流以补全后的标识比较
func verifyContiguous(id modeling.AggregateId, streams []*eventing.DomainEventStream, expected uint64) error {
	for _, s := range streams {
		if s.AggregateId.TenantID == "" {
			s.AggregateId = s.AggregateId.Normalized()
		}
		if s.AggregateId != id || s.Version != expected {
			return &eventing.EventStreamCorruptedError{
				AggregateId:     id,
				ExpectedVersion: expected,
				ActualVersion:   s.Version,
			}
		}
		expected++
	}
	return nil
}

var (
	_ IEventStore   = (*CheckedEventStore)(nil)
	_ IRequestIndex = (*CheckedEventStore)(nil)
)
