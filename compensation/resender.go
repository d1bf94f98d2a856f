// Package compensation 把已持久化的事件流重新投递给下游，不重新执行业务逻辑
//
// 重发的事件流带有 HeaderCompensationID 头，下游可据此识别补偿投递；事件存储本身不被修改。
package compensation

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"evtcore/codegen/snowflake"
	"evtcore/eventing"
	"evtcore/eventing/store"
	"evtcore/logging"
	"evtcore/modeling"
	"evtcore/modeling/command"
)

const (
	// HeaderCompensationID 一次重发操作的标识
	HeaderCompensationID = "compensation_id"

	defaultPageSize    = 100
	defaultConcurrency = 4
)

// Resender 事件流重发器
type Resender struct {
	store       store.IEventStore
	publisher   command.IPublisher
	logger      logging.Logger
	pageSize    int
	concurrency int
	idGen       func() string
}

// Option 配置 Resender
type Option func(*Resender)

// WithPageSize ResendAll 每页扫描的聚合数
func WithPageSize(n int) Option {
	return func(r *Resender) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithConcurrency ResendAll 同时重发的聚合数上限
func WithConcurrency(n int) Option {
	return func(r *Resender) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(r *Resender) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResender 创建重发器，publisher 通常是事件总线
func NewResender(s store.IEventStore, publisher command.IPublisher, opts ...Option) *Resender {
	r := &Resender{
		store:       s,
		publisher:   publisher,
		logger:      logging.ComponentLogger("compensation"),
		pageSize:    defaultPageSize,
		concurrency: defaultConcurrency,
		idGen:       snowflake.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resend 按版本升序重发 [head, tail] 内的事件流，返回已投递的数量
//
// 投递失败立即返回，已投递的数量随错误一起返回。
func (r *Resender) Resend(ctx context.Context, id modeling.AggregateId, head, tail uint64) (int, error) {
	return r.resend(ctx, id, head, tail, r.idGen())
}

func (r *Resender) resend(ctx context.Context, id modeling.AggregateId, head, tail uint64, compensationID string) (int, error) {
	streams, err := r.store.Load(ctx, id, head, tail)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, s := range streams {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := r.publisher.Send(ctx, withCompensation(s, compensationID)); err != nil {
			return sent, fmt.Errorf("resend %s@%d: %w", id, s.Version, err)
		}
		sent++
	}
	r.logger.Info(ctx, "event streams resent",
		logging.String("aggregate_id", id.String()),
		logging.String("compensation_id", compensationID),
		logging.Uint64("head", head),
		logging.Uint64("tail", tail),
		logging.Int("count", sent))
	return sent, nil
}

// ResendAll 逐页扫描聚合类型下的全部聚合并重发各自 [head, tail] 内的事件流
//
// 同一页内的聚合并发重发，并发度受 WithConcurrency 限制；任一聚合失败后停止扫描并返回首个错误。
func (r *Resender) ResendAll(ctx context.Context, named modeling.NamedAggregate, head, tail uint64) (int, error) {
	if err := named.Validate(); err != nil {
		return 0, err
	}
	compensationID := r.idGen()
	total := 0
	var after modeling.AggregateId
	for {
		ids, err := r.store.ScanAggregateId(ctx, named, after, r.pageSize)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}

		counts := make([]int, len(ids))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.concurrency)
		for i, id := range ids {
			g.Go(func() error {
				n, err := r.resend(gctx, id, head, tail, compensationID)
				counts[i] = n
				return err
			})
		}
		err = g.Wait()
		for _, n := range counts {
			total += n
		}
		if err != nil {
			return total, err
		}
		if len(ids) < r.pageSize {
			return total, nil
		}
		after = ids[len(ids)-1]
	}
}

// withCompensation 复制事件流并打上补偿标识，存储层返回的实例不被修改
func withCompensation(s *eventing.DomainEventStream, compensationID string) *eventing.DomainEventStream {
	out := *s
	out.Header = make(map[string]string, len(s.Header)+1)
	for k, v := range s.Header {
		out.Header[k] = v
	}
	out.Header[HeaderCompensationID] = compensationID
	return &out
}
