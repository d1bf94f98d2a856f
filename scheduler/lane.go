// Package scheduler 把同一聚合实例的命令固定到同一通道串行执行。
//
// 每种聚合拥有一个 LanePool，实例按 modeling.Shard 映射到通道；
// 进程内同一聚合最多只有一个命令在执行，跨进程的竞争由事件存储的乐观并发处理。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"evtcore/eventing/monitoring"
	"evtcore/logging"
	"evtcore/modeling"
)

// ErrClosed 调度器已关闭
var ErrClosed = errors.New("scheduler closed")

// Task 在通道上执行的任务
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	fn   Task
	done chan error
}

// LanePool 一种聚合的固定通道池
type LanePool struct {
	named   modeling.NamedAggregate
	lanes   []chan *job
	metrics monitoring.IMetrics
	logger  logging.Logger
	label   string

	mu     sync.RWMutex
	closed bool
	group  errgroup.Group
}

// NewLanePool 创建并启动通道
func NewLanePool(named modeling.NamedAggregate, lanes, queueSize int, metrics monitoring.IMetrics) *LanePool {
	if lanes <= 0 {
		lanes = DefaultLanes
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if metrics == nil {
		metrics = monitoring.NewNoopMetrics()
	}
	p := &LanePool{
		named:   named,
		lanes:   make([]chan *job, lanes),
		metrics: metrics,
		logger:  logging.ComponentLogger("scheduler").WithFields(logging.String("aggregate", named.String())),
		label:   named.String(),
	}
	for i := range p.lanes {
		lane := make(chan *job, queueSize)
		p.lanes[i] = lane
		p.group.Go(func() error {
			p.run(lane)
			return nil
		})
	}
	return p
}

// Lanes 通道数
func (p *LanePool) Lanes() int { return len(p.lanes) }

// Submit 把任务放到 id 对应的通道并等待完成
//
// ctx 在排队期间取消时任务不会执行；已开始执行的任务由 fn 自己响应 ctx。
func (p *LanePool) Submit(ctx context.Context, id modeling.AggregateId, fn Task) error {
	if id.NamedAggregate != p.named {
		return fmt.Errorf("%w: %s submitted to %s lanes", modeling.ErrPrecondition, id, p.label)
	}
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	lane := p.lanes[modeling.Shard(id, len(p.lanes))]

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	select {
	case lane <- j:
		p.metrics.LaneQueueDepth(p.label, 1)
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *LanePool) run(lane <-chan *job) {
	for j := range lane {
		p.metrics.LaneQueueDepth(p.label, -1)
		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		j.done <- p.execute(j)
	}
}

func (p *LanePool) execute(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(j.ctx, "task panicked", logging.Any("panic", r))
			err = fmt.Errorf("scheduler task panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// Close 停止接收新任务，等待已排队任务执行完毕
func (p *LanePool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, lane := range p.lanes {
			close(lane)
		}
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
