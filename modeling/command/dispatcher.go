package command

import (
	"context"
	"fmt"
	"sync"

	"evtcore/modeling"
	"evtcore/scheduler"
)

// IProcessor 一种聚合的命令处理器
type IProcessor interface {
	NamedAggregate() modeling.NamedAggregate
	Process(ctx context.Context, cmd *CommandMessage) (*CommandResult, error)
}

// Dispatcher 按聚合类型把命令路由到处理器，并在聚合所属通道上串行执行
type Dispatcher struct {
	lanes *scheduler.Supplier

	mu         sync.RWMutex
	processors map[modeling.NamedAggregate]IProcessor
}

// NewDispatcher 创建 Dispatcher
func NewDispatcher(lanes *scheduler.Supplier) *Dispatcher {
	return &Dispatcher{
		lanes:      lanes,
		processors: make(map[modeling.NamedAggregate]IProcessor),
	}
}

// Register 注册处理器，同一聚合类型只能注册一次
func (d *Dispatcher) Register(p IProcessor) error {
	named := p.NamedAggregate()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.processors[named]; exists {
		return fmt.Errorf("processor for %s already registered", named)
	}
	d.processors[named] = p
	return nil
}

// Processor 查找处理器
func (d *Dispatcher) Processor(named modeling.NamedAggregate) (IProcessor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.processors[named]
	return p, ok
}

// Send 处理命令并等待结果
func (d *Dispatcher) Send(ctx context.Context, cmd *CommandMessage) (*CommandResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	p, ok := d.Processor(cmd.AggregateId.NamedAggregate)
	if !ok {
		return nil, fmt.Errorf("%w: no processor for %s", ErrHandlerNotFound, cmd.AggregateId.NamedAggregate)
	}

	var result *CommandResult
	err := d.lanes.Submit(ctx, cmd.AggregateId, func(ctx context.Context) error {
		res, err := p.Process(ctx, cmd)
		result = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
