package command

import (
	"context"
	"fmt"

	"evtcore/eventing"
	"evtcore/modeling/state"
)

// DecideFunc 决策函数：基于当前状态与命令产生事件，必须不依赖外部可变状态
//
// agg 是状态的副本，修改它不会影响后续处理。
type DecideFunc[S any] func(ctx context.Context, agg state.StateAggregate[S], cmd *CommandMessage) ([]eventing.EventBody, error)

// Handlers 命令名到决策函数的注册表，启动时构建
type Handlers[S any] struct {
	handlers map[string]DecideFunc[S]
}

// NewHandlers 创建注册表，内置删除与恢复命令
func NewHandlers[S any]() *Handlers[S] {
	h := &Handlers[S]{handlers: make(map[string]DecideFunc[S])}
	h.handlers[DeleteAggregateCommand] = lifecycle[S](eventing.AggregateDeletedEvent)
	h.handlers[RecoverAggregateCommand] = lifecycle[S](eventing.AggregateRecoveredEvent)
	return h
}

func lifecycle[S any](eventName string) DecideFunc[S] {
	return func(ctx context.Context, agg state.StateAggregate[S], cmd *CommandMessage) ([]eventing.EventBody, error) {
		var payload any
		if len(cmd.Body) > 0 {
			payload = cmd.Body
		}
		return []eventing.EventBody{eventing.NewEventBody(eventName, payload)}, nil
	}
}

// Handle 注册决策函数；内置生命周期命令可以覆盖，业务命令重复注册会 panic
func (h *Handlers[S]) Handle(name string, fn DecideFunc[S]) *Handlers[S] {
	if name == "" || fn == nil {
		panic("command: handler requires name and function")
	}
	if _, exists := h.handlers[name]; exists && name != DeleteAggregateCommand && name != RecoverAggregateCommand {
		panic(fmt.Sprintf("command: handler for %s already registered", name))
	}
	h.handlers[name] = fn
	return h
}

// On 以类型化命令体注册决策函数
func On[S, C any](h *Handlers[S], name string, fn func(ctx context.Context, agg state.StateAggregate[S], body C) ([]eventing.EventBody, error)) *Handlers[S] {
	return h.Handle(name, func(ctx context.Context, agg state.StateAggregate[S], cmd *CommandMessage) ([]eventing.EventBody, error) {
		var body C
		if err := cmd.Decode(&body); err != nil {
			return nil, err
		}
		return fn(ctx, agg, body)
	})
}

// Lookup 查找决策函数
func (h *Handlers[S]) Lookup(name string) (DecideFunc[S], bool) {
	fn, ok := h.handlers[name]
	return fn, ok
}
