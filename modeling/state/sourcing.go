package state

import (
	"context"
	"fmt"

	"evtcore/eventing"
	"evtcore/eventing/upgrader"
	"evtcore/modeling"
)

// HeaderOperator 事件流头中记录操作人的键
const HeaderOperator = "operator"

// SourcingFunc 溯源函数：把一个事件折叠进状态，必须是无副作用的纯函数
type SourcingFunc[S any] func(state S, event eventing.DomainEvent) (S, error)

// SourcingVersionConflictError 事件流版本与聚合期望的下一版本不一致
type SourcingVersionConflictError struct {
	AggregateId     modeling.AggregateId
	ExpectedVersion uint64
	StreamVersion   uint64
}

func (e *SourcingVersionConflictError) Error() string {
	return fmt.Sprintf("sourcing version conflict: aggregate %s expected version %d, stream version %d",
		e.AggregateId, e.ExpectedVersion, e.StreamVersion)
}

// UnknownEventError 严格模式下遇到未注册的事件
type UnknownEventError struct {
	AggregateId modeling.AggregateId
	EventName   string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("no sourcing function for event %q on %s", e.EventName, e.AggregateId)
}

// Sourcing 事件名到溯源函数的注册表，启动时构建完成后只读
type Sourcing[S any] struct {
	handlers map[string]SourcingFunc[S]
	strict   bool
	chain    *upgrader.Chain
}

// SourcingOption 配置 Sourcing
type SourcingOption func(*sourcingOptions)

type sourcingOptions struct {
	strict bool
	chain  *upgrader.Chain
}

// Strict 遇到未注册事件时报错，默认忽略
func Strict() SourcingOption {
	return func(o *sourcingOptions) { o.strict = true }
}

// WithUpgrader 溯源前先经升级链处理事件
func WithUpgrader(chain *upgrader.Chain) SourcingOption {
	return func(o *sourcingOptions) { o.chain = chain }
}

// NewSourcing 创建注册表
func NewSourcing[S any](opts ...SourcingOption) *Sourcing[S] {
	var o sourcingOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Sourcing[S]{
		handlers: make(map[string]SourcingFunc[S]),
		strict:   o.strict,
		chain:    o.chain,
	}
}

// Handle 注册溯源函数，重复注册或覆盖生命周期事件会 panic
func (s *Sourcing[S]) Handle(eventName string, fn SourcingFunc[S]) *Sourcing[S] {
	if eventName == "" || fn == nil {
		panic("state: sourcing requires event name and function")
	}
	if eventName == eventing.AggregateDeletedEvent || eventName == eventing.AggregateRecoveredEvent {
		panic(fmt.Sprintf("state: %s is handled by the aggregate lifecycle", eventName))
	}
	if _, exists := s.handlers[eventName]; exists {
		panic(fmt.Sprintf("state: sourcing function for %s already registered", eventName))
	}
	s.handlers[eventName] = fn
	return s
}

// On 以类型化事件体注册溯源函数，事件体按 JSON 解码为 E
func On[S, E any](s *Sourcing[S], eventName string, fn func(state S, body E) S) *Sourcing[S] {
	return s.Handle(eventName, func(state S, event eventing.DomainEvent) (S, error) {
		var body E
		if err := event.Decode(&body); err != nil {
			return state, err
		}
		return fn(state, body), nil
	})
}

// Handles 是否注册了该事件
func (s *Sourcing[S]) Handles(eventName string) bool {
	_, ok := s.handlers[eventName]
	return ok
}

// Apply 把事件流折叠进聚合；事件流版本必须恰好是聚合的下一版本
//
// 出错时聚合保持调用前的状态。
func (s *Sourcing[S]) Apply(ctx context.Context, agg *StateAggregate[S], stream *eventing.DomainEventStream) error {
	if stream.AggregateId.Normalized() != agg.AggregateId.Normalized() {
		return fmt.Errorf("%w: stream of %s applied to %s", modeling.ErrPrecondition, stream.AggregateId, agg.AggregateId)
	}
	if stream.Version != agg.ExpectedNextVersion() {
		return &SourcingVersionConflictError{
			AggregateId:     agg.AggregateId,
			ExpectedVersion: agg.ExpectedNextVersion(),
			StreamVersion:   stream.Version,
		}
	}

	next := agg.State
	deleted := agg.Deleted
	for _, event := range stream.Events {
		event, err := s.chain.Upgrade(ctx, event)
		if err != nil {
			return err
		}
		switch event.Name {
		case eventing.AggregateDeletedEvent:
			deleted = true
			continue
		case eventing.AggregateRecoveredEvent:
			deleted = false
			continue
		}
		fn, ok := s.handlers[event.Name]
		if !ok {
			if s.strict {
				return &UnknownEventError{AggregateId: agg.AggregateId, EventName: event.Name}
			}
			continue
		}
		if next, err = fn(next, event); err != nil {
			return fmt.Errorf("sourcing %s@%d: %w", event.Name, stream.Version, err)
		}
	}

	agg.State = next
	agg.Deleted = deleted
	agg.Version = stream.Version
	agg.EventID = stream.ID
	agg.EventTime = stream.CreateTime
	agg.Operator = stream.Header[HeaderOperator]
	if stream.IsInitialVersion() {
		agg.FirstEventTime = stream.CreateTime
	}
	return nil
}
