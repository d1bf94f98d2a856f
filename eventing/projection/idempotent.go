package projection

import (
	"context"
	"errors"
	"fmt"

	"evtcore/compensation"
	"evtcore/eventing"
	"evtcore/logging"
	"evtcore/messaging"
)

type idempotentHandler struct {
	name    string
	store   ICheckpointStore
	handler messaging.IStreamHandler
	logger  logging.Logger
}

// Idempotent 包装处理器：版本不高于检查点的事件流直接确认，处理成功后推进检查点
//
// 带 compensation_id 头的事件流是显式重发，总是交给处理器。
func Idempotent(name string, store ICheckpointStore, handler messaging.IStreamHandler) (messaging.IStreamHandler, error) {
	if name == "" {
		return nil, errors.New("projection name is required")
	}
	if store == nil || handler == nil {
		return nil, errors.New("checkpoint store and handler are required")
	}
	return &idempotentHandler{
		name:    name,
		store:   store,
		handler: handler,
		logger:  logging.ComponentLogger("projection").WithFields(logging.String("projection", name)),
	}, nil
}

func (h *idempotentHandler) Name() string { return h.name }

func (h *idempotentHandler) Handle(ctx context.Context, stream *eventing.DomainEventStream) error {
	_, compensating := stream.Header[compensation.HeaderCompensationID]
	if !compensating {
		seen, err := h.store.Load(ctx, h.name, stream.AggregateId)
		if err != nil {
			return err
		}
		if stream.Version <= seen {
			h.logger.Debug(ctx, "skip processed stream",
				logging.String("aggregate", stream.AggregateId.String()),
				logging.Uint64("version", stream.Version),
				logging.Uint64("checkpoint", seen))
			return nil
		}
	}
	if err := h.handler.Handle(ctx, stream); err != nil {
		return err
	}
	if err := h.store.Advance(ctx, h.name, stream.AggregateId, stream.Version); err != nil {
		return fmt.Errorf("projection %s: %w", h.name, err)
	}
	return nil
}
