package memory

import (
	"context"

	"evtcore/eventing"
	"evtcore/messaging"
)

// Start 启动 Worker 池
//
// ctx 取消后 Worker 不再处理新的事件流；Close 仍会等待它们退出。
func (b *Bus) Start(ctx context.Context) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.running {
		return messaging.ErrBusRunning
	}
	if b.closed {
		return messaging.ErrBusNotRunning
	}
	b.running = true

	for i := 0; i < b.workerCount; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}
	return nil
}

// Close 停止接收并等待队列中的事件流分发完成，可重复调用
func (b *Bus) Close() error {
	b.mutex.Lock()
	if !b.running {
		b.closed = true
		b.mutex.Unlock()
		return nil
	}
	b.running = false
	b.closed = true
	// Send 持有读锁检查 running，这里关闭队列后不会再有写入
	close(b.queue)
	b.mutex.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Bus) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case stream, ok := <-b.queue:
			if !ok {
				return
			}
			b.dispatch(ctx, stream)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, stream *eventing.DomainEventStream) {
	handlers := b.handlers.For(messaging.TopicOf(stream))
	if len(handlers) == 0 {
		return
	}
	// 错误已在 Dispatch 中逐个记录
	_ = messaging.Dispatch(ctx, b.logger, handlers, stream)
}
