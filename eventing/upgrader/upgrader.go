// Package upgrader 提供事件升级链，在溯源前把旧结构版本的事件体升级到当前版本
package upgrader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"evtcore/eventing"
	"evtcore/logging"
)

// Func 转换事件体
type Func func(ctx context.Context, body json.RawMessage) (json.RawMessage, error)

// Upgrader 把某事件从 FromRevision 升级到 ToRevision
type Upgrader struct {
	EventName    string
	FromRevision string
	ToRevision   string
	Upgrade      Func
}

// Chain 升级链，按事件名分组
type Chain struct {
	upgraders map[string][]Upgrader
	logger    logging.Logger
	mutex     sync.RWMutex
}

// NewChain 创建升级链
func NewChain() *Chain {
	return &Chain{
		upgraders: make(map[string][]Upgrader),
		logger:    logging.ComponentLogger("eventing.upgrader"),
	}
}

// Register 注册升级器；同一事件同一起始版本只能注册一次
func (c *Chain) Register(u Upgrader) error {
	if u.EventName == "" || u.Upgrade == nil {
		return fmt.Errorf("upgrader requires event name and upgrade func")
	}
	if u.FromRevision == u.ToRevision {
		return fmt.Errorf("upgrader for %s: from and to revision are both %q", u.EventName, u.FromRevision)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, existing := range c.upgraders[u.EventName] {
		if existing.FromRevision == u.FromRevision {
			return fmt.Errorf("upgrader for %s from revision %q already registered", u.EventName, u.FromRevision)
		}
	}
	c.upgraders[u.EventName] = append(c.upgraders[u.EventName], u)
	return nil
}

// Upgrade 沿升级链升级单个事件，没有匹配的升级器时原样返回
func (c *Chain) Upgrade(ctx context.Context, event eventing.DomainEvent) (eventing.DomainEvent, error) {
	if c == nil {
		return event, nil
	}
	c.mutex.RLock()
	upgraders := c.upgraders[event.Name]
	c.mutex.RUnlock()

	if len(upgraders) == 0 {
		return event, nil
	}

	current := event
	// 每一步至少消耗一个升级器，步数以升级器数量为上限，避免环
	for step := 0; step < len(upgraders); step++ {
		next, ok := find(upgraders, current.Revision)
		if !ok {
			break
		}
		body, err := next.Upgrade(ctx, current.Body)
		if err != nil {
			return event, fmt.Errorf("upgrade %s from %q to %q: %w", event.Name, next.FromRevision, next.ToRevision, err)
		}
		current.Body = body
		current.Revision = next.ToRevision
	}

	if current.Revision != event.Revision {
		c.logger.Debug(ctx, "event upgraded",
			logging.String("event", event.Name),
			logging.String("from_revision", event.Revision),
			logging.String("to_revision", current.Revision))
	}
	return current, nil
}

func find(upgraders []Upgrader, revision string) (Upgrader, bool) {
	for _, u := range upgraders {
		if u.FromRevision == revision {
			return u, true
		}
	}
	return Upgrader{}, false
}
