// Package prepare 提供带 TTL 的两阶段键预留（PrepareKey）。
//
// 同一个键在任意时刻最多存在一个未过期的 PreparedValue；已过期但尚未被物理清理的
// 条目在逻辑上视为不存在。所有后端只依赖自身的原子条件写原语（条件插入、比较删除、
// 比较交换），不需要外部协调服务。
package prepare

import (
	"bytes"
	"context"
	"time"
)

// TTLForever 永不过期的 ttlAt（毫秒时间戳，约公元 6666 年）
const TTLForever int64 = 148204944000000

// PreparedValue 预留值及其过期时间
type PreparedValue[V any] struct {
	Value V     `json:"value"`
	TtlAt int64 `json:"ttlAt"`
}

// Forever 构造永不过期的预留值
func Forever[V any](value V) PreparedValue[V] {
	return PreparedValue[V]{Value: value, TtlAt: TTLForever}
}

// WithTTL 构造从当前时刻起 ttl 后过期的预留值
func WithTTL[V any](value V, ttl time.Duration) PreparedValue[V] {
	return ExpireAt(value, time.Now().Add(ttl))
}

// ExpireAt 构造在 at 时刻过期的预留值
func ExpireAt[V any](value V, at time.Time) PreparedValue[V] {
	ttlAt := at.UnixMilli()
	if ttlAt > TTLForever {
		ttlAt = TTLForever
	}
	return PreparedValue[V]{Value: value, TtlAt: ttlAt}
}

func (p PreparedValue[V]) IsForever() bool {
	return p.TtlAt >= TTLForever
}

// IsExpired ttlAt 早于 now 时过期
func (p PreparedValue[V]) IsExpired(now time.Time) bool {
	return isExpired(p.TtlAt, now.UnixMilli())
}

func isExpired(ttlAt, nowMs int64) bool {
	return ttlAt < TTLForever && ttlAt < nowMs
}

// Entry 后端存储的原始条目，Value 为编码后的字节
type Entry struct {
	Value []byte
	TtlAt int64
}

func (e Entry) expired(nowMs int64) bool {
	return isExpired(e.TtlAt, nowMs)
}

func (e Entry) matches(value []byte) bool {
	return bytes.Equal(e.Value, value)
}

// IStore 字节级后端契约
//
// 每个方法对同一个键原子执行。返回 false 表示条件不满足且没有发生任何修改，
// error 只用于后端故障。
type IStore interface {
	// Prepare 键不存在或已过期时写入
	Prepare(ctx context.Context, key string, entry Entry) (bool, error)

	// GetValue 返回未过期条目，不存在时返回 nil
	GetValue(ctx context.Context, key string) (*Entry, error)

	// Rollback 删除未过期条目
	Rollback(ctx context.Context, key string) (bool, error)

	// RollbackIf 值匹配时删除
	RollbackIf(ctx context.Context, key string, value []byte) (bool, error)

	// Reprepare 替换已存在条目的值与过期时间
	Reprepare(ctx context.Context, key string, entry Entry) (bool, error)

	// ReprepareIf 旧值匹配时替换
	ReprepareIf(ctx context.Context, key string, oldValue []byte, entry Entry) (bool, error)

	// Move 原子地把 oldKey 上值为 oldValue 的预留迁移到 newKey；
	// oldKey 不匹配或 newKey 已被占用时两边都保持不变
	Move(ctx context.Context, oldKey string, oldValue []byte, newKey string, entry Entry) (bool, error)
}

// Clock 后端判断过期所用的时钟
type Clock func() time.Time

func nowMs(clock Clock) int64 {
	if clock == nil {
		return time.Now().UnixMilli()
	}
	return clock().UnixMilli()
}
