package prepare

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"evtcore/logging"
	"evtcore/modeling"
)

// KeySeparator 分隔预留名称与业务键
const KeySeparator = ":"

// IPrepareKey 类型化的 PrepareKey 操作集合
type IPrepareKey[V any] interface {
	Name() string
	Prepare(ctx context.Context, key string, value PreparedValue[V]) (bool, error)
	Get(ctx context.Context, key string) (V, bool, error)
	GetValue(ctx context.Context, key string) (*PreparedValue[V], error)
	Rollback(ctx context.Context, key string) (bool, error)
	RollbackIf(ctx context.Context, key string, value V) (bool, error)
	Reprepare(ctx context.Context, key string, value PreparedValue[V]) (bool, error)
	ReprepareIf(ctx context.Context, key string, oldValue V, newValue PreparedValue[V]) (bool, error)
	Move(ctx context.Context, oldKey string, oldValue V, newKey string, newValue PreparedValue[V]) (bool, error)
}

// Key 在 IStore 之上提供 JSON 编码的类型化预留
//
// 同一个 name 下的业务键共享命名空间，后端键为 name:key。
type Key[V any] struct {
	name   string
	store  IStore
	logger logging.Logger
}

// NewKey 创建名为 name 的预留
func NewKey[V any](name string, store IStore) (*Key[V], error) {
	if name == "" || strings.Contains(name, KeySeparator) {
		return nil, fmt.Errorf("%w: invalid prepare key name %q", modeling.ErrPrecondition, name)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: prepare store is nil", modeling.ErrPrecondition)
	}
	return &Key[V]{
		name:   name,
		store:  store,
		logger: logging.ComponentLogger("prepare").WithFields(logging.String("prepare_key", name)),
	}, nil
}

func (k *Key[V]) Name() string { return k.name }

func (k *Key[V]) storeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key for %s", modeling.ErrPrecondition, k.name)
	}
	return k.name + KeySeparator + key, nil
}

func (k *Key[V]) encode(value V) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode prepared value for %s: %w", k.name, err)
	}
	return data, nil
}

func (k *Key[V]) entry(value PreparedValue[V]) (Entry, error) {
	data, err := k.encode(value.Value)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Value: data, TtlAt: value.TtlAt}, nil
}

func (k *Key[V]) Prepare(ctx context.Context, key string, value PreparedValue[V]) (bool, error) {
	sk, err := k.storeKey(key)
	if err != nil {
		return false, err
	}
	e, err := k.entry(value)
	if err != nil {
		return false, err
	}
	return k.store.Prepare(ctx, sk, e)
}

// Get 返回未过期的值
func (k *Key[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	pv, err := k.GetValue(ctx, key)
	if err != nil || pv == nil {
		return zero, false, err
	}
	return pv.Value, true, nil
}

func (k *Key[V]) GetValue(ctx context.Context, key string) (*PreparedValue[V], error) {
	sk, err := k.storeKey(key)
	if err != nil {
		return nil, err
	}
	e, err := k.store.GetValue(ctx, sk)
	if err != nil || e == nil {
		return nil, err
	}
	var v V
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return nil, fmt.Errorf("decode prepared value %s: %w", sk, err)
	}
	return &PreparedValue[V]{Value: v, TtlAt: e.TtlAt}, nil
}

func (k *Key[V]) Rollback(ctx context.Context, key string) (bool, error) {
	sk, err := k.storeKey(key)
	if err != nil {
		return false, err
	}
	return k.store.Rollback(ctx, sk)
}

func (k *Key[V]) RollbackIf(ctx context.Context, key string, value V) (bool, error) {
	sk, err := k.storeKey(key)
	if err != nil {
		return false, err
	}
	data, err := k.encode(value)
	if err != nil {
		return false, err
	}
	return k.store.RollbackIf(ctx, sk, data)
}

func (k *Key[V]) Reprepare(ctx context.Context, key string, value PreparedValue[V]) (bool, error) {
	sk, err := k.storeKey(key)
	if err != nil {
		return false, err
	}
	e, err := k.entry(value)
	if err != nil {
		return false, err
	}
	return k.store.Reprepare(ctx, sk, e)
}

func (k *Key[V]) ReprepareIf(ctx context.Context, key string, oldValue V, newValue PreparedValue[V]) (bool, error) {
	sk, err := k.storeKey(key)
	if err != nil {
		return false, err
	}
	old, err := k.encode(oldValue)
	if err != nil {
		return false, err
	}
	e, err := k.entry(newValue)
	if err != nil {
		return false, err
	}
	return k.store.ReprepareIf(ctx, sk, old, e)
}

// Move 把 oldKey 的预留迁移到 newKey，两个键相同属于调用方错误
func (k *Key[V]) Move(ctx context.Context, oldKey string, oldValue V, newKey string, newValue PreparedValue[V]) (bool, error) {
	if oldKey == newKey {
		return false, fmt.Errorf("%w: move %s to itself", modeling.ErrPrecondition, oldKey)
	}
	oldSK, err := k.storeKey(oldKey)
	if err != nil {
		return false, err
	}
	newSK, err := k.storeKey(newKey)
	if err != nil {
		return false, err
	}
	old, err := k.encode(oldValue)
	if err != nil {
		return false, err
	}
	e, err := k.entry(newValue)
	if err != nil {
		return false, err
	}
	return k.store.Move(ctx, oldSK, old, newSK, e)
}

// UsingPrepare 预留 key 后执行 fn，fn 返回错误或 panic 时撤销本次预留
//
// prepared 为 false 表示键已被占用，fn 仍会被调用以便调用方决定如何处理；
// 此时不会做任何撤销。
func UsingPrepare[V, R any](ctx context.Context, k *Key[V], key string, value PreparedValue[V],
	fn func(ctx context.Context, prepared bool) (R, error)) (result R, err error) {
	prepared, err := k.Prepare(ctx, key, value)
	if err != nil {
		return result, err
	}

	defer func() {
		if !prepared {
			return
		}
		p := recover()
		if p == nil && err == nil {
			return
		}
		// 调用方 ctx 可能已取消，撤销使用独立的上下文
		if _, rbErr := k.RollbackIf(context.WithoutCancel(ctx), key, value.Value); rbErr != nil {
			k.logger.Error(ctx, "rollback prepared key failed",
				logging.String("key", key), logging.Error(rbErr))
			if p == nil {
				err = multierr.Append(err, fmt.Errorf("rollback %s: %w", key, rbErr))
			}
		}
		if p != nil {
			panic(p)
		}
	}()

	return fn(ctx, prepared)
}

var _ IPrepareKey[string] = (*Key[string])(nil)
