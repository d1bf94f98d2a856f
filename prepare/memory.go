package prepare

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 进程内 PrepareKey 后端，单机与测试使用
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	clock   Clock

	stopReaper chan struct{}
	stopOnce   sync.Once
	reaperDone chan struct{}
}

// MemoryOption MemoryStore 选项
type MemoryOption func(*MemoryStore)

// WithMemoryClock 指定判定过期用的时钟
func WithMemoryClock(clock Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

// NewMemoryStore 创建内存后端；reapInterval > 0 时启动后台清理
func NewMemoryStore(reapInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:    make(map[string]Entry),
		clock:      time.Now,
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if reapInterval > 0 {
		go s.reapLoop(reapInterval)
	} else {
		close(s.reaperDone)
	}
	return s
}

func (s *MemoryStore) reapLoop(interval time.Duration) {
	defer close(s.reaperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Reap()
		case <-s.stopReaper:
			return
		}
	}
}

// Reap 物理删除已过期条目，返回删除数量
func (s *MemoryStore) Reap() int {
	now := nowMs(s.clock)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Close 停止后台清理
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopReaper) })
	<-s.reaperDone
	return nil
}

// live 返回未过期条目，调用方需持有锁
func (s *MemoryStore) live(key string, now int64) (Entry, bool) {
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		return Entry{}, false
	}
	return e, true
}

func copyEntry(e Entry) Entry {
	return Entry{Value: append([]byte(nil), e.Value...), TtlAt: e.TtlAt}
}

func (s *MemoryStore) Prepare(ctx context.Context, key string, entry Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := nowMs(s.clock)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key, now); ok {
		return false, nil
	}
	s.entries[key] = copyEntry(entry)
	return true, nil
}

func (s *MemoryStore) GetValue(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := nowMs(s.clock)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, now)
	if !ok {
		return nil, nil
	}
	c := copyEntry(e)
	return &c, nil
}

func (s *MemoryStore) Rollback(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := nowMs(s.clock)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key, now); !ok {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) RollbackIf(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := nowMs(s.clock)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, now)
	if !ok || !e.matches(value) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) Reprepare(ctx context.Context, key string, entry Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := nowMs(s.clock)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key, now); !ok {
		return false, nil
	}
	s.entries[key] = copyEntry(entry)
	return true, nil
}

func (s *MemoryStore) ReprepareIf(ctx context.Context, key string, oldValue []byte, entry Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := nowMs(s.clock)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, now)
	if !ok || !e.matches(oldValue) {
		return false, nil
	}
	s.entries[key] = copyEntry(entry)
	return true, nil
}

func (s *MemoryStore) Move(ctx context.Context, oldKey string, oldValue []byte, newKey string, entry Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := nowMs(s.clock)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.live(oldKey, now)
	if !ok || !old.matches(oldValue) {
		return false, nil
	}
	if _, taken := s.live(newKey, now); taken {
		return false, nil
	}
	delete(s.entries, oldKey)
	s.entries[newKey] = copyEntry(entry)
	return true, nil
}

var _ IStore = (*MemoryStore)(nil)
