package snapshot

import (
	"context"
	"sync"
	"time"

	"evtcore/eventing/monitoring"
	"evtcore/logging"
	"evtcore/patterns/retry"
)

// SnapshotterConfig 异步保存配置
type SnapshotterConfig struct {
	Workers   int          `yaml:"workers"`
	QueueSize int          `yaml:"queue_size"`
	Retry     retry.Config `yaml:"retry"`
}

// DefaultSnapshotterConfig 默认 2 个 worker，队列 256
func DefaultSnapshotterConfig() SnapshotterConfig {
	return SnapshotterConfig{Workers: 2, QueueSize: 256, Retry: retry.DefaultConfig()}
}

// Snapshotter 依据策略决定是否生成快照，并在后台保存
//
// 保存失败只记录日志与指标，不会影响已经成功的命令。
type Snapshotter struct {
	repo     IRepository
	strategy IStrategy
	cfg      SnapshotterConfig
	metrics  monitoring.IMetrics
	logger   logging.Logger

	queue     chan *Snapshot
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSnapshotter 创建并启动后台 worker
func NewSnapshotter(repo IRepository, strategy IStrategy, cfg SnapshotterConfig, metrics monitoring.IMetrics) *Snapshotter {
	def := DefaultSnapshotterConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if strategy == nil {
		strategy = NoneStrategy{}
	}
	if metrics == nil {
		metrics = monitoring.NewNoopMetrics()
	}
	s := &Snapshotter{
		repo:     repo,
		strategy: strategy,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logging.ComponentLogger("eventing.snapshot"),
		queue:    make(chan *Snapshot, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Strategy 返回当前策略
func (s *Snapshotter) Strategy() IStrategy { return s.strategy }

// Repository 返回快照仓库
func (s *Snapshotter) Repository() IRepository { return s.repo }

// Offer 策略命中时调用 build 生成快照并入队；返回是否入队
//
// build 在调用方 goroutine 中同步执行，快照内容对应调用时刻的状态。
// 队列已满时丢弃本次快照。
func (s *Snapshotter) Offer(ctx context.Context, p Progress, build func() (*Snapshot, error)) bool {
	if !s.strategy.ShouldSnapshot(p) {
		return false
	}
	snap, err := build()
	if err != nil {
		s.logger.Warn(ctx, "build snapshot failed", logging.Stringer("aggregate_id", p.AggregateId), logging.Error(err))
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- snap:
		return true
	default:
		s.logger.Warn(ctx, "snapshot queue full, dropping snapshot",
			logging.Stringer("aggregate_id", p.AggregateId),
			logging.Uint64("version", p.Version))
		return false
	}
}

// SaveNow 同步保存（带重试），供重建快照等维护操作使用
func (s *Snapshotter) SaveNow(ctx context.Context, snap *Snapshot) error {
	start := time.Now()
	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		return s.repo.Save(ctx, snap)
	}, s.cfg.Retry)
	s.metrics.SnapshotSaved(snap.AggregateId.NamedAggregate.String(), time.Since(start), err == nil)
	return err
}

func (s *Snapshotter) worker() {
	defer s.wg.Done()
	for snap := range s.queue {
		ctx := context.Background()
		if err := s.SaveNow(ctx, snap); err != nil {
			s.logger.Error(ctx, "save snapshot failed",
				logging.Stringer("aggregate_id", snap.AggregateId),
				logging.Uint64("version", snap.Version),
				logging.Error(err))
		}
	}
}

// Close 停止接收并等待队列中的快照保存完成，ctx 到期时返回 ctx 错误
func (s *Snapshotter) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
