package scheduler

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"evtcore/eventing/monitoring"
	"evtcore/modeling"
)

// 默认通道配置
const (
	DefaultLanes     = 16
	DefaultQueueSize = 64
)

// Config 调度配置
type Config struct {
	Lanes     int `yaml:"lanes"`
	QueueSize int `yaml:"queue_size"`

	// AggregateLanes 按 context.aggregate 覆盖通道数
	AggregateLanes map[string]int `yaml:"aggregate_lanes"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{Lanes: DefaultLanes, QueueSize: DefaultQueueSize}
}

// Supplier 按聚合类型惰性创建 LanePool，运行期间不会移除
type Supplier struct {
	cfg     Config
	metrics monitoring.IMetrics

	mu     sync.Mutex
	pools  map[modeling.NamedAggregate]*LanePool
	closed bool
}

// NewSupplier 创建 Supplier
func NewSupplier(cfg Config, metrics monitoring.IMetrics) *Supplier {
	return &Supplier{
		cfg:     cfg,
		metrics: metrics,
		pools:   make(map[modeling.NamedAggregate]*LanePool),
	}
}

// Pool 返回聚合类型的通道池，首次访问时创建；关闭后返回 ErrClosed
func (s *Supplier) Pool(named modeling.NamedAggregate) (*LanePool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if p, ok := s.pools[named]; ok {
		return p, nil
	}
	lanes := s.cfg.Lanes
	if n, ok := s.cfg.AggregateLanes[named.String()]; ok && n > 0 {
		lanes = n
	}
	p := NewLanePool(named, lanes, s.cfg.QueueSize, s.metrics)
	s.pools[named] = p
	return p, nil
}

// Submit 在 id 所属聚合类型的通道上执行任务
func (s *Supplier) Submit(ctx context.Context, id modeling.AggregateId, fn Task) error {
	p, err := s.Pool(id.NamedAggregate)
	if err != nil {
		return err
	}
	return p.Submit(ctx, id, fn)
}

// Close 关闭全部通道池
func (s *Supplier) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	pools := make([]*LanePool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	var err error
	for _, p := range pools {
		err = multierr.Append(err, p.Close(ctx))
	}
	return err
}
