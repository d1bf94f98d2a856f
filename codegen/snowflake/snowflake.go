// Package snowflake 生成按时间递增的 64 位 ID，用于事件与事件流标识。
//
// 布局：41 位毫秒时间戳 | 10 位节点号 | 12 位序列号。
package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// 起始时间戳 (2023-01-01 00:00:00 UTC)
	epoch int64 = 1672531200000

	nodeBits     = 10
	sequenceBits = 12

	MaxNode     = -1 ^ (-1 << nodeBits)
	maxSequence = -1 ^ (-1 << sequenceBits)

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits

	// 时钟回拨在该范围内时等待追平，超出则报错
	maxBackwardsWait = 5 * time.Millisecond
)

// ErrClockMovedBackwards 时钟回拨超过容忍范围
var ErrClockMovedBackwards = errors.New("clock moved backwards, refusing to generate id")

// Generator Snowflake ID生成器
type Generator struct {
	mu            sync.Mutex
	node          int64
	sequence      int64
	lastTimestamp int64
	now           func() int64
}

// NewGenerator 创建指定节点号的生成器
func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, errors.New("snowflake node out of range")
	}
	return &Generator{
		node:          node,
		lastTimestamp: -1,
		now:           func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NextID 生成下一个ID
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.lastTimestamp {
		if time.Duration(g.lastTimestamp-now)*time.Millisecond > maxBackwardsWait {
			return 0, ErrClockMovedBackwards
		}
		for now < g.lastTimestamp {
			time.Sleep(time.Millisecond)
			now = g.now()
		}
	}

	if now == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= g.lastTimestamp {
				now = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = now

	return ((now - epoch) << timestampShift) | (g.node << nodeShift) | g.sequence, nil
}

// NextString 生成 base36 字符串形式的 ID
func (g *Generator) NextString() (string, error) {
	id, err := g.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 36), nil
}

// Timestamp 从 ID 中取出生成时间
func Timestamp(id int64) time.Time {
	return time.UnixMilli((id >> timestampShift) + epoch)
}

// Node 从 ID 中取出节点号
func Node(id int64) int64 {
	return (id >> nodeShift) & MaxNode
}

var defaultGenerator atomic.Pointer[Generator]

func init() {
	gen, _ := NewGenerator(1)
	defaultGenerator.Store(gen)
}

// SetNode 替换默认生成器的节点号
func SetNode(node int64) error {
	gen, err := NewGenerator(node)
	if err != nil {
		return err
	}
	defaultGenerator.Store(gen)
	return nil
}

// NewString 使用默认生成器生成字符串 ID，时钟异常时退化为时间戳加随机序号
func NewString() string {
	id, err := defaultGenerator.Load().NextString()
	if err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return id
}
