// Package config 加载 evtcore 的 YAML 配置
//
// 加载顺序：Default() -> YAML 文件 -> EVTCORE_* 环境变量，最后 Validate()。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"evtcore/data/db"
	"evtcore/eventing/store/snapshot"
	"evtcore/logging"
	"evtcore/messaging/transport/natsjetstream"
	"evtcore/messaging/transport/redisstreams"
	"evtcore/modeling/command"
	"evtcore/scheduler"
	"evtcore/storage/boltdb"
)

// 存储后端
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

// 总线传输
const (
	TransportSync   = "sync"
	TransportMemory = "memory"
	TransportNATS   = "nats"
	TransportRedis  = "redis"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "EVTCORE_"

// Config 根配置
type Config struct {
	Logging    LoggingConfig        `yaml:"logging"`
	EventStore EventStoreConfig     `yaml:"event_store"`
	Snapshot   SnapshotConfig       `yaml:"snapshot"`
	Prepare    PrepareConfig        `yaml:"prepare"`
	Bus        BusConfig            `yaml:"bus"`
	Command    command.Config       `yaml:"command"`
	Scheduler  scheduler.Config     `yaml:"scheduler"`
	SQLite     db.Config            `yaml:"sqlite"`
	Redis      RedisConfig          `yaml:"redis"`
	Bolt       boltdb.Config        `yaml:"bolt"`
	NATS       natsjetstream.Config `yaml:"nats"`
	Metrics    MetricsConfig        `yaml:"metrics"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Driver string `yaml:"driver"` // std|zap
	Format string `yaml:"format"` // zap: json|console
	Level  string `yaml:"level"`
}

// EventStoreConfig 事件存储配置
type EventStoreConfig struct {
	Backend string `yaml:"backend"`
	Table   string `yaml:"table"`
}

// SnapshotConfig 快照配置；Backend 为空时与事件存储相同
type SnapshotConfig struct {
	Backend       string        `yaml:"backend"`
	Table         string        `yaml:"table"`
	Strategy      string        `yaml:"strategy"` // all|version_offset|time_offset|none
	VersionOffset uint64        `yaml:"version_offset"`
	TimeOffset    time.Duration `yaml:"time_offset"`

	snapshot.SnapshotterConfig `yaml:",inline"`
}

// PrepareConfig PrepareKey 存储配置；Backend 为空时与事件存储相同
type PrepareConfig struct {
	Backend      string        `yaml:"backend"`
	Table        string        `yaml:"table"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// BusConfig 事件总线配置
type BusConfig struct {
	Transport   string              `yaml:"transport"`
	QueueSize   int                 `yaml:"queue_size"`
	WorkerCount int                 `yaml:"worker_count"`
	Redis       redisstreams.Config `yaml:"redis"`
}

// RedisConfig 事件存储、快照、PrepareKey 共用的 Redis 连接
type RedisConfig struct {
	Addr           string `yaml:"addr"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	KeyPrefix      string `yaml:"key_prefix"`
	SnapshotPrefix string `yaml:"snapshot_prefix"`
	PreparePrefix  string `yaml:"prepare_prefix"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	// Listen 非空时 serve 命令在该地址暴露 /metrics
	Listen string `yaml:"listen"`
}

// Default 单进程内存部署的默认配置
func Default() *Config {
	return &Config{
		Logging:    LoggingConfig{Driver: "std", Format: "json", Level: "info"},
		EventStore: EventStoreConfig{Backend: BackendMemory},
		Snapshot: SnapshotConfig{
			Strategy:          snapshot.StrategyVersionOffset,
			VersionOffset:     snapshot.DefaultVersionOffset,
			TimeOffset:        snapshot.DefaultTimeOffset,
			SnapshotterConfig: snapshot.DefaultSnapshotterConfig(),
		},
		Prepare:   PrepareConfig{ReapInterval: time.Minute},
		Bus:       BusConfig{Transport: TransportMemory, QueueSize: 1000, WorkerCount: 4},
		Command:   command.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		SQLite:    db.Config{Driver: "sqlite", DSN: "evtcore.db"},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Bolt:      boltdb.Config{Path: "evtcore.bolt", Timeout: time.Second},
		Metrics:   MetricsConfig{Namespace: "evtcore"},
	}
}

// Load 读取 YAML 文件并叠加环境变量；path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 YAML 内容（不读取环境变量）
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

var envBindings = []envBinding{
	{"LOG_DRIVER", str(func(c *Config) *string { return &c.Logging.Driver })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Logging.Format })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"EVENT_STORE_BACKEND", str(func(c *Config) *string { return &c.EventStore.Backend })},
	{"SNAPSHOT_BACKEND", str(func(c *Config) *string { return &c.Snapshot.Backend })},
	{"SNAPSHOT_STRATEGY", str(func(c *Config) *string { return &c.Snapshot.Strategy })},
	{"PREPARE_BACKEND", str(func(c *Config) *string { return &c.Prepare.Backend })},
	{"BUS_TRANSPORT", str(func(c *Config) *string { return &c.Bus.Transport })},
	{"COMMAND_MAX_ATTEMPTS", integer(func(c *Config) *int { return &c.Command.MaxAttempts })},
	{"SCHEDULER_LANES", integer(func(c *Config) *int { return &c.Scheduler.Lanes })},
	{"SQLITE_DSN", str(func(c *Config) *string { return &c.SQLite.DSN })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
	{"BOLT_PATH", str(func(c *Config) *string { return &c.Bolt.Path })},
	{"NATS_URL", str(func(c *Config) *string { return &c.NATS.URL })},
	{"METRICS_LISTEN", str(func(c *Config) *string { return &c.Metrics.Listen })},
	{"METRICS_ENABLED", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Metrics.Enabled = b
		return nil
	}},
}

// ApplyEnv 用 EVTCORE_* 环境变量覆盖配置
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

// SnapshotBackend 实际使用的快照后端
func (c *Config) SnapshotBackend() string {
	if c.Snapshot.Backend != "" {
		return c.Snapshot.Backend
	}
	return c.EventStore.Backend
}

// PrepareBackend 实际使用的 PrepareKey 后端
func (c *Config) PrepareBackend() string {
	if c.Prepare.Backend != "" {
		return c.Prepare.Backend
	}
	return c.EventStore.Backend
}

// Uses 是否有组件使用了该后端
func (c *Config) Uses(backend string) bool {
	return c.EventStore.Backend == backend || c.SnapshotBackend() == backend || c.PrepareBackend() == backend
}

// Validate 校验配置
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Driver {
	case "", "std", "zap":
	default:
		return fmt.Errorf("unknown logging driver %q", c.Logging.Driver)
	}
	for section, backend := range map[string]string{
		"event_store": c.EventStore.Backend,
		"snapshot":    c.SnapshotBackend(),
		"prepare":     c.PrepareBackend(),
	} {
		switch backend {
		case BackendMemory, BackendSQLite, BackendRedis, BackendBolt:
		default:
			return fmt.Errorf("%s: unknown backend %q", section, backend)
		}
	}
	if _, err := snapshot.ParseStrategy(c.Snapshot.Strategy, c.Snapshot.VersionOffset, c.Snapshot.TimeOffset); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	switch c.Bus.Transport {
	case TransportSync, TransportMemory, TransportNATS, TransportRedis:
	default:
		return fmt.Errorf("bus: unknown transport %q", c.Bus.Transport)
	}
	if c.Command.MaxAttempts < 1 {
		return fmt.Errorf("command: max_attempts must be at least 1")
	}
	if c.Scheduler.Lanes < 1 {
		return fmt.Errorf("scheduler: lanes must be at least 1")
	}
	if c.Uses(BackendSQLite) && c.SQLite.DSN == "" {
		return fmt.Errorf("sqlite: dsn is required")
	}
	if c.Uses(BackendBolt) && c.Bolt.Path == "" {
		return fmt.Errorf("bolt: path is required")
	}
	if (c.Uses(BackendRedis) || c.Bus.Transport == TransportRedis) && c.Redis.Addr == "" && c.Bus.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required")
	}
	return nil
}
