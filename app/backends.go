package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"

	"evtcore/config"
	"evtcore/data/db"
	basicdb "evtcore/data/db/basic"
	"evtcore/eventing/store"
	"evtcore/eventing/store/boltstore"
	"evtcore/eventing/store/redisstore"
	"evtcore/eventing/projection"
	sqlstore "evtcore/eventing/store/sql"
	"evtcore/eventing/store/snapshot"
	"evtcore/logging"
	"evtcore/messaging"
	"evtcore/messaging/transport/memory"
	"evtcore/messaging/transport/natsjetstream"
	"evtcore/messaging/transport/redisstreams"
	syncbus "evtcore/messaging/transport/sync"
	"evtcore/prepare"
	"evtcore/storage/boltdb"
)

// resources 按需打开、在引擎中共享的连接
type resources struct {
	cfg    *config.Config
	sqlite *basicdb.DB
	bolt   *bbolt.DB
	redis  redis.UniversalClient
}

func (r *resources) sqlDB() (db.IDatabase, error) {
	if r.sqlite == nil {
		d, err := basicdb.New(r.cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		r.sqlite = d
	}
	return r.sqlite, nil
}

func (r *resources) boltDB(ctx context.Context) (*bbolt.DB, error) {
	if r.bolt == nil {
		d, err := boltdb.Open(ctx, r.cfg.Bolt)
		if err != nil {
			return nil, fmt.Errorf("open bolt: %w", err)
		}
		r.bolt = d
	}
	return r.bolt, nil
}

func (r *resources) redisClient() redis.UniversalClient {
	if r.redis == nil {
		c := r.cfg.Redis
		r.redis = redis.NewClient(&redis.Options{Addr: c.Addr, Username: c.Username, Password: c.Password, DB: c.DB})
	}
	return r.redis
}

// closers 关闭顺序与打开顺序相反
func (r *resources) closers() []func() error {
	var out []func() error
	if r.redis != nil {
		out = append(out, r.redis.Close)
	}
	if r.bolt != nil {
		out = append(out, r.bolt.Close)
	}
	if r.sqlite != nil {
		out = append(out, r.sqlite.Close)
	}
	return out
}

func (r *resources) eventStore(ctx context.Context) (store.IEventStore, error) {
	switch r.cfg.EventStore.Backend {
	case config.BackendMemory:
		return store.NewMemoryEventStore(), nil
	case config.BackendSQLite:
		database, err := r.sqlDB()
		if err != nil {
			return nil, err
		}
		s, err := sqlstore.NewEventStore(database, r.cfg.EventStore.Table)
		if err != nil {
			return nil, err
		}
		return s, s.Init(ctx)
	case config.BackendRedis:
		return redisstore.NewEventStore(redisstore.Config{
			Client:    r.redisClient(),
			KeyPrefix: r.cfg.Redis.KeyPrefix,
		})
	case config.BackendBolt:
		database, err := r.boltDB(ctx)
		if err != nil {
			return nil, err
		}
		return boltstore.NewEventStore(database), nil
	default:
		return nil, fmt.Errorf("unknown event store backend %q", r.cfg.EventStore.Backend)
	}
}

func (r *resources) snapshotRepository(ctx context.Context) (snapshot.IRepository, error) {
	switch backend := r.cfg.SnapshotBackend(); backend {
	case config.BackendMemory:
		return snapshot.NewMemoryRepository(), nil
	case config.BackendSQLite:
		database, err := r.sqlDB()
		if err != nil {
			return nil, err
		}
		repo := snapshot.NewSQLRepository(database, r.cfg.Snapshot.Table)
		return repo, repo.Init(ctx)
	case config.BackendRedis:
		return snapshot.NewRedisRepository(r.redisClient(), r.cfg.Redis.SnapshotPrefix)
	case config.BackendBolt:
		database, err := r.boltDB(ctx)
		if err != nil {
			return nil, err
		}
		return snapshot.NewBoltRepository(database), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", backend)
	}
}

func (r *resources) prepareStore(ctx context.Context) (prepare.IStore, error) {
	switch backend := r.cfg.PrepareBackend(); backend {
	case config.BackendMemory:
		return prepare.NewMemoryStore(r.cfg.Prepare.ReapInterval), nil
	case config.BackendSQLite:
		database, err := r.sqlDB()
		if err != nil {
			return nil, err
		}
		s, err := prepare.NewSQLStore(database, r.cfg.Prepare.Table)
		if err != nil {
			return nil, err
		}
		return s, s.Init(ctx)
	case config.BackendRedis:
		return prepare.NewRedisStore(r.redisClient(), r.cfg.Redis.PreparePrefix)
	case config.BackendBolt:
		database, err := r.boltDB(ctx)
		if err != nil {
			return nil, err
		}
		return prepare.NewBoltStore(database)
	default:
		return nil, fmt.Errorf("unknown prepare backend %q", backend)
	}
}

// checkpointStore sqlite 可用时持久化检查点，其余情况使用内存
func (r *resources) checkpointStore(ctx context.Context) (projection.ICheckpointStore, error) {
	if !r.cfg.Uses(config.BackendSQLite) {
		return projection.NewMemoryCheckpointStore(), nil
	}
	database, err := r.sqlDB()
	if err != nil {
		return nil, err
	}
	s, err := projection.NewSQLCheckpointStore(database, "")
	if err != nil {
		return nil, err
	}
	return s, s.Init(ctx)
}

func (r *resources) bus(e *Engine) (messaging.IDomainEventBus, error) {
	switch r.cfg.Bus.Transport {
	case config.TransportSync:
		return syncbus.NewBus(), nil
	case config.TransportMemory:
		return memory.NewBus(r.cfg.Bus.QueueSize, r.cfg.Bus.WorkerCount, e.metrics), nil
	case config.TransportNATS:
		cfg := r.cfg.NATS
		cfg.Logger = logging.ComponentLogger("bus.nats")
		cfg.Metrics = e.metrics
		return natsjetstream.NewBus(cfg), nil
	case config.TransportRedis:
		cfg := r.cfg.Bus.Redis
		if cfg.Client == nil && cfg.Addr == "" {
			cfg.Client = r.redisClient()
		}
		cfg.Metrics = e.metrics
		return redisstreams.NewBus(cfg)
	default:
		return nil, fmt.Errorf("unknown bus transport %q", r.cfg.Bus.Transport)
	}
}
