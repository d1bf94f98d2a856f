// Package boltdb 封装 bbolt 的打开方式与嵌套 bucket 访问
package boltdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Config bbolt 数据库配置
type Config struct {
	Path string `yaml:"path"`
	// 获取文件锁的超时时间，默认 1s
	Timeout time.Duration `yaml:"timeout"`
	NoSync  bool          `yaml:"no_sync"`
}

// Open 打开（必要时创建）数据库文件；ctx 的截止时间早于 Timeout 时以 ctx 为准
func Open(ctx context.Context, cfg Config) (*bbolt.DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("bolt path not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", cfg.Path, err)
	}
	return db, nil
}

// BucketParent 可以包含 bucket 的对象（*bbolt.Tx 或 *bbolt.Bucket）
type BucketParent interface {
	Bucket(name []byte) *bbolt.Bucket
	CreateBucketIfNotExists(name []byte) (*bbolt.Bucket, error)
}

// CreateBucket 逐级创建嵌套 bucket
func CreateBucket(p BucketParent, path ...[]byte) (*bbolt.Bucket, error) {
	if len(path) == 0 {
		return nil, errors.New("at least one path element must be provided")
	}
	var b *bbolt.Bucket
	for _, n := range path {
		var err error
		b, err = p.CreateBucketIfNotExists(n)
		if err != nil {
			return nil, err
		}
		p = b
	}
	return b, nil
}

// Bucket 逐级获取嵌套 bucket，任一级不存在返回 nil
func Bucket(p BucketParent, path ...[]byte) *bbolt.Bucket {
	var b *bbolt.Bucket
	for _, n := range path {
		b = p.Bucket(n)
		if b == nil {
			return nil
		}
		p = b
	}
	return b
}

// MarshalUint64 大端编码，保证按数值顺序排列
func MarshalUint64(n uint64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, n)
	return data
}

// UnmarshalUint64 解码 MarshalUint64 的结果
func UnmarshalUint64(data []byte) (uint64, error) {
	switch len(data) {
	case 0:
		return 0, nil
	case 8:
		return binary.BigEndian.Uint64(data), nil
	default:
		return 0, fmt.Errorf("data is corrupt, expected 8 bytes, got %d", len(data))
	}
}
