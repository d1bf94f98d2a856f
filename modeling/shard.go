package modeling

import "github.com/cespare/xxhash/v2"

// Shard 将聚合实例映射到 [0, lanes) 的稳定下标
//
// 同一聚合总是落在同一分片上，不同进程结果一致。
func Shard(id AggregateId, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	h := xxhash.New()
	_, _ = h.WriteString(id.Tenant())
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(id.ID)
	return int(h.Sum64() % uint64(lanes))
}
