package redisstore

import "evtcore/modeling"

// keyspace 计算聚合相关的 Redis 键
//
// 同一聚合的键共享 {...} 哈希标签，集群模式下落在同一槽位，Lua 脚本可原子访问。
type keyspace struct {
	prefix string
}

func (k keyspace) tag(id modeling.AggregateId) string {
	return k.prefix + "{" + id.String() + "}"
}

func (k keyspace) stream(id modeling.AggregateId) string {
	return k.tag(id) + ":stream"
}

func (k keyspace) requests(id modeling.AggregateId) string {
	return k.tag(id) + ":requests"
}

func (k keyspace) index(named modeling.NamedAggregate) string {
	return k.prefix + "{" + named.String() + "}:ids"
}
