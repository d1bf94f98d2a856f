package redisstore

import "github.com/redis/go-redis/v9"

const (
	resultOK                   = "OK"
	resultEventVersionConflict = "EVENT_VERSION_CONFLICT"
	resultDuplicateRequestID   = "DUPLICATE_REQUEST_ID"
)

// appendScript 校验版本与 requestId 后写入事件流
//
// KEYS[1] stream 有序集合（score=version）
// KEYS[2] requestId -> version 哈希
// ARGV[1] version, ARGV[2] requestId, ARGV[3] 事件流 JSON
var appendScript = redis.NewScript(`
local last = redis.call('ZRANGE', KEYS[1], -1, -1, 'WITHSCORES')
local head = 0
if #last > 0 then
    head = tonumber(last[2])
end
if tonumber(ARGV[1]) ~= head + 1 then
    return 'EVENT_VERSION_CONFLICT'
end
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then
    return 'DUPLICATE_REQUEST_ID'
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
return 'OK'
`)
