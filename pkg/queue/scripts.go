package queue

import "github.com/redis/go-redis/v9"

// All scripts receive the current time from the caller so that tests can
// drive the clock. Scores are unix milliseconds.

// KEYS: jobs ready  ARGV: id payload now
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: ready inflight leases attempts jobs errors  ARGV: now leaseUntil token
var consumeScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', '1')
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local payload = redis.call('HGET', KEYS[5], id)
if not payload then
	redis.call('HDEL', KEYS[4], id)
	redis.call('HDEL', KEYS[6], id)
	return {id, '', 0, ''}
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
local attempts = redis.call('HINCRBY', KEYS[4], id, 1)
local lastError = redis.call('HGET', KEYS[6], id) or ''
return {id, payload, attempts, lastError}
`)

// KEYS: leases inflight jobs attempts errors  ARGV: id token
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

// Moves a leased job to a scored set, used for both retry and dead letter.
// KEYS: leases inflight target errors  ARGV: id token score reason
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[4])
return 1
`)

// KEYS: leases inflight  ARGV: id token leaseUntil
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: inflight leases ready  ARGV: now
var requeueExpiredScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HDEL', KEYS[2], id)
	redis.call('ZADD', KEYS[3], ARGV[1], id)
end
return #ids
`)

// KEYS: dead ready attempts  ARGV: id now
var requeueDeadScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)
