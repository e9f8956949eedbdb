package redisbroker

import "github.com/redis/go-redis/v9"

// Queue state lives in one hash per job plus three sorted sets per queue:
// waiting (score: ready-at ms), active (score: lease deadline ms) and dead (score: failed-at ms).
// Every transition is a single script so concurrent consumers never observe a half-moved job.

// KEYS[1] job hash, KEYS[2] waiting
// ARGV[1] job id, ARGV[2] ready-at ms, ARGV[3..] field/value pairs
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1] waiting, KEYS[2] active
// ARGV[1] now ms, ARGV[2] lease deadline ms, ARGV[3] job key prefix
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
local key = ARGV[3] .. id
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'state', 'active')
return id
`)

// KEYS[1] active, KEYS[2] job hash
// ARGV[1] job id, ARGV[2] retention ms
var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('HSET', KEYS[2], 'state', 'completed')
  redis.call('PEXPIRE', KEYS[2], ttl)
else
  redis.call('DEL', KEYS[2])
end
return 1
`)

// KEYS[1] active, KEYS[2] waiting, KEYS[3] job hash
// ARGV[1] job id, ARGV[2] ready-at ms, ARGV[3] last error
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'waiting', 'last_error', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1] active, KEYS[2] dead, KEYS[3] job hash
// ARGV[1] job id, ARGV[2] now ms, ARGV[3] last error, ARGV[4] dead set limit, ARGV[5] job key prefix
var buryScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'dead', 'last_error', ARGV[3], 'failed_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
local over = redis.call('ZCARD', KEYS[2]) - tonumber(ARGV[4])
if over > 0 then
  local old = redis.call('ZRANGE', KEYS[2], 0, over - 1)
  for _, id in ipairs(old) do
    redis.call('DEL', ARGV[5] .. id)
  end
  redis.call('ZREMRANGEBYRANK', KEYS[2], 0, over - 1)
end
return 1
`)

// KEYS[1] active, KEYS[2] waiting
// ARGV[1] now ms
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// KEYS[1] dead, KEYS[2] waiting, KEYS[3] job hash
// ARGV[1] job id, ARGV[2] now ms
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'waiting', 'attempts', 0, 'last_error', '')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)
