package capacity

import "github.com/redis/go-redis/v9"

// Every script that changes the counter also bumps the version key so the
// reconciler can detect concurrent writers.
//
// KEYS[1] count, KEYS[2] holds (zset holdID -> expiry ms),
// KEYS[3] version, KEYS[4] events-with-holds index.

// ARGV[1] max, ARGV[2] hold id ("" for none), ARGV[3] expiry ms, ARGV[4] event id
// Returns {1, count} on success, {0, count} when full.
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current + 1 > tonumber(ARGV[1]) then
  return {0, current}
end
local count = redis.call('INCR', KEYS[1])
redis.call('INCR', KEYS[3])
if ARGV[2] ~= '' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
  redis.call('SADD', KEYS[4], ARGV[4])
end
return {1, count}
`)

// Returns the new count.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
redis.call('INCR', KEYS[3])
return count
`)

// ARGV[1] units. Floors at zero, returns the new count.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local units = tonumber(ARGV[1])
redis.call('INCR', KEYS[3])
if current <= units then
  redis.call('SET', KEYS[1], 0)
  return 0
end
return redis.call('DECRBY', KEYS[1], units)
`)

// ARGV[1] hold id. Returns the new count, or -1 when the hold was already
// gone (swept), in which case nothing is released twice.
var releaseHoldScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return -1
end
redis.call('INCR', KEYS[3])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 1 then
  redis.call('SET', KEYS[1], 0)
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// ARGV[1] hold id, ARGV[2] max. The slot becomes permanent. If the hold had
// already been swept the slot is taken again, unless that would overfill.
// Returns 1 when the seat is held, 0 otherwise.
var confirmHoldScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
  return 1
end
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current + 1 > tonumber(ARGV[2]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('INCR', KEYS[3])
return 1
`)

// ARGV[1] now ms, ARGV[2] event id. Returns the number of holds released.
var sweepScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local n = #expired
if n > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
  redis.call('INCR', KEYS[3])
  local current = tonumber(redis.call('GET', KEYS[1]) or '0')
  if current <= n then
    redis.call('SET', KEYS[1], 0)
  else
    redis.call('DECRBY', KEYS[1], n)
  end
end
if redis.call('ZCARD', KEYS[2]) == 0 then
  redis.call('SREM', KEYS[4], ARGV[2])
end
return n
`)

// ARGV[1] observed version, ARGV[2] durable occupancy.
// Sets count = durable + live holds if nobody wrote since the version was read.
// Returns {1, new count} or {0, current count}.
var reconcileScript = redis.NewScript(`
local version = tonumber(redis.call('GET', KEYS[3]) or '0')
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if version ~= tonumber(ARGV[1]) then
  return {0, current}
end
local target = tonumber(ARGV[2]) + redis.call('ZCARD', KEYS[2])
if target ~= current then
  redis.call('SET', KEYS[1], target)
  redis.call('INCR', KEYS[3])
end
return {1, target}
`)
