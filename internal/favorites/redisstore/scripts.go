package redisstore

import "github.com/redis/go-redis/v9"

const (
	errorNotFound        = "NOT_FOUND"
	errorVersionConflict = "VERSION_CONFLICT"
)

// nextUpdatedAt is shared by both scripts. It returns now as the new updated_at unless
// the stored value is not older, in which case it returns the stored value plus one.
const nextUpdatedAt = `
local function nextUpdatedAt(key, now)
  local previous = tonumber(redis.call('HGET', key, 'updated_at'))
  if previous and previous >= now then
    return string.format('%.0f', previous + 1)
  end
  return string.format('%.0f', now)
end
`

// createOrTouchScript inserts the record when the hash is absent, otherwise overwrites
// only the snapshot fields and moves updated_at forward.
//
// KEYS[1] record hash, KEYS[2] owner index.
// ARGV[1] index member, ARGV[2] clock reading in milliseconds, ARGV[3] count of create
// field/value entries, then the create entries, then the snapshot entries.
var createOrTouchScript = redis.NewScript(nextUpdatedAt + `
local createCount = tonumber(ARGV[3])
local created = 0
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], unpack(ARGV, 4, 3 + createCount))
  redis.call('ZADD', KEYS[2], 0, ARGV[1])
  created = 1
else
  redis.call('HSET', KEYS[1], 'updated_at', nextUpdatedAt(KEYS[1], tonumber(ARGV[2])))
  if #ARGV > 3 + createCount then
    redis.call('HSET', KEYS[1], unpack(ARGV, 4 + createCount, #ARGV))
  end
end
return {created, redis.call('HGETALL', KEYS[1])}
`)

// updateScript applies field/value entries when the stored version equals ARGV[1].
//
// KEYS[1] record hash. ARGV[1] expected version, ARGV[2] clock reading in milliseconds,
// then field/value entries.
var updateScript = redis.NewScript(nextUpdatedAt + `
local current = redis.call('HGET', KEYS[1], 'version')
if not current then
  return redis.error_reply('NOT_FOUND')
end
if current ~= ARGV[1] then
  return redis.error_reply('VERSION_CONFLICT')
end
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', nextUpdatedAt(KEYS[1], tonumber(ARGV[2])))
if #ARGV > 2 then
  redis.call('HSET', KEYS[1], unpack(ARGV, 3, #ARGV))
end
return redis.call('HGETALL', KEYS[1])
`)
