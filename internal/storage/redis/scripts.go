package redis

const (
	// saveSessionScript writes session fields and refreshes the lifetime of
	// the session hash and its completed-levels set
	saveSessionScript = `
local session_key = KEYS[1]   -- playgate:session:{id}
local levels_key = KEYS[2]    -- playgate:session:{id}:levels

local ttl = tonumber(ARGV[1])

for i = 2, #ARGV, 2 do
  redis.call('HSET', session_key, ARGV[i], ARGV[i + 1])
end

redis.call('EXPIRE', session_key, ttl)
if redis.call('EXISTS', levels_key) == 1 then
  redis.call('EXPIRE', levels_key, ttl)
end

return 'OK'
`

	// removeSessionFieldsScript deletes fields without shortening the session
	removeSessionFieldsScript = `
local session_key = KEYS[1]   -- playgate:session:{id}

local ttl = tonumber(ARGV[1])

for i = 2, #ARGV do
  redis.call('HDEL', session_key, ARGV[i])
end

if redis.call('EXISTS', session_key) == 1 then
  redis.call('EXPIRE', session_key, ttl)
end

return 'OK'
`

	// addCompletedLevelScript records a completed level for sequential unlock
	addCompletedLevelScript = `
local levels_key = KEYS[1]    -- playgate:session:{id}:levels
local session_key = KEYS[2]   -- playgate:session:{id}

local level = ARGV[1]
local ttl = tonumber(ARGV[2])

local added = redis.call('SADD', levels_key, level)
redis.call('EXPIRE', levels_key, ttl)
if redis.call('EXISTS', session_key) == 1 then
  redis.call('EXPIRE', session_key, ttl)
end

return added
`

	// beginReportScript claims a level report for sending. Returns 0 when the
	// attempt is already reported or a recent send is still in flight.
	beginReportScript = `
local report_key = KEYS[1]    -- playgate:report:{sessionID}:{attemptID}
local pending_set = KEYS[2]   -- playgate:reports:pending:{sessionID}

local session_id = ARGV[1]
local attempt_id = ARGV[2]
local level = ARGV[3]
local payload = ARGV[4]
local now_ms = tonumber(ARGV[5])
local stale_ms = tonumber(ARGV[6])
local ttl = tonumber(ARGV[7])

local status = redis.call('HGET', report_key, 'status')
if status == 'reported' then
  return 0
end
if status == 'sending' then
  local updated = tonumber(redis.call('HGET', report_key, 'updated_at') or '0')
  if now_ms - updated < stale_ms then
    return 0
  end
end

redis.call('HSET', report_key,
  'session_id', session_id,
  'attempt_id', attempt_id,
  'level', level,
  'status', 'sending',
  'payload', payload,
  'updated_at', now_ms
)
redis.call('HINCRBY', report_key, 'attempts', 1)
redis.call('EXPIRE', report_key, ttl)
redis.call('SREM', pending_set, attempt_id)

return 1
`

	// finishReportScript marks a report as delivered
	finishReportScript = `
local report_key = KEYS[1]    -- playgate:report:{sessionID}:{attemptID}
local pending_set = KEYS[2]   -- playgate:reports:pending:{sessionID}

local attempt_id = ARGV[1]
local outcome = ARGV[2]
local now_ms = ARGV[3]
local ttl = tonumber(ARGV[4])

redis.call('HSET', report_key,
  'status', 'reported',
  'outcome', outcome,
  'updated_at', now_ms
)
redis.call('EXPIRE', report_key, ttl)
redis.call('SREM', pending_set, attempt_id)

return 'OK'
`

	// failReportScript parks an undelivered report for a later retry
	failReportScript = `
local report_key = KEYS[1]    -- playgate:report:{sessionID}:{attemptID}
local pending_set = KEYS[2]   -- playgate:reports:pending:{sessionID}

local attempt_id = ARGV[1]
local now_ms = ARGV[2]
local ttl = tonumber(ARGV[3])

local status = redis.call('HGET', report_key, 'status')
if not status or status == 'reported' then
  return 0
end

redis.call('HSET', report_key, 'status', 'pending', 'updated_at', now_ms)
redis.call('EXPIRE', report_key, ttl)
redis.call('SADD', pending_set, attempt_id)
redis.call('EXPIRE', pending_set, ttl)

return 1
`
)
