package queue

import "github.com/redis/go-redis/v9"

// The scripts receive every time value as an argument so behavior does
// not depend on server clocks. Job and index keys are derived from the
// namespace prefix in ARGV; the queue is not cluster-aware.

// claimScript returns {jobID, taskJSON} for the best claimable waiting
// job, or false. A job is claimable when it is unpinned or pinned to
// the calling agent and every dependency is in completed state. The
// claim itself is the atomic CAS to active.
//
// KEYS: waiting, active. ARGV: prefix, agentID, stallDeadlineMs, scanLimit.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[4]) - 1)
for _, id in ipairs(ids) do
  local job = ARGV[1] .. 'job:' .. id
  local assigned = redis.call('HGET', job, 'assignedTo')
  if assigned == false or assigned == '' or assigned == ARGV[2] then
    local ok = true
    local deps = redis.call('HGET', job, 'deps')
    if deps and deps ~= '' then
      for dep in string.gmatch(deps, '([^,]+)') do
        local depJob = redis.call('GET', ARGV[1] .. 'task:' .. dep)
        if depJob == false then
          ok = false
        elseif redis.call('HGET', ARGV[1] .. 'job:' .. depJob, 'state') ~= 'completed' then
          ok = false
        end
        if not ok then break end
      end
    end
    if ok then
      redis.call('ZREM', KEYS[1], id)
      redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), id)
      redis.call('HSET', job, 'state', 'active', 'assignedTo', ARGV[2])
      return {id, redis.call('HGET', job, 'task')}
    end
  end
end
return false
`)

// completeScript moves an active job to completed and pushes the
// result onto the side-queue in the same transaction.
//
// KEYS: active, completed, results. ARGV: prefix, jobID, nowMs, resultJSON.
var completeScript = redis.NewScript(`
local job = ARGV[1] .. 'job:' .. ARGV[2]
if redis.call('HGET', job, 'state') ~= 'active' then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[2])
redis.call('HSET', job, 'state', 'completed', 'finishedAt', ARGV[3])
redis.call('RPUSH', KEYS[3], ARGV[4])
return 1
`)

// failScript consumes an attempt, then either parks the job in failed
// or reschedules it with exponential back-off. Returns -1 when the job
// is not active, 0 on terminal failure, otherwise the attempt count.
//
// KEYS: active, failed, delayed. ARGV: prefix, jobID, nowMs, backoffBaseMs, cause.
var failScript = redis.NewScript(`
local job = ARGV[1] .. 'job:' .. ARGV[2]
if redis.call('HGET', job, 'state') ~= 'active' then
  return -1
end
local attempts = redis.call('HINCRBY', job, 'attempts', 1)
local max = tonumber(redis.call('HGET', job, 'maxAttempts'))
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('HSET', job, 'error', ARGV[5])
if attempts >= max then
  redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[2])
  redis.call('HSET', job, 'state', 'failed', 'finishedAt', ARGV[3])
  return 0
end
local delay = tonumber(ARGV[4]) * 2 ^ attempts
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]) + delay, ARGV[2])
redis.call('HSET', job, 'state', 'delayed', 'assignedTo', '')
return attempts
`)

// promoteScript moves every due delayed job back to waiting at its
// original priority score.
//
// KEYS: delayed, waiting. ARGV: prefix, nowMs.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, id in ipairs(ids) do
  local job = ARGV[1] .. 'job:' .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], tonumber(redis.call('HGET', job, 'score')), id)
  redis.call('HSET', job, 'state', 'waiting')
end
return #ids
`)

// reclaimScript returns stalled active jobs to waiting with an attempt
// consumed, or parks them in failed when the budget is gone. Returns
// {reclaimed, failed}.
//
// KEYS: active, waiting, failed. ARGV: prefix, nowMs.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local reclaimed = 0
local failed = 0
for _, id in ipairs(ids) do
  local job = ARGV[1] .. 'job:' .. id
  local attempts = redis.call('HINCRBY', job, 'attempts', 1)
  local max = tonumber(redis.call('HGET', job, 'maxAttempts'))
  redis.call('ZREM', KEYS[1], id)
  if attempts >= max then
    redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), id)
    redis.call('HSET', job, 'state', 'failed', 'error', 'stalled: no completion before deadline', 'finishedAt', ARGV[2])
    failed = failed + 1
  else
    redis.call('ZADD', KEYS[2], tonumber(redis.call('HGET', job, 'score')), id)
    redis.call('HSET', job, 'state', 'waiting', 'assignedTo', '')
    reclaimed = reclaimed + 1
  end
end
return {reclaimed, failed}
`)
