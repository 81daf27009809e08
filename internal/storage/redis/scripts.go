package redis

import "github.com/redis/go-redis/v9"

const (
	// putBlobScript stores a blob only when its version advances
	putBlobScript = `
local blob_key = KEYS[1]      -- {prefix}:blob:{key}
local index_key = KEYS[2]     -- {prefix}:blobs

local key = ARGV[1]
local data = ARGV[2]
local version = tonumber(ARGV[3])
local updated_at = ARGV[4]

-- Version 0 is an unconditional write
if version > 0 then
  local stored = tonumber(redis.call('HGET', blob_key, 'version') or '0')
  if version <= stored then
    return 0
  end
end

redis.call('HSET', blob_key,
  'data', data,
  'version', ARGV[3],
  'updated_at', updated_at
)
redis.call('SADD', index_key, key)

return 1
`

	// upsertUserScript writes a user hash, keeping the original created_at
	upsertUserScript = `
local user_key = KEYS[1]      -- {prefix}:user:{username}
local index_key = KEYS[2]     -- {prefix}:users

local id = ARGV[1]
local username = ARGV[2]
local password_hash = ARGV[3]
local created_at = ARGV[4]
local updated_at = ARGV[5]

local existing_created = redis.call('HGET', user_key, 'created_at')
if existing_created then
  created_at = existing_created
end

redis.call('HSET', user_key,
  'id', id,
  'username', username,
  'password_hash', password_hash,
  'created_at', created_at,
  'updated_at', updated_at
)
redis.call('SADD', index_key, username)

return 'OK'
`
)

var (
	putBlob    = redis.NewScript(putBlobScript)
	upsertUser = redis.NewScript(upsertUserScript)
)
