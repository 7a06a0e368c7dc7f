package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

// DefaultTTL bounds how long an entry outlives a process that died without
// clearing it. Live connections refresh it with Touch.
const DefaultTTL = 5 * time.Minute

// userKey returns the key holding a user's active connection.
func userKey(userID string) string {
	return fmt.Sprintf("presence:user:%s", userID)
}

// connKey returns the key holding the user a connection announced.
func connKey(connID string) string {
	return fmt.Sprintf("presence:conn:%s", connID)
}

// setOnlineScript drops the connection's previous identity (if it still owns it)
// before registering the new one.
var setOnlineScript = redis.NewScript(`
local prevUser = redis.call('GET', KEYS[2])
if prevUser and prevUser ~= ARGV[1] then
	local prevKey = ARGV[4] .. prevUser
	if redis.call('GET', prevKey) == ARGV[2] then
		redis.call('DEL', prevKey)
	end
end
local prevConn = redis.call('GET', KEYS[1])
if prevConn and prevConn ~= ARGV[2] then
	redis.call('DEL', ARGV[5] .. prevConn)
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[3])
return 1
`)

// clearScript deletes the user entry only if connID still owns it.
var clearScript = redis.NewScript(`
local user = redis.call('GET', KEYS[1])
if not user then
	return ''
end
redis.call('DEL', KEYS[1])
local key = ARGV[2] .. user
if redis.call('GET', key) == ARGV[1] then
	redis.call('DEL', key)
	return user
end
return ''
`)

// touchScript extends the connection entry, and the user entry while connID owns it.
var touchScript = redis.NewScript(`
local user = redis.call('GET', KEYS[1])
if not user then
	return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
local key = ARGV[3] .. user
if redis.call('GET', key) == ARGV[1] then
	redis.call('PEXPIRE', key, ARGV[2])
	return 1
end
return 0
`)

// RedisTracker stores presence in Redis so it can be shared and inspected.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker creates a tracker on client. A zero ttl uses DefaultTTL.
func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{client: client, ttl: ttl}
}

// SetOnline registers connID as the active connection of userID.
func (t *RedisTracker) SetOnline(ctx context.Context, userID, connID string) error {
	defer observe(time.Now())

	err := setOnlineScript.Run(ctx, t.client,
		[]string{userKey(userID), connKey(connID)},
		userID, connID, t.ttl.Milliseconds(), userKey(""), connKey(""),
	).Err()
	if err != nil {
		return fmt.Errorf("set online %q: %w", userID, err)
	}
	return nil
}

// Clear drops the entry registered for connID.
func (t *RedisTracker) Clear(ctx context.Context, connID string) (string, bool, error) {
	defer observe(time.Now())

	userID, err := clearScript.Run(ctx, t.client,
		[]string{connKey(connID)},
		connID, userKey(""),
	).Text()
	if err != nil {
		return "", false, fmt.Errorf("clear presence for %q: %w", connID, err)
	}
	return userID, userID != "", nil
}

// IsOnline reports whether userID has an active connection.
func (t *RedisTracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	defer observe(time.Now())

	n, err := t.client.Exists(ctx, userKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence of %q: %w", userID, err)
	}
	return n > 0, nil
}

// Touch resets the TTL of the entries owned by connID.
func (t *RedisTracker) Touch(ctx context.Context, connID string) error {
	defer observe(time.Now())

	err := touchScript.Run(ctx, t.client,
		[]string{connKey(connID)},
		connID, t.ttl.Milliseconds(), userKey(""),
	).Err()
	if err != nil {
		return fmt.Errorf("touch presence for %q: %w", connID, err)
	}
	return nil
}

func observe(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}
