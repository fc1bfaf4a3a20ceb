package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// publishScript adds a stream entry only if the event id has not been published
// within the dedup window. KEYS[1] is the stream, KEYS[2] the dedup key.
// ARGV[1] is the dedup TTL in seconds, ARGV[2] the approximate max length
// (0 = unbounded), ARGV[3..] the entry fields.
var publishScript = redis.NewScript(`
if not redis.call("SET", KEYS[2], "1", "NX", "EX", ARGV[1]) then
	return false
end
local fields = {}
for i = 3, #ARGV do
	fields[#fields + 1] = ARGV[i]
end
if tonumber(ARGV[2]) > 0 then
	return redis.call("XADD", KEYS[1], "MAXLEN", "~", ARGV[2], "*", unpack(fields))
end
return redis.call("XADD", KEYS[1], "*", unpack(fields))
`)

// RedisConfig configures a RedisStreamQueue.
type RedisConfig struct {
	// Stream is the stream key events are added to.
	Stream string

	// DedupPrefix prefixes the per-event dedup keys.
	DedupPrefix string

	// DedupTTL bounds how long an event id is remembered.
	DedupTTL time.Duration

	// MaxLen trims the stream approximately. Zero keeps every entry.
	MaxLen int64
}

// DefaultRedisConfig returns the default configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Stream:      "livingrecord:events",
		DedupPrefix: "livingrecord:relayed:",
		DedupTTL:    24 * time.Hour,
		MaxLen:      1_000_000,
	}
}

// RedisStreamQueue publishes messages to a Redis stream.
type RedisStreamQueue struct {
	client redis.Scripter
	config RedisConfig
}

// NewRedisStreamQueue creates a queue on an existing client.
func NewRedisStreamQueue(client redis.Scripter, config RedisConfig) *RedisStreamQueue {
	defaults := DefaultRedisConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.DedupPrefix == "" {
		config.DedupPrefix = defaults.DedupPrefix
	}
	if config.DedupTTL < time.Second {
		config.DedupTTL = defaults.DedupTTL
	}
	return &RedisStreamQueue{client: client, config: config}
}

// NewRedisClient opens a client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Publish adds msg to the stream. A message whose event id was already
// published is acknowledged without a second entry.
func (q *RedisStreamQueue) Publish(ctx context.Context, msg Message) error {
	fields := msg.Fields()
	args := make([]interface{}, 0, len(fields)+2)
	args = append(args, int64(q.config.DedupTTL/time.Second), q.config.MaxLen)
	for _, f := range fields {
		args = append(args, f)
	}

	keys := []string{q.config.Stream, q.config.DedupPrefix + msg.EventID.String()}
	err := publishScript.Run(ctx, q.client, keys, args...).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis publish %s: %w", msg.EventID, err)
	}
	return nil
}
