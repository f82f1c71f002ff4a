// Package cache holds the read-side copies of the flag registry: the Redis
// mirror written by the syncer, the in-process L1 used by replica data
// planes, and the tiered reader that combines them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/logger"
)

const (
	// KeyPrefix namespaces flag keys: "bifrost:flag:<name>".
	KeyPrefix = "bifrost:flag"

	// UpdatesChannel carries the name of every flag written or deleted.
	UpdatesChannel = "bifrost:flag-updates"
)

// Key returns the Redis key of a flag.
func Key(name string) string {
	return KeyPrefix + ":" + name
}

// putIfNotOlder stores "version|json" unless the stored entry carries a higher
// version, then announces the flag. Returns 1 when written.
var putIfNotOlder = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local sep = string.find(current, '|', 1, true)
	if sep and tonumber(string.sub(current, 1, sep - 1)) > tonumber(ARGV[1]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1] .. '|' .. ARGV[2])
redis.call('PUBLISH', ARGV[3], ARGV[4])
return 1
`)

// RedisCache mirrors flag configurations into Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a connected client. It panics on nil.
func NewRedisCache(client *redis.Client) *RedisCache {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	return &RedisCache{client: client}
}

// PutFlag writes a flag unless Redis already holds a newer version.
// It reports whether the write happened.
func (c *RedisCache) PutFlag(ctx context.Context, cfg flags.Config) (bool, error) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("failed to encode flag %q: %w", cfg.Name, err)
	}

	res, err := putIfNotOlder.Run(ctx, c.client,
		[]string{Key(cfg.Name)},
		strconv.FormatInt(cfg.Version, 10), payload, UpdatesChannel, cfg.Name,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to put flag %q: %w", cfg.Name, err)
	}
	return res == 1, nil
}

// GetFlag reads a flag. A missing key yields errs.ErrNotFound.
func (c *RedisCache) GetFlag(ctx context.Context, name string) (flags.Config, error) {
	raw, err := c.client.Get(ctx, Key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return flags.Config{}, fmt.Errorf("%w: flag %q", errs.ErrNotFound, name)
	}
	if err != nil {
		return flags.Config{}, fmt.Errorf("failed to get flag %q: %w", name, err)
	}
	return decodeEntry(raw)
}

// DeleteFlag removes a flag and announces it in one transaction.
func (c *RedisCache) DeleteFlag(ctx context.Context, name string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, Key(name))
		pipe.Publish(ctx, UpdatesChannel, name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete flag %q: %w", name, err)
	}
	return nil
}

// FlagNames lists every mirrored flag.
func (c *RedisCache) FlagNames(ctx context.Context) ([]string, error) {
	var names []string
	iter := c.client.Scan(ctx, 0, KeyPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), KeyPrefix+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan flag keys: %w", err)
	}
	return names, nil
}

// Subscribe calls fn with the name of every updated flag until ctx is done.
// It returns once the subscription is confirmed or failed, so callers may
// rely on receiving writes that happen after it returns without error.
func (c *RedisCache) Subscribe(ctx context.Context, fn func(name string)) (<-chan struct{}, error) {
	pubsub := c.client.Subscribe(ctx, UpdatesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", UpdatesChannel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pubsub.Close()

		log := logger.FromContext(ctx)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					log.Warn("flag update channel closed")
					return
				}
				fn(msg.Payload)
			}
		}
	}()

	logger.FromContext(ctx).Info("subscribed to flag updates", slog.String("channel", UpdatesChannel))
	return done, nil
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func encodeEntry(version int64, payload []byte) string {
	return strconv.FormatInt(version, 10) + "|" + string(payload)
}

func decodeEntry(raw string) (flags.Config, error) {
	versionStr, payload, found := strings.Cut(raw, "|")
	if !found {
		return flags.Config{}, fmt.Errorf("malformed cache entry: missing version separator")
	}
	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return flags.Config{}, fmt.Errorf("malformed cache entry version %q: %w", versionStr, err)
	}

	var cfg flags.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return flags.Config{}, fmt.Errorf("malformed cache entry payload: %w", err)
	}
	if cfg.Version != version {
		return flags.Config{}, fmt.Errorf("cache entry version mismatch: key says %d, payload says %d", version, cfg.Version)
	}
	return cfg, nil
}
