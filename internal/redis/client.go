package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SkynetNext/grid-gateway/internal/cache"
	"github.com/SkynetNext/grid-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/grid-gateway/internal/config"
	"github.com/SkynetNext/grid-gateway/internal/retry"
)

// Each cache is one hash; values are serialized structpb.Value messages.
// Events are published on <prefix>events:<cache> so every gateway sharing
// the Redis instance sees them.

var (
	putScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return old`)

	putIfAbsentScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], ARGV[1])
if old then return old end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return false`)

	removeScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], ARGV[1])
if old then redis.call('HDEL', KEYS[1], ARGV[1]) end
return old`)
)

// Client is a Redis-backed cache store
type Client struct {
	rdb     *redis.Client
	prefix  string
	retry   retry.RetryConfig
	breaker *circuitbreaker.Breaker
	events  *cache.Broadcaster
	log     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

var _ cache.Store = (*Client)(nil)

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		retry: retry.RetryConfig{
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
			Jitter:     true,
		},
		breaker: circuitbreaker.NewBreaker("redis", cfg.BreakerFailures, cfg.BreakerTimeout),
		events:  cache.NewBroadcaster(),
		log:     log.With(zap.String("component", "redis")),
	}
}

// Breaker returns the circuit breaker guarding Redis calls
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// Start subscribes to cache events published by every gateway
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := c.rdb.PSubscribe(ctx, c.key("events:*"))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		cancel()
		return fmt.Errorf("failed to subscribe to cache events: %w", err)
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.watchEvents(ctx, pubsub)
	return nil
}

func (c *Client) watchEvents(ctx context.Context, pubsub *redis.PubSub) {
	defer close(c.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var s structpb.Struct
			if err := proto.Unmarshal([]byte(msg.Payload), &s); err != nil {
				c.log.Warn("Dropping malformed cache event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			c.events.Publish(cache.EventFromStruct(&s))
		}
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return c.rdb.Close()
}

// Ping checks Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// key generates full key with prefix
func (c *Client) key(suffix string) string {
	return c.prefix + suffix
}

func (c *Client) cacheKey(name string) string {
	return c.key("cache:" + name)
}

// do runs fn through the circuit breaker with retries
func (c *Client) do(ctx context.Context, fn func() error) error {
	return c.breaker.Execute(func() error {
		return retry.Do(ctx, c.retry, fn)
	})
}

func (c *Client) publish(ctx context.Context, ev cache.Event) {
	data, err := proto.Marshal(ev.Struct())
	if err != nil {
		c.log.Warn("Failed to encode cache event", zap.Error(err))
		return
	}
	if err := c.rdb.Publish(ctx, c.key("events:"+ev.Cache), data).Err(); err != nil {
		c.log.Warn("Failed to publish cache event", zap.String("cache", ev.Cache), zap.Error(err))
	}
}

func encode(v *structpb.Value) (string, error) {
	data, err := proto.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	return string(data), nil
}

func decode(s string) (*structpb.Value, error) {
	var v structpb.Value
	if err := proto.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return &v, nil
}

// runScript returns the previous value reported by one of the hash scripts
func (c *Client) runScript(ctx context.Context, script *redis.Script, name, key string, args ...any) (*structpb.Value, bool, error) {
	var raw string
	found := false
	err := c.do(ctx, func() error {
		res, err := script.Run(ctx, c.rdb, []string{c.cacheKey(name)}, append([]any{key}, args...)...).Text()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		raw, found = res, true
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	v, err := decode(raw)
	return v, err == nil, err
}

func (c *Client) Get(ctx context.Context, name, key string) (*structpb.Value, bool, error) {
	var raw string
	found := false
	err := c.do(ctx, func() error {
		res, err := c.rdb.HGet(ctx, c.cacheKey(name), key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, found = res, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", name, key, err)
	}
	if !found {
		return nil, false, nil
	}
	v, err := decode(raw)
	return v, err == nil, err
}

func (c *Client) Put(ctx context.Context, name, key string, value *structpb.Value) (*structpb.Value, bool, error) {
	data, err := encode(value)
	if err != nil {
		return nil, false, err
	}
	old, existed, err := c.runScript(ctx, putScript, name, key, data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to put %s/%s: %w", name, key, err)
	}
	ev := cache.Event{Cache: name, Type: cache.EventInserted, Key: key, New: value}
	if existed {
		ev.Type, ev.Old = cache.EventUpdated, old
	}
	c.publish(ctx, ev)
	return old, existed, nil
}

func (c *Client) PutIfAbsent(ctx context.Context, name, key string, value *structpb.Value) (*structpb.Value, bool, error) {
	data, err := encode(value)
	if err != nil {
		return nil, false, err
	}
	existing, existed, err := c.runScript(ctx, putIfAbsentScript, name, key, data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to put %s/%s: %w", name, key, err)
	}
	if !existed {
		c.publish(ctx, cache.Event{Cache: name, Type: cache.EventInserted, Key: key, New: value})
	}
	return existing, existed, nil
}

func (c *Client) Remove(ctx context.Context, name, key string) (*structpb.Value, bool, error) {
	old, existed, err := c.runScript(ctx, removeScript, name, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to remove %s/%s: %w", name, key, err)
	}
	if existed {
		c.publish(ctx, cache.Event{Cache: name, Type: cache.EventDeleted, Key: key, Old: old})
	}
	return old, existed, nil
}

func (c *Client) ContainsKey(ctx context.Context, name, key string) (bool, error) {
	var ok bool
	err := c.do(ctx, func() error {
		var err error
		ok, err = c.rdb.HExists(ctx, c.cacheKey(name), key).Result()
		return err
	})
	return ok, err
}

func (c *Client) Size(ctx context.Context, name string) (int, error) {
	var n int64
	err := c.do(ctx, func() error {
		var err error
		n, err = c.rdb.HLen(ctx, c.cacheKey(name)).Result()
		return err
	})
	return int(n), err
}

func (c *Client) Clear(ctx context.Context, name string) error {
	var entries map[string]string
	err := c.do(ctx, func() error {
		pipe := c.rdb.TxPipeline()
		all := pipe.HGetAll(ctx, c.cacheKey(name))
		pipe.Del(ctx, c.cacheKey(name))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		entries = all.Val()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", name, err)
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		old, err := decode(entries[k])
		if err != nil {
			c.log.Warn("Skipping undecodable value", zap.String("cache", name), zap.String("key", k), zap.Error(err))
			continue
		}
		c.publish(ctx, cache.Event{Cache: name, Type: cache.EventDeleted, Key: k, Old: old})
	}
	return nil
}

func (c *Client) Truncate(ctx context.Context, name string) error {
	if err := c.do(ctx, func() error { return c.rdb.Del(ctx, c.cacheKey(name)).Err() }); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", name, err)
	}
	c.publish(ctx, cache.Event{Cache: name, Type: cache.EventTruncated})
	return nil
}

func (c *Client) Keys(ctx context.Context, name string) ([]string, error) {
	var keys []string
	err := c.do(ctx, func() error {
		var err error
		keys, err = c.rdb.HKeys(ctx, c.cacheKey(name)).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", name, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *Client) Destroy(ctx context.Context, name string) error {
	if err := c.do(ctx, func() error { return c.rdb.Del(ctx, c.cacheKey(name)).Err() }); err != nil {
		return fmt.Errorf("failed to destroy %s: %w", name, err)
	}
	c.publish(ctx, cache.Event{Cache: name, Type: cache.EventDestroyed})
	return nil
}

// Subscribe delivers events received from Redis; Start must have been called
func (c *Client) Subscribe(name string, fn func(cache.Event)) func() {
	return c.events.Subscribe(name, fn)
}

