package store

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/go-redis/redis/v8"
    "github.com/mariadb-labs/dbproxy/pkg/errors"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

type CacheConfig struct {
    Host         string
    Port         int
    Password     string
    DB           int
    PoolSize     int
    MinIdleConns int
    MaxRetries   int
}

// Cache wraps go-redis with prefixed JSON get/set/delete and a distributed
// lock. cmd/dbproxy opens one at startup and closes it at shutdown; no
// other package in this proxy calls it.
type Cache struct {
    client *redis.Client
    prefix string
}

func NewCache(cfg CacheConfig, prefix string) (*Cache, error) {
    client := redis.NewClient(&redis.Options{
        Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
        Password:     cfg.Password,
        DB:           cfg.DB,
        PoolSize:     cfg.PoolSize,
        MinIdleConns: cfg.MinIdleConns,
        MaxRetries:   cfg.MaxRetries,
    })

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    if err := client.Ping(ctx).Err(); err != nil {
        return nil, errors.Wrap(err, errors.ErrRedis, "failed to connect to cache")
    }

    logger.Info("cache initialized")
    return &Cache{client: client, prefix: prefix}, nil
}

func (c *Cache) key(k string) string {
    if c.prefix != "" {
        return fmt.Sprintf("%s:%s", c.prefix, k)
    }
    return k
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
    if c.client == nil {
        return nil
    }

    val, err := c.client.Get(ctx, c.key(key)).Result()
    if err == redis.Nil {
        return nil
    }
    if err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache get failed")
        return nil
    }

    if err := json.Unmarshal([]byte(val), dest); err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache unmarshal failed")
    }

    return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
    if c.client == nil {
        return nil
    }

    data, err := json.Marshal(value)
    if err != nil {
        return nil
    }

    if err := c.client.Set(ctx, c.key(key), data, expiration).Err(); err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache set failed")
    }

    return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
    if c.client == nil {
        return nil
    }

    fullKeys := make([]string, len(keys))
    for i, k := range keys {
        fullKeys[i] = c.key(k)
    }

    if err := c.client.Del(ctx, fullKeys...).Err(); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("cache delete failed")
    }

    return nil
}

// Lock acquires a distributed lock identified by key, held for at most ttl.
// The returned unlock func releases it only if it is still held by this
// acquisition (compare-and-delete via a Lua script), so a caller that is
// slow never evicts someone else's lock after ttl expiry reassigned it.
func (c *Cache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
    if c.client == nil {
        return func() {}, nil
    }

    lockKey := c.key(fmt.Sprintf("lock:%s", key))
    value := fmt.Sprintf("%d", time.Now().UnixNano())

    ok, err := c.client.SetNX(ctx, lockKey, value, ttl).Result()
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrRedis, "failed to acquire lock")
    }

    if !ok {
        return nil, errors.New(errors.ErrResourceExhaustion, "lock already held: "+key)
    }

    unlockScript := redis.NewScript(`
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `)

    return func() {
        unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        unlockScript.Run(unlockCtx, c.client, []string{lockKey}, value)
    }, nil
}

func (c *Cache) Close() error {
    if c.client == nil {
        return nil
    }
    return c.client.Close()
}
