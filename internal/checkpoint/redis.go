package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces checkpoint keys.
const DefaultKeyPrefix = "api-ingestor:checkpoint:"

const (
	redisDialTimeout = 5 * time.Second
	redisIOTimeout   = 3 * time.Second
)

// ErrEmptyAddress is returned by DialRedis without an address.
var ErrEmptyAddress = errors.New("redis address is required")

// RedisConfig locates the Redis server holding checkpoints.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// DialRedis connects to Redis and verifies the connection. Checkpoint traffic is one
// small key per commit, so the pool is kept small.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisIOTimeout,
		WriteTimeout: redisIOTimeout,
		PoolSize:     4,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Address, err)
	}
	return client, nil
}

// Redis stores each checkpoint as a JSON value under prefix+resource, without expiry.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis returns a Redis-backed store. An empty prefix uses DefaultKeyPrefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Load returns the checkpoint for resource.
func (r *Redis) Load(ctx context.Context, resource string) (Checkpoint, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+resource).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	var cp Checkpoint
	if unmarshalErr := json.Unmarshal(data, &cp); unmarshalErr != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to unmarshal checkpoint: %w", unmarshalErr)
	}
	return cp, true, nil
}

// Save stores cp.
func (r *Redis) Save(ctx context.Context, cp Checkpoint) error {
	if cp.Resource == "" {
		return ErrEmptyResource
	}

	data, marshalErr := json.Marshal(cp)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", marshalErr)
	}

	if setErr := r.client.Set(ctx, r.prefix+cp.Resource, data, 0).Err(); setErr != nil {
		return fmt.Errorf("failed to set checkpoint: %w", setErr)
	}
	return nil
}
