package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "togetherly:id:"

// RedisRegistry shares identifier claims between broker instances. Each
// claim stores the owning instance's token so that one broker never
// releases another broker's claim.
type RedisRegistry struct {
	client *redis.Client
	token  string
}

// RedisOptions selects the Redis server.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(ctx context.Context, opts RedisOptions) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisRegistryFromClient(client), nil
}

// NewRedisRegistryFromClient wraps an existing client.
func NewRedisRegistryFromClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, token: uuid.NewString()}
}

func (r *RedisRegistry) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+id, r.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", id, err)
	}
	return ok, nil
}

func (r *RedisRegistry) Refresh(ctx context.Context, id string, ttl time.Duration) error {
	owned, err := r.owns(ctx, id)
	if err != nil || !owned {
		return err
	}
	return r.client.Expire(ctx, redisKeyPrefix+id, ttl).Err()
}

func (r *RedisRegistry) Release(ctx context.Context, id string) error {
	owned, err := r.owns(ctx, id)
	if err != nil || !owned {
		return err
	}
	return r.client.Del(ctx, redisKeyPrefix+id).Err()
}

func (r *RedisRegistry) Taken(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}
	return n > 0, nil
}

// Close closes the Redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) owns(ctx context.Context, id string) (bool, error) {
	v, err := r.client.Get(ctx, redisKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}
	return v == r.token, nil
}
