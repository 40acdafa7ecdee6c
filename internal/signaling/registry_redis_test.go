package signaling

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set TOGETHERLY_TEST_REDIS=host:port to run against a real server.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TOGETHERLY_TEST_REDIS")
	if addr == "" {
		t.Skip("TOGETHERLY_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisRegistryOwnership(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	id := "togetherly-" + uuid.NewString()[:8]

	a := NewRedisRegistryFromClient(client)
	b := NewRedisRegistryFromClient(client)

	ok, err := a.Claim(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Claim(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx, id))
	taken, err := a.Taken(ctx, id)
	require.NoError(t, err)
	assert.True(t, taken, "another instance cannot release our claim")

	require.NoError(t, a.Release(ctx, id))
	taken, err = a.Taken(ctx, id)
	require.NoError(t, err)
	assert.False(t, taken)
}
