package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 0.001, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "rl:tenant")
	require.NoError(t, err)
	assert.True(t, allowed, "first token")

	allowed, _, err = bucket.Allow(ctx, "rl:tenant")
	require.NoError(t, err)
	assert.True(t, allowed, "second token")

	allowed, _, err = bucket.Allow(ctx, "rl:tenant")
	require.NoError(t, err)
	assert.False(t, allowed, "third token should be rejected")

	// tenants do not share budget
	allowed, _, err = bucket.Allow(ctx, "rl:other")
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.True(t, mr.TTL("rl:tenant") > 0)
}

func TestTokenBucket_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	allowed, _, err := NewTokenBucket(client, 1, 1, time.Minute).Allow(context.Background(), "rl:x")
	assert.Error(t, err)
	assert.False(t, allowed)
}
