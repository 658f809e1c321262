//go:build integration

// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package properties

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap/zaptest"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	s, err := NewRedisStore(ctx, RedisConfig{URL: url}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)

	_, found, err := s.Get(ctx, SinkPolicy)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, SinkPolicy, "p1"))
	v, found, err := s.Get(ctx, SinkPolicy)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "p1", v)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{SinkPolicy: "p1"}, all)

	require.NoError(t, s.Delete(ctx, SinkPolicy))
	_, found, err = s.Get(ctx, SinkPolicy)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_WatchSeesOtherNodes(t *testing.T) {
	s := newRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Change, 4)
	subscribed := make(chan struct{})
	go func() {
		_ = s.Watch(ctx, func(c Change) { changes <- c }, func() { close(subscribed) })
	}()

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not confirmed")
	}

	// a second node shares the hash and channel through its own client
	opts := s.client.Options()
	other := NewRedisStoreWithClient(redis.NewClient(opts), RedisConfig{}, zaptest.NewLogger(t).Sugar())
	defer other.Close()

	require.NoError(t, other.Set(context.Background(), AlwaysSaveInternal, "true"))
	select {
	case c := <-changes:
		assert.Equal(t, Change{Name: AlwaysSaveInternal, Value: "true"}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("set notification not received")
	}

	require.NoError(t, other.Delete(context.Background(), AlwaysSaveInternal))
	for {
		select {
		case c := <-changes:
			if c.Deleted {
				assert.Equal(t, AlwaysSaveInternal, c.Name)
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("delete notification not received")
		}
	}
}
