// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package properties

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultRedisKey     = "gateway-audit:properties"
	DefaultRedisChannel = "gateway-audit:properties:changes"
)

// RedisConfig selects the hash and pub/sub channel used by RedisStore.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Key     string `yaml:"key"`
	Channel string `yaml:"channel"`
}

// RedisStore keeps properties in a Redis hash and publishes every change on a
// channel, so that all nodes sharing the Redis instance see the same values
// and the same notifications.
type RedisStore struct {
	client  *redis.Client
	key     string
	channel string
	log     *zap.SugaredLogger
}

// NewRedisStore connects to cfg.URL and checks the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, log *zap.SugaredLogger) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg, log), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, cfg RedisConfig, log *zap.SugaredLogger) *RedisStore {
	s := &RedisStore{client: client, key: cfg.Key, channel: cfg.Channel, log: log}
	if s.key == "" {
		s.key = DefaultRedisKey
	}
	if s.channel == "" {
		s.channel = DefaultRedisChannel
	}
	return s
}

func (s *RedisStore) Get(ctx context.Context, name string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading property %s: %w", name, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, name, value string) error {
	if err := s.client.HSet(ctx, s.key, name, value).Err(); err != nil {
		return fmt.Errorf("writing property %s: %w", name, err)
	}
	return s.publish(ctx, Change{Name: name, Value: value})
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	n, err := s.client.HDel(ctx, s.key, name).Result()
	if err != nil {
		return fmt.Errorf("deleting property %s: %w", name, err)
	}
	if n == 0 {
		return nil
	}
	return s.publish(ctx, Change{Name: name, Deleted: true})
}

func (s *RedisStore) List(ctx context.Context) (map[string]string, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing properties: %w", err)
	}
	return all, nil
}

func (s *RedisStore) publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing change of %s: %w", c.Name, err)
	}
	return nil
}

// Watch subscribes to the change channel. Messages that cannot be decoded are
// logged and skipped.
func (s *RedisStore) Watch(ctx context.Context, fn func(Change), ready func()) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed so no change is missed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.channel, err)
	}
	if ready != nil {
		ready()
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("property change subscription closed")
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				s.log.Warnw("Ignoring malformed property change", "channel", msg.Channel, "error", err)
				continue
			}
			fn(c)
		}
	}
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
