package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueStore persists the action queue under a single redis key, for
// hosts that already run redis next to the viewer process.
type RedisQueueStore struct {
	client *redis.Client
	key    string
}

func NewRedisQueueStore(redisUrl string, key string) (*RedisQueueStore, error) {
	opts, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if key == "" {
		key = queueStoreKey
	}
	return &RedisQueueStore{
		client: client,
		key:    key,
	}, nil
}

func (self *RedisQueueStore) Load() ([]*QueuedAction, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	value, err := self.client.Get(ctx, self.key).Bytes()
	if err == redis.Nil {
		return []*QueuedAction{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue store: %w", err)
	}

	actions := []*QueuedAction{}
	if err := json.Unmarshal(value, &actions); err != nil {
		return nil, fmt.Errorf("decode queue store: %w", err)
	}
	return actions, nil
}

func (self *RedisQueueStore) Save(actions []*QueuedAction) error {
	value, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encode queue store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := self.client.Set(ctx, self.key, value, 0).Err(); err != nil {
		return fmt.Errorf("write queue store: %w", err)
	}
	return nil
}

func (self *RedisQueueStore) Close() error {
	return self.client.Close()
}
