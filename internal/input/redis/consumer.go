package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"behaviorwatch/internal/input"
)

// Config configures the Redis consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	ActivityKey  string
	SignalKey    string
	BlockTimeout time.Duration
}

// Consumer pops activity and signal payloads from Redis lists.
type Consumer struct {
	client       *redis.Client
	keys         []string
	kinds        map[string]input.Kind
	blockTimeout time.Duration
}

// NewConsumer creates a Redis consumer for list-based queues. At least one key is required.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	keys, kinds, err := keyKinds(cfg.ActivityKey, cfg.SignalKey)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:       client,
		keys:         keys,
		kinds:        kinds,
		blockTimeout: cfg.BlockTimeout,
	}, nil
}

func keyKinds(activityKey, signalKey string) ([]string, map[string]input.Kind, error) {
	if activityKey == "" && signalKey == "" {
		return nil, nil, fmt.Errorf("redis activity or signal key is required")
	}
	if activityKey != "" && activityKey == signalKey {
		return nil, nil, fmt.Errorf("redis activity and signal keys must differ")
	}
	var keys []string
	kinds := make(map[string]input.Kind, 2)
	if activityKey != "" {
		keys = append(keys, activityKey)
		kinds[activityKey] = input.KindActivity
	}
	if signalKey != "" {
		keys = append(keys, signalKey)
		kinds[signalKey] = input.KindSignal
	}
	return keys, kinds, nil
}

// Pop blocks for one message across all keys. A zero Message means the wait timed out.
func (c *Consumer) Pop(ctx context.Context) (input.Message, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.keys...).Result()
	if err == redis.Nil {
		return input.Message{}, nil
	}
	if err != nil {
		return input.Message{}, err
	}
	if len(res) < 2 {
		return input.Message{}, nil
	}
	return input.Message{Kind: c.kinds[res[0]], Payload: []byte(res[1])}, nil
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
