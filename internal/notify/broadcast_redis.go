package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes broadcast events to a Redis pub/sub channel.
// A websocket gateway subscribed to the channel relays them to browsers.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
}

// NewRedisBroadcaster connects to addr and verifies the connection.
func NewRedisBroadcaster(addr, password, channel string) (*RedisBroadcaster, error) {
	if strings.TrimSpace(addr) == "" {
		addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("broadcast channel is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis broadcaster: %w", err)
	}
	return &RedisBroadcaster{client: client, channel: channel}, nil
}

// Broadcast publishes event as JSON.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, event BroadcastEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Close closes the Redis client.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
