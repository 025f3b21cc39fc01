// Package redis adapts a Redis pub/sub connection to the broker contract.
package redis

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hexgame/gateway/internal/services/gateway/broker"
)

// Broker is a Redis-backed broker.PubSub.
type Broker struct {
	client *goredis.Client
}

// Open connects to Redis and verifies the connection with a ping so broker
// unavailability fails the process at startup instead of at first use.
func Open(ctx context.Context, addr string) (*Broker, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &Broker{client: client}, nil
}

// Close releases the Redis connection.
func (b *Broker) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

// Publish sends payload to every current subscriber of channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if b == nil || b.client == nil {
		return fmt.Errorf("broker is not configured")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return fmt.Errorf("channel is required")
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on channel.
func (b *Broker) Subscribe(ctx context.Context, channel string) (broker.Subscription, error) {
	if b == nil || b.client == nil {
		return nil, fmt.Errorf("broker is not configured")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, fmt.Errorf("channel is required")
	}

	pubsub := b.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so a dead broker surfaces here.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	return &subscription{pubsub: pubsub}, nil
}

type subscription struct {
	pubsub *goredis.PubSub
}

// Receive blocks until the next message arrives or ctx ends.
func (s *subscription) Receive(ctx context.Context) ([]byte, error) {
	if s == nil || s.pubsub == nil {
		return nil, fmt.Errorf("subscription is not configured")
	}
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

// Close tears down the subscription.
func (s *subscription) Close() error {
	if s == nil || s.pubsub == nil {
		return nil
	}
	return s.pubsub.Close()
}
