package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fleetmanager/backend/internal/citizens"
	"github.com/redis/go-redis/v9"
)

const DefaultChannelPrefix = "fleet:"

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes notifications as JSON on "{prefix}{topic}" channels.
type RedisPublisher struct {
	rdb    publisher
	prefix string
}

// NewRedisPublisher publishes through client, falling back to DefaultChannelPrefix.
func NewRedisPublisher(client publisher, channelPrefix string) *RedisPublisher {
	if channelPrefix == "" {
		channelPrefix = DefaultChannelPrefix
	}
	return &RedisPublisher{
		rdb:    client,
		prefix: channelPrefix,
	}
}

// Channel returns the pub/sub channel used for topic.
func (p *RedisPublisher) Channel(topic string) string {
	return p.prefix + topic
}

// Notify publishes the JSON encoded notification on its topic channel.
func (p *RedisPublisher) Notify(ctx context.Context, notification citizens.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", notification.Topic(), err)
	}

	if err := p.rdb.Publish(ctx, p.Channel(notification.Topic()), payload).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", notification.Topic(), err)
	}
	return nil
}
