package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"codesync/internal/models"
)

const DefaultChannel = "codesync:rooms"

// Publisher fans room lifecycle events out over Redis pub/sub so other
// instances and downstream consumers can follow sessions.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

func NewPublisher(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{rdb: rdb, channel: channel}
}

func (p *Publisher) Channel() string { return p.channel }

func (p *Publisher) PublishRoomEvent(ctx context.Context, event models.RoomEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal room event: %w", err)
	}
	return p.rdb.Publish(ctx, p.channel, data).Err()
}

// Subscribe delivers decoded events to handle until ctx is cancelled.
// Payloads that fail to decode are passed to onError and skipped.
func (p *Publisher) Subscribe(ctx context.Context, handle func(models.RoomEvent), onError func(error)) error {
	pubsub := p.rdb.Subscribe(ctx, p.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event models.RoomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				if onError != nil {
					onError(fmt.Errorf("decode room event: %w", err))
				}
				continue
			}
			handle(event)
		}
	}
}
