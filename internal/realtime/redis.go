package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisFeed fans row changes out across API instances over Redis pub/sub.
type RedisFeed struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisFeed(client *redis.Client, log *zap.Logger) *RedisFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisFeed{client: client, log: log}
}

func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	channels, err := Channels(event)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	for _, channel := range channels {
		if err := f.client.Publish(ctx, channel, payload).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", channel, err)
		}
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription. Handlers run on
// a single goroutine per subscription, in arrival order.
func (f *RedisFeed) Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	channel := filter.channel()
	pubsub := f.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	messages := pubsub.Channel()
	go func() {
		defer close(sub.done)
		for msg := range messages {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				f.log.Warn("drop undecodable realtime message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if event.Table != filter.Table || !filter.Accepts(event.Type) {
				continue
			}
			handler(event)
		}
	}()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Unsubscribe closes the Redis subscription and waits for the delivery
// goroutine to exit. It must not be called from inside the handler.
func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
		<-s.done
	})
}
