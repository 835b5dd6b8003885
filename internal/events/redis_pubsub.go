package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kmaus/dispatchq/internal/logger"
)

const channelPrefix = "dispatchq:events:"

// subscriberBuffer bounds how far a slow consumer may lag before
// events are shed.
const subscriberBuffer = 100

// RedisPubSub implements Publisher on the shared store's pub/sub.
type RedisPubSub struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{
		client: client,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

// Publish fans the event out to subscribers of its type channel.
func (r *RedisPubSub) Publish(ctx context.Context, event *Event) error {
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if err := r.client.Publish(ctx, channelPrefix+string(event.Type), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SubscribeAll streams every event on the bus. The stream ends, and the
// returned channel closes, when the context ends or the bus is closed;
// either tears down the store subscription, which is what unblocks the
// drain loop.
func (r *RedisPubSub) SubscribeAll(ctx context.Context) (<-chan *Event, error) {
	pubsub, err := r.open(ctx)
	if err != nil {
		return nil, err
	}

	// Closing the subscription closes pubsub.Channel(); AfterFunc ties
	// that to the caller's context so the drain loop needs no second
	// wake-up path.
	detach := context.AfterFunc(ctx, func() { pubsub.Close() })

	eventCh := make(chan *Event, subscriberBuffer)
	go func() {
		defer close(eventCh)
		defer detach()
		defer r.forget(pubsub)

		dropped := 0
		for msg := range pubsub.Channel() {
			event, err := FromJSON([]byte(msg.Payload))
			if err != nil {
				logger.Warn().Err(err).Str("channel", msg.Channel).Msg("skipping undecodable event")
				continue
			}
			select {
			case eventCh <- event:
			default:
				// Shed rather than block: the bus is advisory and a
				// stalled consumer must not back-pressure publishers.
				dropped++
				if dropped == 1 || dropped%subscriberBuffer == 0 {
					logger.Warn().
						Int("dropped", dropped).
						Str("event_type", string(event.Type)).
						Msg("subscriber is not draining events, shedding")
				}
			}
		}
	}()

	return eventCh, nil
}

// open establishes and tracks a pattern subscription covering the whole
// bus.
func (r *RedisPubSub) open(ctx context.Context) (*redis.PubSub, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("event bus is closed")
	}
	r.mu.Unlock()

	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	r.mu.Lock()
	r.subs[pubsub] = struct{}{}
	r.mu.Unlock()
	return pubsub, nil
}

func (r *RedisPubSub) forget(pubsub *redis.PubSub) {
	r.mu.Lock()
	delete(r.subs, pubsub)
	r.mu.Unlock()
}

// Close tears down every open subscription; their drain loops end as
// the underlying channels close.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	subs := make([]*redis.PubSub, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[*redis.PubSub]struct{})
	r.closed = true
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
