package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// publishAttempts bounds the retry loop before a payload is dropped.
const publishAttempts = 3

// RedisBus is the production transport over Redis pub/sub channels.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
	subs   []*redis.PubSub
}

// NewRedis connects a bus to the Redis instance at url
// (e.g. redis://localhost:6379).
func NewRedis(url string) (*RedisBus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	return &RedisBus{client: redis.NewClient(opt)}, nil
}

// NewRedisWithClient wraps an existing client; used by tests with redismock.
func NewRedisWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends a payload with bounded exponential backoff. After the final
// attempt fails the payload is dropped and the error returned for logging.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	delay := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err := b.client.Publish(ctx, topic, payload).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == publishAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", topic, publishAttempts, lastErr)
}

// Subscribe bridges a Redis subscription into a payload channel. The channel
// closes when ctx is cancelled or the bus closes.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	pubsub := b.client.Subscribe(ctx, topic)
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	// Force the subscription to be established before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping checks transport reachability.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close tears down all subscriptions and the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("closing redis subscription")
		}
	}
	return b.client.Close()
}
