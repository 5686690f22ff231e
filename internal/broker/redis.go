package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient is shared by the broker, the replay stream and the position index.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     64,
	})
}

// RedisBroker implements Broker with Redis PUBLISH/SUBSCRIBE on a single
// PubSub connection; channels are added and removed as rooms open and close.
type RedisBroker struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu     sync.Mutex
	closed bool
}

func NewRedisBroker(ctx context.Context, client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, pubsub: client.Subscribe(ctx)}
}

func (r *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (r *RedisBroker) Subscribe(ctx context.Context, channel string) error {
	if r.isClosed() {
		return ErrClosed
	}
	return r.pubsub.Subscribe(ctx, channel)
}

func (r *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	if r.isClosed() {
		return ErrClosed
	}
	return r.pubsub.Unsubscribe(ctx, channel)
}

func (r *RedisBroker) Run(ctx context.Context, h Handler) error {
	ch := r.pubsub.Channel(redis.WithChannelSize(4096))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrClosed
			}
			h(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *RedisBroker) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (r *RedisBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisBroker) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Close releases the subscription connection; the shared client is owned by the caller.
func (r *RedisBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.pubsub.Close()
}

func (r *RedisBroker) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
