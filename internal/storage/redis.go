package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gotsync/gotsync/internal/controller"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	snapshotPrefix = "run:"
	channelPrefix  = "events:"
)

// RedisStore keeps snapshots as JSON strings with a TTL and relays records
// over redis pub/sub.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    zerolog.Logger
}

// NewRedisStore connects to redisURL and verifies the connection. Keys are
// namespaced with prefix.
func NewRedisStore(ctx context.Context, redisURL, prefix string, ttl time.Duration, log zerolog.Logger) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: prefix,
		log:    log.With().Str("component", "redis_store").Logger(),
	}, nil
}

func (r *RedisStore) snapshotKey(key string) string {
	return r.prefix + snapshotPrefix + key
}

func (r *RedisStore) channel(key string) string {
	return r.prefix + channelPrefix + key
}

func (r *RedisStore) SaveSnapshot(ctx context.Context, key string, snap controller.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.snapshotKey(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadSnapshot(ctx context.Context, key string) (controller.Snapshot, error) {
	var snap controller.Snapshot
	data, err := r.client.Get(ctx, r.snapshotKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return snap, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return snap, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if err := decode(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// TTL returns the remaining lifetime of a snapshot.
func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, r.snapshotKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get TTL: %w", err)
	}
	return ttl, nil
}

func (r *RedisStore) Publish(ctx context.Context, key string, rec Record) error {
	data, err := encode(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(key), data).Err(); err != nil {
		return fmt.Errorf("failed to publish record: %w", err)
	}
	return nil
}

func (r *RedisStore) Watch(ctx context.Context, key string) (<-chan Record, error) {
	sub := r.client.Subscribe(ctx, r.channel(key))
	// Wait for the subscription to be confirmed so no record is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Record, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rec Record
				if err := decode([]byte(msg.Payload), &rec); err != nil {
					r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("Undecodable record skipped")
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.snapshotKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Ping tests the redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx).Result()
	return err
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
