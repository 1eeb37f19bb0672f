package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// NewRedisClient builds the shared client. It does not ping; a Redis outage must not
// stop the process since notifications stay readable from the database.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     strings.ReplaceAll(cfg.Addr, " ", ""),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return redis.NewClient(opts)
}

// RedisBroadcaster fans out over Redis pub/sub so every API instance sees every push.
type RedisBroadcaster struct {
	client *redis.Client
	buffer int
	logger *slog.Logger
}

func NewRedisBroadcaster(client *redis.Client, logger *slog.Logger) *RedisBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{client: client, buffer: subscriberBuffer, logger: logger}
}

var _ Broadcaster = (*RedisBroadcaster)(nil)

func (b *RedisBroadcaster) Broadcast(ctx context.Context, channel string, payload []byte) error {
	receivers, err := b.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	b.logger.Debug("notification broadcast", "channel", channel, "receivers", receivers)
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	pubsub := b.client.Subscribe(ctx, channels...)
	// wait for the subscription confirmation so the caller knows it is live
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Message, b.buffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		in := pubsub.Channel()
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					b.logger.Warn("notification subscriber is full, dropping message", "channel", msg.Channel)
				}
			case <-done:
				return
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()

	return out, cancel, nil
}

func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
