package bus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis pub/sub backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// OnFatal is called when the subscription terminates for a reason other
	// than shutdown.
	OnFatal func(error)
}

type Redis struct {
	client  *redis.Client
	onFatal fatalFunc
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return &Redis{client: rdb, onFatal: cfg.OnFatal}, nil
}

func (b *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return errors.Wrap(b.client.Publish(ctx, channel, payload).Err(), "redis publish")
}

func (b *Redis) Subscribe(ctx context.Context, channel string, h Handler) error {
	ps := b.client.Subscribe(ctx, channel)
	// Receive the subscription confirmation before reporting success.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrap(err, "redis subscribe")
	}

	go func() {
		defer func() { _ = ps.Close() }()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					if ctx.Err() == nil {
						fatalOrLog(b.onFatal, errors.New("redis subscription closed"))
					}
					return
				}
				h([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (b *Redis) Close() error {
	return b.client.Close()
}
