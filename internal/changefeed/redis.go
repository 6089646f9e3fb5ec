package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChannelPrefix is prepended to the collection name to form the channel.
const ChannelPrefix = "wargabill:changes:"

// RedisConfig holds the connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisFeed publishes changes over Redis pub/sub so every replica sees them.
// Received messages are fanned out to local subscribers.
type RedisFeed struct {
	client *redis.Client
	local  *MemoryFeed
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewRedisFeed connects to Redis and starts the receive loop.
func NewRedisFeed(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisFeed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	f := &RedisFeed{
		client: client,
		local:  NewMemoryFeed(logger),
		logger: logger,
		done:   make(chan struct{}),
	}

	subCtx, stop := context.WithCancel(context.Background())
	f.cancel = stop
	pubsub := client.PSubscribe(subCtx, ChannelPrefix+"*")
	if _, err := pubsub.Receive(subCtx); err != nil {
		stop()
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	go f.loop(subCtx, pubsub)

	logger.Info("changefeed: subscribed to redis", zap.String("pattern", ChannelPrefix+"*"))
	return f, nil
}

func (f *RedisFeed) loop(ctx context.Context, pubsub *redis.PubSub) {
	defer close(f.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				f.logger.Warn("changefeed: redis channel closed")
				return
			}
			f.handleMessage(msg.Channel, msg.Payload)
		}
	}
}

func (f *RedisFeed) handleMessage(channel, payload string) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		f.logger.Error("changefeed: bad payload", zap.String("channel", channel), zap.Error(err))
		return
	}
	if c.Collection == "" {
		c.Collection = strings.TrimPrefix(channel, ChannelPrefix)
	}
	f.local.dispatch(c)
}

func (f *RedisFeed) Publish(ctx context.Context, changes ...Change) error {
	for _, c := range changes {
		if c.At.IsZero() {
			c.At = time.Now()
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal change: %w", err)
		}
		if err := f.client.Publish(ctx, ChannelPrefix+c.Collection, data).Err(); err != nil {
			f.logger.Error("changefeed: publish failed",
				zap.String("collection", c.Collection),
				zap.Error(err))
			return fmt.Errorf("failed to publish change: %w", err)
		}
	}
	return nil
}

func (f *RedisFeed) Subscribe(collection string, fn Handler) func() {
	return f.local.Subscribe(collection, fn)
}

func (f *RedisFeed) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			f.logger.Warn("changefeed: timeout waiting for subscriber to stop")
		}
		f.local.Close()
		err = f.client.Close()
	})
	return err
}
