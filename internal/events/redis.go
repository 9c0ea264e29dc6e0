package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "live-relay:events"

// RedisConfig configures mirroring of events onto a Redis pub/sub channel.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	Channel      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// NewRedisQueue wraps local so every published event is also sent to a Redis
// channel, and events other processes publish on that channel are replayed
// to local subscribers. Subscriptions are served by local.
func NewRedisQueue(cfg RedisConfig, local Queue) (*RedisQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if local == nil {
		local = NewMemoryQueue(0)
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	q := &RedisQueue{
		client:  client,
		channel: channel,
		local:   local,
		origin:  uuid.NewString(),
		logger:  cfg.Logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.pubsub = client.Subscribe(ctx, channel)
	go q.run(ctx)
	return q, nil
}

type RedisQueue struct {
	client  redis.UniversalClient
	pubsub  *redis.PubSub
	channel string
	local   Queue
	origin  string
	logger  *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Publish delivers to local subscribers first, then to Redis. A Redis failure
// is returned but never prevents local delivery.
func (q *RedisQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errMissingType
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := q.local.Publish(ctx, event); err != nil {
		return err
	}
	event.Origin = q.origin
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.client.Publish(ctx, q.channel, payload).Err(); err != nil {
		q.logger.Warn("redis publish failed",
			slog.String("channel", q.channel),
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()))
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (q *RedisQueue) Subscribe() Subscription { return q.local.Subscribe() }

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops the channel reader and releases the Redis client.
func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		_ = q.pubsub.Close()
		<-q.done
		q.closeErr = q.client.Close()
	})
	return q.closeErr
}

// run replays channel messages to local subscribers until Close. The pub/sub
// connection reconnects on its own; the channel closes with the subscription.
func (q *RedisQueue) run(ctx context.Context) {
	defer close(q.done)
	messages := q.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			q.deliver(ctx, msg.Payload)
		}
	}
}

// deliver decodes one channel payload and republishes it locally. Events this
// queue published itself were already delivered by Publish and are skipped.
func (q *RedisQueue) deliver(ctx context.Context, payload string) bool {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		q.logger.Error("redis event decode failed",
			slog.String("channel", q.channel),
			slog.String("error", err.Error()))
		return false
	}
	if event.Type == "" || event.Origin == q.origin {
		return false
	}
	if err := q.local.Publish(ctx, event); err != nil {
		q.logger.Debug("redis event not delivered locally", slog.String("error", err.Error()))
		return false
	}
	return true
}
