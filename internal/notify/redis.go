package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "interviewd:interview:"

// RedisHub delivers events across replicas over Redis pub/sub, so webhook
// handlers on one instance reach subscribers on another.
type RedisHub struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisHub(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisHub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisHub{client: client, logger: logger}, nil
}

func (h *RedisHub) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := h.client.Publish(ctx, channelPrefix+ev.InterviewID, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (h *RedisHub) Subscribe(ctx context.Context, interviewID string) (*Subscription, error) {
	ps := h.client.Subscribe(ctx, channelPrefix+interviewID)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	sub := newSubscription(func() {
		close(done)
		_ = ps.Close()
	})

	go func() {
		defer close(sub.ch)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Warn("dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case sub.ch <- ev:
				default:
				}
			}
		}
	}()
	return sub, nil
}

func (h *RedisHub) Close() error {
	return h.client.Close()
}
