package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const reconnectDelay = time.Second

type envelope struct {
	Instance string        `json:"instance"`
	Event    MutationEvent `json:"event"`
}

// RedisRelay shares events between API instances over a pub/sub channel.
// Each message carries the publishing instance id so an instance never
// redelivers its own events.
type RedisRelay struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *log.Logger
}

func NewRedisRelay(redisURL, channel string, logger *log.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRelayWithClient(client, channel, logger), nil
}

func NewRedisRelayWithClient(client *redis.Client, channel string, logger *log.Logger) *RedisRelay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisRelay{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

func (r *RedisRelay) Forward(ctx context.Context, event MutationEvent) error {
	payload, err := json.Marshal(envelope{Instance: r.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal relay event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

// Run subscribes to the channel and hands foreign events to deliver until ctx
// ends, resubscribing whenever the subscription channel closes. ready, if not
// nil, is closed once the first subscription is confirmed.
func (r *RedisRelay) Run(ctx context.Context, deliver func(MutationEvent), ready chan<- struct{}) {
	for {
		sub := r.client.Subscribe(ctx, r.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			r.logger.WithError(err).Error("realtime relay subscribe failed, retrying")
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}
		if ready != nil {
			close(ready)
			ready = nil
		}

		r.consume(ctx, sub.Channel(), deliver)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("realtime relay channel closed, reconnecting")
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, ch <-chan *redis.Message, deliver func(MutationEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.WithError(err).Warn("realtime relay: unable to parse event")
				continue
			}
			if env.Instance == r.instanceID || env.Event.ProjectID == "" {
				continue
			}
			deliver(env.Event)
		}
	}
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
