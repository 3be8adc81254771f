package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the cross-instance relay connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisRelay publishes local events to a Redis channel and delivers events
// from other instances to the local bus.
type RedisRelay struct {
	client     *redis.Client
	channel    string
	instanceID string
	bus        *Bus
}

// NewRedisRelay connects to Redis and verifies the connection.
func NewRedisRelay(ctx context.Context, cfg RedisConfig, bus *Bus) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis relay connection test failed: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "supportdesk:events"
	}

	return &RedisRelay{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		bus:        bus,
	}, nil
}

// InstanceID identifies this process on the relay channel.
func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

// Forward implements Forwarder.
func (r *RedisRelay) Forward(ctx context.Context, ev Event) error {
	data, err := encodeRelayEvent(r.instanceID, ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Run subscribes to the relay channel until ctx is canceled.
func (r *RedisRelay) Run(ctx context.Context) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	slog.Info("Event relay subscribed", "channel", r.channel, "instance_id", r.instanceID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Event relay shutting down", "reason", ctx.Err())
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, remote, err := decodeRelayEvent(r.instanceID, []byte(msg.Payload))
			if err != nil {
				slog.Warn("Event relay dropped malformed message", "error", err)
				continue
			}
			if remote {
				r.bus.Deliver(ev)
			}
		}
	}
}

// Close closes the Redis connection.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func encodeRelayEvent(instanceID string, ev Event) ([]byte, error) {
	ev.Origin = instanceID
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.Type, err)
	}
	return data, nil
}

// decodeRelayEvent parses a relay message and reports whether it came from
// another instance.
func decodeRelayEvent(instanceID string, data []byte) (Event, bool, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, false, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, false, fmt.Errorf("decode event: missing type")
	}
	return ev, ev.Origin != instanceID, nil
}
