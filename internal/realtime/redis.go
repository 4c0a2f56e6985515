package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisBus publishes events to a Redis channel so every replica can forward
// them to its own SSE subscribers.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisBus connects to addr and verifies the connection.
func NewRedisBus(ctx context.Context, addr, channel string, logger *slog.Logger) (*RedisBus, error) {
	if addr == "" {
		return nil, errors.New("redis address required")
	}
	if channel == "" {
		channel = "quadsearch:events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, channel: channel, logger: logger.With("component", "redis_bus")}, nil
}

// Publish implements Notifier.
func (b *RedisBus) Publish(ctx context.Context, channel, event string, payload any) error {
	ev, err := newEvent(channel, event, payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes to the bus channel and hands every received
// event to onEvent until ctx is cancelled.
func (b *RedisBus) StartForwarder(ctx context.Context, onEvent func(Event)) error {
	if onEvent == nil {
		return errors.New("onEvent callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.logger.Warn("bad redis event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
