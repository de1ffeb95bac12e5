// Package cache keeps each venue's latest tick in Redis so external
// dashboards can read a warm view without going through the hub.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rfeldman/goldwatch/internal/model"
)

// Writer mirrors latest ticks into Redis.
type Writer struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewWriter connects to Redis and verifies reachability.
func NewWriter(ctx context.Context, addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Writer{
		client: client,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Run consumes hub events until the channel closes or the context ends.
// Tick events update the venue's latest-price key; write failures are
// logged, never fatal.
func (w *Writer) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != model.EventTick || ev.Tick == nil {
				continue
			}
			if err := w.SetLatest(ctx, *ev.Tick); err != nil {
				w.logger.Warn("cache write failed", "venue", ev.Tick.Venue, "error", err)
			}
		}
	}
}

// SetLatest stores tick as the venue's latest price.
func (w *Writer) SetLatest(ctx context.Context, tick model.PriceTick) error {
	key := latestKey(tick.Venue, tick.Symbol)
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	if err := w.client.Set(ctx, key, data, w.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetLatest reads back the venue's latest price, or nil when absent or
// expired.
func (w *Writer) GetLatest(ctx context.Context, v model.Venue, symbol string) (*model.PriceTick, error) {
	data, err := w.client.Get(ctx, latestKey(v, symbol)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest price: %w", err)
	}

	var tick model.PriceTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, fmt.Errorf("unmarshal tick: %w", err)
	}
	return &tick, nil
}

// Close releases the Redis connection.
func (w *Writer) Close() error {
	return w.client.Close()
}

func latestKey(v model.Venue, symbol string) string {
	return fmt.Sprintf("goldwatch:latest:%s:%s", v, symbol)
}
