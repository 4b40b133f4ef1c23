// Package redis implements a Redis pub/sub crash notifier.
//
// Each event is PUBLISHed as JSON on a channel. With Retain set, the same
// payload is also stored under <channel>:<crash id> for that long, so a
// consumer that was not subscribed at crash time can still fetch it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Hi-LinkDuino/RM56-sub005/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "cpsim:aux_crash"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the Redis pub/sub adapter.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: cpsim:aux_crash).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
	// Backoff is the delay before the first retry (default adapter.DefaultBackoff).
	Backoff time.Duration
	// Retain keeps a copy of each event under <channel>:<crash id>; 0 disables it.
	Retain time.Duration
}

// Adapter publishes crash events via Redis PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis pub/sub adapter from the given config.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Retain < 0 {
		return nil, fmt.Errorf("retain must be >= 0, got %v", cfg.Retain)
	}

	return &Adapter{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// RetainKey returns the key a retained event of crashID is stored under.
func (a *Adapter) RetainKey(crashID string) string {
	return a.config.Channel + ":" + crashID
}

// Publish sends the event, storing the retained copy first when enabled.
func (a *Adapter) Publish(ctx context.Context, event *adapter.CrashReportedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	return adapter.Retry(ctx, "redis", a.config.Retries, a.config.Backoff, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()

		if a.config.Retain == 0 {
			return a.client.Publish(ctx, a.config.Channel, body).Err()
		}
		_, err := a.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, a.RetainKey(event.CrashID), body, a.config.Retain)
			p.Publish(ctx, a.config.Channel, body)
			return nil
		})
		return err
	})
}

// Close releases the connection pool.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
