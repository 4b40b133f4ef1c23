package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/Hi-LinkDuino/RM56-sub005/adapter"
	"github.com/Hi-LinkDuino/RM56-sub005/adapter/redis"
	"github.com/Hi-LinkDuino/RM56-sub005/adapter/webhook"
	"github.com/Hi-LinkDuino/RM56-sub005/archive"
	"github.com/Hi-LinkDuino/RM56-sub005/cli/config"
	"github.com/Hi-LinkDuino/RM56-sub005/log"
	"github.com/Hi-LinkDuino/RM56-sub005/metrics"
	"github.com/Hi-LinkDuino/RM56-sub005/relay"
)

// backends are the host-side collaborators of one session: the archive
// writer with its trace buffer and the crash notifier. Any of them may be
// absent.
type backends struct {
	writer   archive.Writer
	buffer   *archive.TraceBuffer
	notifier adapter.Adapter
	handlers []relay.CrashHandler
}

// storeFactory returns the Lode store factory of the configured archive
// backend, or nil for backend none.
func storeFactory(ctx context.Context, cfg config.ArchiveConfig) (lode.StoreFactory, error) {
	switch cfg.Backend {
	case "fs":
		return lode.NewFSFactory(cfg.Path), nil
	case "s3":
		bucket, prefix := archive.ParseS3Path(cfg.Path)
		return archive.NewS3Factory(ctx, archive.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive backend: %s (must be fs, s3 or none)", cfg.Backend)
	}
}

func buildNotifier(cfg config.NotifierConfig) (adapter.Adapter, error) {
	retries := func(def int) int {
		if cfg.Retries != nil {
			return *cfg.Retries
		}
		return def
	}
	switch cfg.Type {
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries(webhook.DefaultRetries),
		})
	case "redis":
		return redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: retries(redis.DefaultRetries),
			Retain:  cfg.Retain.Duration,
		})
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown notifier type: %s (must be webhook, redis or none)", cfg.Type)
	}
}

func buildBackends(ctx context.Context, cfg *config.Config, start time.Time, collector *metrics.Collector, logger *log.Logger) (*backends, error) {
	b := &backends{}

	factory, err := storeFactory(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if factory != nil {
		client, err := archive.NewClient(archive.Config{
			Dataset: cfg.Archive.Dataset,
			Session: cfg.Session,
			Day:     archive.DeriveDay(start),
		}, factory)
		if err != nil {
			return nil, err
		}
		b.writer = archive.NewInstrumentedWriter(client, collector)
		b.buffer, err = archive.NewTraceBuffer(b.writer, archive.BufferConfig{
			MaxRecords:    cfg.Archive.BufferRecords,
			MaxBytes:      cfg.Archive.BufferBytes,
			FlushInterval: cfg.Archive.FlushInterval.Duration,
			Logger:        logger.Named("archive"),
		})
		if err != nil {
			_ = b.writer.Close()
			return nil, err
		}
		b.buffer.Start(ctx)
		b.handlers = append(b.handlers, archive.CrashHandler(b.writer))
	}

	notifier, err := buildNotifier(cfg.Notifier)
	if err != nil {
		_ = b.close(ctx, nil)
		return nil, err
	}
	if notifier != nil {
		b.notifier = notifier
		b.handlers = append(b.handlers, adapter.CrashHandler(b.notifier, cfg.Session, collector))
	}
	return b, nil
}

// sink returns the trace sink for the collector, nil without an archive.
func (b *backends) sink() relay.Sink {
	if b.buffer == nil {
		return nil
	}
	return b.buffer
}

// close flushes the trace buffer, writes the final metrics when snap is
// set and releases every backend.
func (b *backends) close(ctx context.Context, snap *metrics.Snapshot) error {
	var errs []error
	if b.buffer != nil {
		errs = append(errs, b.buffer.Close(ctx))
	}
	if b.writer != nil {
		if snap != nil {
			errs = append(errs, b.writer.WriteMetrics(ctx, *snap, time.Now()))
		}
		errs = append(errs, b.writer.Close())
	}
	if b.notifier != nil {
		errs = append(errs, b.notifier.Close())
	}
	return errors.Join(errs...)
}
