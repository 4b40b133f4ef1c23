package archive

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/Hi-LinkDuino/RM56-sub005/metrics"
	"github.com/Hi-LinkDuino/RM56-sub005/relay"
)

// Client is a Lode-backed implementation of Writer.
type Client struct {
	dataset lode.Dataset
	config  Config
	now     func() time.Time

	storeFactory lode.StoreFactory
	storeOnce    sync.Once
	store        lode.Store
	storeErr     error

	mu  sync.Mutex // guards seq
	seq int64
}

// NewClient creates a client over a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewClient(cfg Config, factory lode.StoreFactory) (*Client, error) {
	ds, err := NewDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	return &Client{
		dataset:      ds,
		config:       cfg,
		now:          time.Now,
		storeFactory: factory,
	}, nil
}

// NewDataset opens the dataset with the layout and codec shared by the
// write and read paths.
func NewDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// WriteTraces writes a batch of trace records. Sequence numbers continue
// across batches and are only consumed by successful writes.
func (c *Client) WriteTraces(ctx context.Context, records [][]byte) error {
	if len(records) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	at := c.now()
	batch := make([]any, 0, len(records))
	for i, rec := range records {
		batch = append(batch, traceRecordMap(rec, c.seq+int64(i)+1, at, c.config))
	}

	if _, err := c.dataset.Write(ctx, batch, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.partitionPath(RecordKindTrace))
	}
	c.seq += int64(len(records))
	return nil
}

// WriteCrashReport stores the dump as a sidecar file, then writes the
// report record pointing at it.
func (c *Client) WriteCrashReport(ctx context.Context, report *relay.CrashReport) error {
	if report == nil {
		return nil
	}

	var dumpFile string
	if len(report.Records) > 0 {
		dumpFile = c.buildFilePath("crash-" + report.ID + ".log")
		if err := c.putFile(ctx, dumpFile, joinRecords(report.Records)); err != nil {
			return WrapWriteError(err, dumpFile)
		}
	}

	record := crashReportRecordMap(report, dumpFile, c.config)
	if _, err := c.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.partitionPath(RecordKindCrashReport))
	}
	return nil
}

// WriteMetrics writes the session metrics snapshot.
func (c *Client) WriteMetrics(ctx context.Context, snap metrics.Snapshot, at time.Time) error {
	record := metricsRecordMap(snap, at, c.config)
	if _, err := c.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.partitionPath(RecordKindMetrics))
	}
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	// Dataset doesn't require explicit close in current Lode API
	return nil
}

func (c *Client) putFile(ctx context.Context, path string, data []byte) error {
	c.storeOnce.Do(func() {
		c.store, c.storeErr = c.storeFactory()
	})
	if c.storeErr != nil {
		return fmt.Errorf("file write store init failed: %w", c.storeErr)
	}
	return c.store.Put(ctx, path, bytes.NewReader(data))
}

// buildFilePath computes the path of a sidecar file.
// Format: datasets/<dataset>/partitions/session=<s>/day=<d>/files/<filename>
func (c *Client) buildFilePath(filename string) string {
	return fmt.Sprintf("datasets/%s/partitions/session=%s/day=%s/files/%s",
		c.config.Dataset, c.config.Session, c.config.Day, filename)
}

func (c *Client) partitionPath(kind string) string {
	return fmt.Sprintf("%s/session=%s/day=%s/record_kind=%s",
		c.config.Dataset, c.config.Session, c.config.Day, kind)
}

// joinRecords renders a dump as one record per line.
func joinRecords(records [][]byte) []byte {
	var buf bytes.Buffer
	for _, rec := range records {
		buf.Write(bytes.TrimRight(rec, "\n"))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Verify Client implements Writer.
var _ Writer = (*Client)(nil)
