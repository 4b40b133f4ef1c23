package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hi-LinkDuino/RM56-sub005/dispatch"
	"github.com/Hi-LinkDuino/RM56-sub005/log"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// DefaultPublishTimeout bounds the crash handlers of one report.
const DefaultPublishTimeout = 10 * time.Second

// Sink receives diagnostics records on the host. A record the sink rejects
// is counted as a read-side discard.
type Sink interface {
	Record(rec []byte) error
}

// Broadcaster delivers a control message to every opened task.
type Broadcaster interface {
	Broadcast(ctrl types.SysCtrl)
}

// CrashReport is everything the host collected about one aux crash.
type CrashReport struct {
	ID        string
	Kind      types.CrashKind
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
	// Complete is false when the report was closed without a crash end
	// notice.
	Complete bool
	// Discarded is the aux write-side discard count at crash end.
	Discarded uint32
	// Records are the diagnostics records received during the crash.
	Records [][]byte
}

// CrashHandler persists or forwards a finished crash report.
type CrashHandler func(ctx context.Context, report *CrashReport) error

// CollectorConfig configures the host collector.
type CollectorConfig struct {
	// Ring is the host handle on the diagnostics ring.
	Ring   *Ring
	Router *dispatch.Router
	Sink   Sink
	// Broadcaster, if set, receives a peer-crash notice at crash start.
	Broadcaster Broadcaster
	// Handlers run on a separate goroutine once a crash report is complete.
	Handlers       []CrashHandler
	PublishTimeout time.Duration
	Logger         *log.Logger
}

// CollectorStats is a snapshot of host collector counters.
type CollectorStats struct {
	Notices       int64
	Records       int64
	Bytes         int64
	ReadDiscards  int64
	Lost          int64
	Crashes       int64
	Reports       int64
	PublishErrors int64
}

// Collector is the host side of the diagnostics path.
type Collector struct {
	cfg    CollectorConfig
	ring   *Ring
	logger *log.Logger

	mu         sync.Mutex // serializes draining
	generation uint32
	lost       uint32 // last write-side discard count reported
	crash      *CrashReport
	stats      CollectorStats

	wg sync.WaitGroup
}

// NewCollector registers the trace and crash handlers on the host router.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if cfg.Ring == nil || cfg.Router == nil || cfg.Sink == nil {
		return nil, errors.New("relay: ring, router and sink are required")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	c := &Collector{cfg: cfg, ring: cfg.Ring, logger: cfg.Logger.Named("collector")}
	if err := cfg.Router.Register(types.MsgTrace, c.onTrace); err != nil {
		return nil, err
	}
	if err := cfg.Router.Register(types.MsgCrash, c.onCrash); err != nil {
		return nil, err
	}
	return c, nil
}

// Drain delivers every committed record to the sink and advances the read
// cursor. It is safe to call at any time; trace notices only trigger it.
func (c *Collector) Drain() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drainLocked()
}

func (c *Collector) drainLocked() int {
	if !c.ring.valid() {
		return 0
	}
	if gen := c.ring.generation(); gen != c.generation {
		c.generation = gen
		c.lost = 0
	}

	read, write := c.ring.cursors()
	n := 0
	for ; read != write; read++ {
		rec, err := c.ring.record(read)
		if err == nil {
			err = c.cfg.Sink.Record(rec)
		}
		if err != nil {
			c.ring.discard(ctrlRDiscards)
			c.stats.ReadDiscards++
			c.logger.Warn("record discarded", map[string]any{"error": err.Error()})
		} else {
			c.stats.Records++
			c.stats.Bytes += int64(len(rec))
			if c.crash != nil {
				c.crash.Records = append(c.crash.Records, rec)
			}
		}
		c.ring.store(ctrlRead, read+1)
		n++
	}

	if wd, _ := c.ring.Discards(); wd != c.lost {
		lost := wd - c.lost
		c.lost = wd
		c.stats.Lost += int64(lost)
		c.logger.Warn("diagnostics lost", map[string]any{"lost": lost, "message": fmt.Sprintf("LOST %d", lost)})
	}
	return n
}

// Stats returns a snapshot of the collector counters.
func (c *Collector) Stats() CollectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Wait blocks until every crash report handed to the handlers is done.
func (c *Collector) Wait() {
	c.wg.Wait()
}

// Abandon closes an in-progress crash report without a crash end notice,
// e.g. after the aux core was powered down mid-crash.
func (c *Collector) Abandon() {
	c.mu.Lock()
	report := c.crash
	c.crash = nil
	c.mu.Unlock()
	if report != nil {
		report.EndedAt = time.Now()
		c.publish(report)
	}
}

func (c *Collector) onTrace(env *dispatch.Envelope) {
	var notice types.TraceNotice
	if err := dispatch.DecodeValue(env, &notice); err != nil {
		c.logger.Warn("bad trace notice", map[string]any{"error": err.Error()})
	}
	c.mu.Lock()
	c.stats.Notices++
	c.drainLocked()
	c.mu.Unlock()
}

func (c *Collector) onCrash(env *dispatch.Envelope) {
	var notice types.CrashNotice
	if err := dispatch.DecodeValue(env, &notice); err != nil {
		c.logger.Warn("bad crash notice", map[string]any{"error": err.Error()})
		return
	}

	switch notice.Phase {
	case types.CrashStart:
		c.crashStart(notice)
	case types.CrashEnd:
		c.crashEnd(notice)
	}
}

func (c *Collector) crashStart(notice types.CrashNotice) {
	c.mu.Lock()
	c.drainLocked()
	c.crash = &CrashReport{
		ID:        uuid.NewString(),
		Kind:      notice.Kind,
		Reason:    notice.Reason,
		StartedAt: time.Now(),
	}
	c.stats.Crashes++
	id := c.crash.ID
	c.mu.Unlock()

	c.logger.Error("aux crash", map[string]any{
		"crash_id": id,
		"kind":     notice.Kind.String(),
		"reason":   notice.Reason,
	})

	if err := c.cfg.Router.SendBytes(types.MsgCrashAck, types.PriorityHigh, nil); err != nil {
		c.logger.Warn("crash ack not sent", map[string]any{"error": err.Error()})
	}
	if c.cfg.Broadcaster != nil {
		c.cfg.Broadcaster.Broadcast(types.SysCtrl{Kind: types.SysCtrlPeerCrash, Detail: notice.Reason})
	}
}

func (c *Collector) crashEnd(notice types.CrashNotice) {
	c.mu.Lock()
	c.drainLocked()
	report := c.crash
	c.crash = nil
	c.mu.Unlock()

	if report == nil {
		// The begin notice was lost; report what the end notice carries.
		report = &CrashReport{ID: uuid.NewString(), Kind: notice.Kind, Reason: notice.Reason, StartedAt: time.Now()}
	}
	report.EndedAt = time.Now()
	report.Complete = true
	report.Discarded = notice.Discarded
	c.publish(report)
}

func (c *Collector) publish(report *CrashReport) {
	c.mu.Lock()
	c.stats.Reports++
	c.mu.Unlock()

	if len(c.cfg.Handlers) == 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
		defer cancel()
		for _, h := range c.cfg.Handlers {
			if err := h(ctx, report); err != nil {
				c.mu.Lock()
				c.stats.PublishErrors++
				c.mu.Unlock()
				c.logger.Error("crash report handler failed", map[string]any{
					"crash_id": report.ID,
					"error":    err.Error(),
				})
			}
		}
	}()
}
