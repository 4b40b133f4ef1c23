// Package metrics provides per-session metrics collection.
//
// The Collector accumulates counters during a single simulation session. It
// is a leaf package with no internal dependencies. Transport, lifecycle and
// relay counters are absorbed from the components' stats snapshots at
// session end rather than recorded live, avoiding double-counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all session metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Mailbox (absorbed, host and aux channels summed)
	SlotsSent           int64            `json:"slots_sent" yaml:"slots_sent"`
	SlotsReceived       int64            `json:"slots_received" yaml:"slots_received"`
	SlotsAcked          int64            `json:"slots_acked" yaml:"slots_acked"`
	QueueFull           int64            `json:"queue_full" yaml:"queue_full"`
	QueueFullByPriority map[string]int64 `json:"queue_full_by_priority" yaml:"queue_full_by_priority"`

	// Router (absorbed)
	EnvelopesSent     int64 `json:"envelopes_sent" yaml:"envelopes_sent"`
	EnvelopesReceived int64 `json:"envelopes_received" yaml:"envelopes_received"`
	EnvelopesGated    int64 `json:"envelopes_gated" yaml:"envelopes_gated"`
	UnknownType       int64 `json:"unknown_type" yaml:"unknown_type"`
	DecodeErrors      int64 `json:"decode_errors" yaml:"decode_errors"`

	// Lifecycle (absorbed)
	TasksOpened  int64  `json:"tasks_opened" yaml:"tasks_opened"`
	TasksClosed  int64  `json:"tasks_closed" yaml:"tasks_closed"`
	PowerUps     int64  `json:"power_ups" yaml:"power_ups"`
	PowerDowns   int64  `json:"power_downs" yaml:"power_downs"`
	BootFailures int64  `json:"boot_failures" yaml:"boot_failures"`
	BusyPermille uint32 `json:"busy_permille" yaml:"busy_permille"`

	// Relay (absorbed)
	RecordsWritten    int64 `json:"records_written" yaml:"records_written"`
	RecordsDiscarded  int64 `json:"records_discarded" yaml:"records_discarded"`
	BytesOffered      int64 `json:"bytes_offered" yaml:"bytes_offered"`
	BytesWritten      int64 `json:"bytes_written" yaml:"bytes_written"`
	BytesDiscarded    int64 `json:"bytes_discarded" yaml:"bytes_discarded"`
	RecordsCollected  int64 `json:"records_collected" yaml:"records_collected"`
	ReadDiscards      int64 `json:"read_discards" yaml:"read_discards"`
	RecordsLost       int64 `json:"records_lost" yaml:"records_lost"`
	HandshakeTimeouts int64 `json:"handshake_timeouts" yaml:"handshake_timeouts"`

	// Crash path (live)
	Crashes             int64 `json:"crashes" yaml:"crashes"`
	ArchiveWriteSuccess int64 `json:"archive_write_success" yaml:"archive_write_success"`
	ArchiveWriteFailure int64 `json:"archive_write_failure" yaml:"archive_write_failure"`
	NotifySuccess       int64 `json:"notify_success" yaml:"notify_success"`
	NotifyFailure       int64 `json:"notify_failure" yaml:"notify_failure"`

	// Dimensions (informational, set at construction)
	Session  string `json:"session" yaml:"session"`
	Archive  string `json:"archive" yaml:"archive"`
	Notifier string `json:"notifier" yaml:"notifier"`
}

// Collector accumulates metrics during a single session.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	s Snapshot
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(session, archive, notifier string) *Collector {
	return &Collector{s: Snapshot{
		QueueFullByPriority: make(map[string]int64),
		Session:             session,
		Archive:             archive,
		Notifier:            notifier,
	}}
}

// --- Crash path ---

// IncCrash records an aux crash seen by the host.
func (c *Collector) IncCrash() {
	c.update(func(s *Snapshot) { s.Crashes++ })
}

// IncArchiveWriteSuccess records a successful archive write (per call).
func (c *Collector) IncArchiveWriteSuccess() {
	c.update(func(s *Snapshot) { s.ArchiveWriteSuccess++ })
}

// IncArchiveWriteFailure records a failed archive write (per call).
func (c *Collector) IncArchiveWriteFailure() {
	c.update(func(s *Snapshot) { s.ArchiveWriteFailure++ })
}

// IncNotifySuccess records a delivered crash notification.
func (c *Collector) IncNotifySuccess() {
	c.update(func(s *Snapshot) { s.NotifySuccess++ })
}

// IncNotifyFailure records a crash notification that was not delivered.
func (c *Collector) IncNotifyFailure() {
	c.update(func(s *Snapshot) { s.NotifyFailure++ })
}

// --- Absorbed stats ---

// AbsorbMailbox adds one channel's counters. The byPriority map keys are
// priority names to keep this package free of the types package.
func (c *Collector) AbsorbMailbox(sent, received, acked, queueFull int64, byPriority map[string]int64) {
	c.update(func(s *Snapshot) {
		s.SlotsSent += sent
		s.SlotsReceived += received
		s.SlotsAcked += acked
		s.QueueFull += queueFull
		for k, v := range byPriority {
			s.QueueFullByPriority[k] += v
		}
	})
}

// AbsorbRouter adds one router's counters.
func (c *Collector) AbsorbRouter(sent, received, gated, unknown, decodeErrors int64) {
	c.update(func(s *Snapshot) {
		s.EnvelopesSent += sent
		s.EnvelopesReceived += received
		s.EnvelopesGated += gated
		s.UnknownType += unknown
		s.DecodeErrors += decodeErrors
	})
}

// AbsorbLifecycle copies the host lifecycle counters.
func (c *Collector) AbsorbLifecycle(opened, closed, powerUps, powerDowns, bootFailures int64, busyPermille uint32) {
	c.update(func(s *Snapshot) {
		s.TasksOpened = opened
		s.TasksClosed = closed
		s.PowerUps = powerUps
		s.PowerDowns = powerDowns
		s.BootFailures = bootFailures
		s.BusyPermille = busyPermille
	})
}

// AbsorbRelay adds the aux relay counters. Called once per aux power cycle,
// since the relay resets on open.
func (c *Collector) AbsorbRelay(written, discarded, bytesOffered, bytesWritten, bytesDiscarded, timeouts int64) {
	c.update(func(s *Snapshot) {
		s.RecordsWritten += written
		s.RecordsDiscarded += discarded
		s.BytesOffered += bytesOffered
		s.BytesWritten += bytesWritten
		s.BytesDiscarded += bytesDiscarded
		s.HandshakeTimeouts += timeouts
	})
}

// AbsorbCollector copies the host diagnostics collector counters.
func (c *Collector) AbsorbCollector(collected, readDiscards, lost int64) {
	c.update(func(s *Snapshot) {
		s.RecordsCollected = collected
		s.ReadDiscards = readDiscards
		s.RecordsLost = lost
	})
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.s
	s.QueueFullByPriority = make(map[string]int64, len(c.s.QueueFullByPriority))
	for k, v := range c.s.QueueFullByPriority {
		s.QueueFullByPriority[k] = v
	}
	return s
}

func (c *Collector) update(fn func(*Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}
