package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/dispatch"
	"github.com/Hi-LinkDuino/RM56-sub005/hal"
	"github.com/Hi-LinkDuino/RM56-sub005/log"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// Defaults of the aux relay.
const (
	DefaultNearFullThreshold = 200
	DefaultFlushTimeout      = 2 * time.Second
	DefaultAckTimeout        = 500 * time.Millisecond
	DefaultEndTimeout        = 500 * time.Millisecond
	DefaultPollStep          = time.Millisecond
)

// MaxModules bounds the module ids accepted by WriteModule.
const MaxModules = 64

// Module tags a record with the feature module that wrote it.
type Module uint8

var (
	// ErrDiscarded is returned by Write when the ring has no room. The record
	// is counted, not written.
	ErrDiscarded = errors.New("relay: record discarded")
	// ErrHandshakeTimeout is returned when a crash handshake wait ran out.
	// The handshake still completes.
	ErrHandshakeTimeout = errors.New("relay: crash handshake timed out")
	// ErrNotOpen is returned before Open.
	ErrNotOpen = errors.New("relay: not open")
	// ErrNotPaused is returned by Continue without a matching Pause.
	ErrNotPaused = errors.New("relay: not paused")
	// ErrInvalidModule is returned for a module id outside MaxModules.
	ErrInvalidModule = errors.New("relay: invalid module")
)

// BufferState is the fill level reported to the buffer-state callback.
type BufferState int

const (
	// BufferNormal means at least the near-full threshold is free.
	BufferNormal BufferState = iota
	// BufferNearFull means less than the near-full threshold is free.
	BufferNearFull
	// BufferFull means a record was discarded.
	BufferFull
)

func (s BufferState) String() string {
	switch s {
	case BufferNormal:
		return "normal"
	case BufferNearFull:
		return "near_full"
	case BufferFull:
		return "full"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures the aux relay.
type Config struct {
	// Ring is the aux handle on the diagnostics ring.
	Ring *Ring
	// Router is the aux router; notices travel as MsgTrace and MsgCrash.
	Router *dispatch.Router
	Clock  hal.Clock
	// Coalesce defers trace notices by this window, measured on Clock.
	// Zero notifies per write.
	Coalesce time.Duration
	// NearFullThreshold is the free byte count below which the ring is near full.
	NearFullThreshold uint32
	// OnBufferState is called on every fill level change.
	OnBufferState func(BufferState)

	FlushTimeout time.Duration
	AckTimeout   time.Duration
	EndTimeout   time.Duration
	PollStep     time.Duration
	Logger       *log.Logger
}

// Stats is a snapshot of aux relay counters.
type Stats struct {
	RecordsWritten    int64
	RecordsDiscarded  int64
	BytesOffered      int64
	BytesWritten      int64
	BytesDiscarded    int64
	Notices           int64
	NoticeFailures    int64
	Crashes           int64
	Timeouts          int64
	// RecordsSuppressed counts records dropped by the output switch or a
	// disabled module. They are not part of BytesOffered.
	RecordsSuppressed int64
}

// DumpFunc writes crash diagnostics through r.Write during a crash.
type DumpFunc func(r *Relay)

// Relay is the aux side of the diagnostics path.
type Relay struct {
	cfg    Config
	ring   *Ring
	logger *log.Logger

	mu    sync.Mutex // guards the ring's aux state and everything below
	open  bool
	state BufferState
	crash crashState
	stats Stats
	dumps []namedDump

	coalescing bool
	gen        uint64 // bumped to cancel a pending coalescing window

	paused int  // Pause nesting depth
	held   bool // a notice is owed for when output continues

	off      bool
	disabled uint64 // bit per disabled module
}

type namedDump struct {
	name string
	fn   DumpFunc
}

// New validates cfg. Call Open once the aux router is attached.
func New(cfg Config) (*Relay, error) {
	if cfg.Ring == nil || cfg.Router == nil {
		return nil, errors.New("relay: ring and router are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = hal.SystemClock{}
	}
	if cfg.NearFullThreshold == 0 {
		cfg.NearFullThreshold = DefaultNearFullThreshold
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = DefaultEndTimeout
	}
	if cfg.PollStep <= 0 {
		cfg.PollStep = DefaultPollStep
	}
	return &Relay{
		cfg:    cfg,
		ring:   cfg.Ring,
		logger: cfg.Logger.Named("relay"),
	}, nil
}

// Open resets the ring and the crash state and registers the crash ack
// handler on the router.
func (r *Relay) Open() error {
	if err := r.cfg.Router.Register(types.MsgCrashAck, r.onCrashAck); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelCoalesceLocked()
	r.ring.reset()
	r.open = true
	r.state = BufferNormal
	r.crash = crashState{}
	r.paused, r.held = 0, false
	return nil
}

// RegisterDump adds a crash dump callback. Callbacks run in registration
// order during a crash.
func (r *Relay) RegisterDump(name string, fn DumpFunc) {
	r.mu.Lock()
	r.dumps = append(r.dumps, namedDump{name: name, fn: fn})
	r.mu.Unlock()
}

// Write appends p as one record without blocking. If the ring lacks an entry
// or contiguous space the record is counted as discarded and ErrDiscarded
// is returned; unread records are never overwritten. With output switched
// off the record is suppressed and Write returns nil.
func (r *Relay) Write(p []byte) error {
	return r.write(0, false, p)
}

// WriteModule is Write for a record of module m. Records of a disabled
// module are suppressed.
func (r *Relay) WriteModule(m Module, p []byte) error {
	if m >= MaxModules {
		return fmt.Errorf("%w: %d", ErrInvalidModule, m)
	}
	return r.write(m, true, p)
}

func (r *Relay) write(m Module, tagged bool, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return ErrNotOpen
	}
	if r.off || (tagged && r.disabled&(1<<m) != 0) {
		r.stats.RecordsSuppressed++
		r.mu.Unlock()
		return nil
	}
	n := int64(len(p))
	r.stats.BytesOffered += n

	if !r.ring.append(p) {
		r.ring.discard(ctrlWDiscards)
		r.stats.RecordsDiscarded++
		r.stats.BytesDiscarded += n
		changed := r.setStateLocked(BufferFull)
		r.mu.Unlock()
		r.reportState(changed, BufferFull)
		return ErrDiscarded
	}

	r.stats.RecordsWritten++
	r.stats.BytesWritten += n
	state := BufferNormal
	if r.ring.free() < r.cfg.NearFullThreshold {
		state = BufferNearFull
	}
	changed := r.setStateLocked(state)

	send := false
	switch {
	case r.holdLocked():
	case r.cfg.Coalesce <= 0 || r.crash.phase != types.CrashNone:
		send = true
	case !r.coalescing:
		r.coalescing = true
		go r.coalesce(r.gen)
	}
	r.mu.Unlock()

	r.reportState(changed, state)
	if send {
		r.notify()
	}
	return nil
}

// Notify sends a trace notice for every committed record now, or once
// output continues if it is paused.
func (r *Relay) Notify() {
	r.mu.Lock()
	r.cancelCoalesceLocked()
	hold := r.holdLocked()
	r.mu.Unlock()
	if !hold {
		r.notify()
	}
}

// Pause holds trace notices until the matching Continue. Records are still
// written. Pauses nest; a crash continues output.
func (r *Relay) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused == 0 && r.coalescing {
		r.cancelCoalesceLocked()
		r.held = true
	}
	r.paused++
}

// Continue undoes one Pause. The last one sends the held notice.
func (r *Relay) Continue() error {
	r.mu.Lock()
	if r.paused == 0 {
		r.mu.Unlock()
		return ErrNotPaused
	}
	r.paused--
	send := r.paused == 0 && r.held
	if send {
		r.held = false
	}
	r.mu.Unlock()

	if send {
		r.notify()
	}
	return nil
}

// SetOutput switches record output on or off.
func (r *Relay) SetOutput(on bool) {
	r.mu.Lock()
	r.off = !on
	r.mu.Unlock()
}

// EnableModule lets records of module m through.
func (r *Relay) EnableModule(m Module) error {
	return r.setModule(m, true)
}

// DisableModule suppresses records of module m.
func (r *Relay) DisableModule(m Module) error {
	return r.setModule(m, false)
}

func (r *Relay) setModule(m Module, on bool) error {
	if m >= MaxModules {
		return fmt.Errorf("%w: %d", ErrInvalidModule, m)
	}
	r.mu.Lock()
	if on {
		r.disabled &^= 1 << m
	} else {
		r.disabled |= 1 << m
	}
	r.mu.Unlock()
	return nil
}

// Busy reports whether committed records are still unread by the host or a
// trace notice is still owed.
func (r *Relay) Busy() bool {
	r.mu.Lock()
	owed := r.coalescing || r.held
	r.mu.Unlock()
	return owed || !r.ring.drained()
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// State returns the current fill level.
func (r *Relay) State() BufferState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// coalesce sends the notice of window gen once the window has passed on
// the relay clock.
func (r *Relay) coalesce(gen uint64) {
	r.cfg.Clock.Sleep(r.cfg.Coalesce)

	r.mu.Lock()
	if !r.coalescing || r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.coalescing = false
	send := r.open && !r.holdLocked()
	r.mu.Unlock()
	if send {
		r.notify()
	}
}

// holdLocked records an owed notice while output is paused outside a crash.
func (r *Relay) holdLocked() bool {
	if r.paused == 0 || r.crash.phase != types.CrashNone {
		return false
	}
	r.held = true
	return true
}

func (r *Relay) notify() {
	_, write := r.ring.cursors()
	wd, _ := r.ring.Discards()

	p := types.PriorityNormal
	if r.Phase() != types.CrashNone {
		p = types.PriorityHigh
	}
	err := r.cfg.Router.SendValue(types.MsgTrace, p, types.TraceNotice{Write: write, Discarded: wd})

	r.mu.Lock()
	if err != nil {
		r.stats.NoticeFailures++
	} else {
		r.stats.Notices++
	}
	r.mu.Unlock()
}

func (r *Relay) cancelCoalesceLocked() {
	if r.coalescing {
		r.coalescing = false
		r.gen++
	}
}

func (r *Relay) setStateLocked(s BufferState) bool {
	if r.state == s {
		return false
	}
	r.state = s
	return true
}

func (r *Relay) reportState(changed bool, s BufferState) {
	if !changed {
		return
	}
	if s != BufferNormal {
		r.logger.Warn("diagnostics ring "+s.String(), nil)
	}
	if r.cfg.OnBufferState != nil {
		r.cfg.OnBufferState(s)
	}
}
