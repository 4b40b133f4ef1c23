package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/dispatch"
	"github.com/Hi-LinkDuino/RM56-sub005/hal"
	"github.com/Hi-LinkDuino/RM56-sub005/log"
	"github.com/Hi-LinkDuino/RM56-sub005/mailbox"
	"github.com/Hi-LinkDuino/RM56-sub005/shm"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// noIdlePoll paces the idle loop when waiting for interrupts is disabled.
const noIdlePoll = 100 * time.Microsecond

// AcceleratorConfig wires the aux side of the lifecycle.
type AcceleratorConfig struct {
	Table *Table
	// Core is the aux core.
	Core     hal.Core
	View     *shm.View
	IdleAddr uint32
	Clock    hal.Clock

	Endpoint *mailbox.Endpoint
	Router   *dispatch.Router
	Channel  mailbox.ChannelID
	// Geometry is the channel geometry as seen from the host.
	Geometry mailbox.Geometry

	// NoIdle keeps the loop polling instead of waiting for interrupts.
	NoIdle bool
	// UsageInterval is the usage report period. Zero disables reports.
	UsageInterval time.Duration

	// OnBoot runs after the channel is open and before boot done is
	// announced.
	OnBoot func(ctx context.Context) error
	// OnCrash runs when a task callback panics, before the core halts.
	OnCrash func(reason string)

	Logger *log.Logger
}

// AcceleratorStats is a snapshot of aux loop counters.
type AcceleratorStats struct {
	Boots         int64
	WorkRuns      int64
	EventsPosted  int64
	EventsDropped int64
	Wakeups       int64
	Busy          time.Duration
	Sleep         time.Duration
	UsageReports  int64
}

// Accelerator is the aux core's boot entry and idle loop.
type Accelerator struct {
	cfg    AcceleratorConfig
	logger *log.Logger

	workMu sync.Mutex // serializes work callbacks

	// Guarded by Core.IntLock.
	pending [types.MaxTasks]uint32
	fault   any // first panic of an ISR-context callback

	// Owned by the loop.
	busy, sleep time.Duration
	windowStart time.Time

	statsMu sync.Mutex
	stats   AcceleratorStats
}

// NewAccelerator validates cfg. Install Run as the aux boot entry.
func NewAccelerator(cfg AcceleratorConfig) (*Accelerator, error) {
	if cfg.Table == nil || cfg.Core == nil || cfg.View == nil ||
		cfg.Endpoint == nil || cfg.Router == nil {
		return nil, errors.New("lifecycle: incomplete accelerator config")
	}
	if !cfg.View.SRAM().IsCoherent(cfg.IdleAddr, shm.WordSize) {
		return nil, fmt.Errorf("lifecycle: idle flag %#x is not coherent", cfg.IdleAddr)
	}
	if cfg.Clock == nil {
		cfg.Clock = hal.SystemClock{}
	}
	return &Accelerator{cfg: cfg, logger: cfg.Logger.Named("accel")}, nil
}

// Router returns the aux router.
func (a *Accelerator) Router() *dispatch.Router {
	return a.cfg.Router
}

// Run is the aux boot entry: it opens the aux side of the channel, announces
// boot done and runs the idle loop until ctx ends. A panicking task
// callback runs OnCrash and halts the core by re-panicking on the boot
// goroutine; ISR-context panics are handed to the loop first.
func (a *Accelerator) Run(ctx context.Context) error {
	ch, err := a.cfg.Endpoint.Open(a.cfg.Channel, a.cfg.Geometry.Mirror(), a.cfg.Router.Handlers())
	if err != nil {
		return fmt.Errorf("lifecycle: aux channel: %w", err)
	}
	a.cfg.Router.Attach(ch)
	a.cfg.Router.SetGate(false)
	defer func() {
		a.cfg.Router.Detach()
		_ = ch.Close()
	}()

	if err := a.cfg.Router.Register(types.MsgTaskEvent, a.onTaskEvent); err != nil {
		return err
	}
	if err := a.cfg.Router.Register(types.MsgSysCtrl, a.onSysCtrl); err != nil {
		return err
	}

	restore := a.cfg.Core.IntLock()
	a.pending = [types.MaxTasks]uint32{}
	a.fault = nil
	restore()
	a.cfg.Core.SetHandler(a.cfg.Endpoint.HandleInterrupt)

	if a.cfg.OnBoot != nil {
		if err := a.cfg.OnBoot(ctx); err != nil {
			return fmt.Errorf("lifecycle: aux boot hook: %w", err)
		}
	}

	if err := a.cfg.Router.SendValue(types.MsgSysCtrl, types.PriorityHigh,
		types.SysCtrl{Kind: types.SysCtrlBootDone, Wire: types.WireVersion}); err != nil {
		return fmt.Errorf("lifecycle: announce boot: %w", err)
	}
	a.count(func(s *AcceleratorStats) { s.Boots++ })
	a.logger.Info("aux core booted", nil)

	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprint(r)
			a.logger.Error("task callback panicked", map[string]any{"panic": reason})
			if a.cfg.OnCrash != nil {
				a.cfg.OnCrash(reason)
			}
			panic(r)
		}
	}()
	a.loop(ctx)
	return nil
}

// Post marks event of task id pending on the aux core and wakes the loop.
func (a *Accelerator) Post(id types.TaskID, event uint8) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTask, id)
	}
	if event >= types.MaxTaskEvents {
		return fmt.Errorf("%w: %d", ErrInvalidEvent, event)
	}
	restore := a.cfg.Core.IntLock()
	a.pending[id] |= 1 << event
	_ = a.cfg.View.Store32(a.cfg.IdleAddr, 0)
	restore()
	a.cfg.Core.Wake()
	a.count(func(s *AcceleratorStats) { s.EventsPosted++ })
	return nil
}

// Notify sends data to the host's peer-event callback of task id.
func (a *Accelerator) Notify(id types.TaskID, data []byte) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTask, id)
	}
	return a.cfg.Router.SendValue(types.MsgTaskNotify, types.PriorityNormal,
		types.TaskNotify{Task: id, Data: data})
}

// Stats returns a snapshot of the loop counters.
func (a *Accelerator) Stats() AcceleratorStats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}

func (a *Accelerator) loop(ctx context.Context) {
	clock := a.cfg.Clock
	a.busy, a.sleep = 0, 0
	a.windowStart = clock.Now()

	for ctx.Err() == nil {
		start := clock.Now()

		restore := a.cfg.Core.IntLock()
		pending, fault := a.pending, a.fault
		a.pending = [types.MaxTasks]uint32{}
		restore()
		if fault != nil {
			panic(fault)
		}

		ran := false
		for id, set := range pending {
			for set != 0 {
				ev := bits.TrailingZeros32(set)
				set &^= 1 << ev
				ran = true
				a.work(types.TaskID(id), uint8(ev))
			}
		}
		a.busy += clock.Now().Sub(start)

		if !ran {
			a.idle(ctx)
		}
		a.reportUsage()
	}
}

func (a *Accelerator) work(id types.TaskID, ev uint8) {
	desc, ok := a.cfg.Table.Descriptor(id)
	if !ok || desc.Work == nil {
		return
	}
	a.workMu.Lock()
	defer a.workMu.Unlock()
	desc.Work(ev)
	a.count(func(s *AcceleratorStats) { s.WorkRuns++ })
}

// idle parks the core until the next interrupt. The idle flag is only
// published while no event is pending.
func (a *Accelerator) idle(ctx context.Context) {
	clock := a.cfg.Clock
	if a.cfg.NoIdle {
		clock.Sleep(noIdlePoll)
		return
	}

	restore := a.cfg.Core.IntLock()
	empty := a.pending == [types.MaxTasks]uint32{} && a.fault == nil
	if empty {
		_ = a.cfg.View.Store32(a.cfg.IdleAddr, 1)
	}
	restore()
	if !empty {
		return
	}

	start := clock.Now()
	a.cfg.Core.WaitForInterrupt(ctx)
	_ = a.cfg.View.Store32(a.cfg.IdleAddr, 0)
	a.sleep += clock.Now().Sub(start)
	a.count(func(s *AcceleratorStats) { s.Wakeups++ })
}

func (a *Accelerator) reportUsage() {
	if a.cfg.UsageInterval <= 0 {
		return
	}
	now := a.cfg.Clock.Now()
	if now.Sub(a.windowStart) < a.cfg.UsageInterval {
		return
	}

	var permille uint32
	if total := a.busy + a.sleep; total > 0 {
		permille = uint32(a.busy * 1000 / total)
	}
	busy, sleep := a.busy, a.sleep
	a.busy, a.sleep = 0, 0
	a.windowStart = now

	a.count(func(s *AcceleratorStats) {
		s.Busy += busy
		s.Sleep += sleep
		s.UsageReports++
	})
	a.logger.Debug("aux usage", map[string]any{
		"busy_ms":       busy.Milliseconds(),
		"sleep_ms":      sleep.Milliseconds(),
		"busy_permille": permille,
	})
	if err := a.cfg.Router.SendValue(types.MsgSysCtrl, types.PriorityNormal,
		types.SysCtrl{Kind: types.SysCtrlUsage, BusyPermille: permille}); err != nil {
		a.logger.Debug("usage report not sent", map[string]any{"error": err.Error()})
	}
}

func (a *Accelerator) onTaskEvent(env *dispatch.Envelope) {
	var ev types.TaskEvent
	if err := dispatch.DecodeValue(env, &ev); err != nil {
		a.logger.Warn("bad task event", map[string]any{"error": err.Error()})
		return
	}
	desc, ok := a.cfg.Table.Descriptor(ev.Task)
	if !ok || ev.Event >= types.MaxTaskEvents {
		a.count(func(s *AcceleratorStats) { s.EventsDropped++ })
		return
	}
	if desc.LocalEvent != nil && !a.guard(func() { desc.LocalEvent(ev) }) {
		return
	}
	_ = a.Post(ev.Task, ev.Event)
}

// guard runs an ISR-context callback. A panic is recorded for the loop,
// which halts the core from the boot goroutine; the ISR itself returns.
func (a *Accelerator) guard(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			restore := a.cfg.Core.IntLock()
			if a.fault == nil {
				a.fault = r
			}
			restore()
			a.cfg.Core.Wake()
		}
	}()
	fn()
	return true
}

func (a *Accelerator) onSysCtrl(env *dispatch.Envelope) {
	var ctrl types.SysCtrl
	if err := dispatch.DecodeValue(env, &ctrl); err != nil {
		return
	}
	a.logger.Info("control message", map[string]any{"kind": ctrl.Kind.String()})
}

func (a *Accelerator) count(fn func(*AcceleratorStats)) {
	a.statsMu.Lock()
	fn(&a.stats)
	a.statsMu.Unlock()
}
