package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/dispatch"
	"github.com/Hi-LinkDuino/RM56-sub005/hal"
	"github.com/Hi-LinkDuino/RM56-sub005/log"
	"github.com/Hi-LinkDuino/RM56-sub005/mailbox"
	"github.com/Hi-LinkDuino/RM56-sub005/shm"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// Default timeouts of the power sequence.
const (
	DefaultBootTimeout  = 2 * time.Second
	DefaultFlushTimeout = 500 * time.Millisecond
)

// ManagerConfig wires the host side of the lifecycle.
type ManagerConfig struct {
	Table *Table
	// Core is the host core.
	Core  hal.Core
	Power hal.Power
	// View is the host cache domain; IdleAddr must be coherent.
	View     *shm.View
	IdleAddr uint32

	Endpoint *mailbox.Endpoint
	Router   *dispatch.Router
	Channel  mailbox.ChannelID
	// Geometry is the channel geometry as seen from the host.
	Geometry mailbox.Geometry

	BootTimeout  time.Duration
	FlushTimeout time.Duration
	Logger       *log.Logger
}

// ManagerStats is a snapshot of manager counters.
type ManagerStats struct {
	Opens        int64
	Closes       int64
	PowerUps     int64
	PowerDowns   int64
	BootFailures int64
	FlushTimeout int64
	PeerNotifies int64
	Broadcasts   int64
	// CallbackPanics counts host callbacks that panicked in ISR context.
	CallbackPanics int64
	// BusyPermille is the last usage ratio the aux core reported.
	BusyPermille uint32
}

// Manager owns the host side of the task lifecycle and the aux core's power.
type Manager struct {
	cfg    ManagerConfig
	logger *log.Logger

	powerMu sync.Mutex // serializes power sequences; the only sleeping lock
	powered bool
	ch      *mailbox.Channel

	boot chan types.SysCtrl

	statsMu sync.Mutex
	stats   ManagerStats
}

// NewManager validates cfg and registers the host control handlers on the
// router.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Table == nil || cfg.Core == nil || cfg.Power == nil || cfg.View == nil ||
		cfg.Endpoint == nil || cfg.Router == nil {
		return nil, errors.New("lifecycle: incomplete manager config")
	}
	if !cfg.View.SRAM().IsCoherent(cfg.IdleAddr, shm.WordSize) {
		return nil, fmt.Errorf("lifecycle: idle flag %#x is not coherent", cfg.IdleAddr)
	}
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = DefaultBootTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}

	m := &Manager{
		cfg:    cfg,
		logger: cfg.Logger.Named("lifecycle"),
		boot:   make(chan types.SysCtrl, 1),
	}
	if err := cfg.Router.Register(types.MsgSysCtrl, m.onSysCtrl); err != nil {
		return nil, err
	}
	if err := cfg.Router.Register(types.MsgTaskNotify, m.onTaskNotify); err != nil {
		return nil, err
	}
	return m, nil
}

// Open registers desc under id. The first open powers and boots the aux
// core and may block up to the boot timeout.
func (m *Manager) Open(ctx context.Context, id types.TaskID, desc Descriptor) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTask, id)
	}
	if _, err := m.cfg.Table.begin(id, desc); err != nil {
		return fmt.Errorf("%w: %d", err, id)
	}

	m.powerMu.Lock()
	var err error
	if !m.powered && m.cfg.Table.State(id) == types.TaskOpening {
		err = m.powerUp(ctx)
	}
	m.powerMu.Unlock()

	if err != nil {
		m.cfg.Table.abort(id)
		return err
	}
	if !m.cfg.Table.commit(id) {
		// A Close that ran first may have seen the core still off.
		m.settle()
		return fmt.Errorf("%w: task %d closed while opening", ErrNotOpen, id)
	}

	m.count(func(s *ManagerStats) { s.Opens++ })
	m.logger.Info("task opened", map[string]any{"task": id})
	return nil
}

// Close unregisters id. Closing a closed task is a no-op. The last close
// powers the aux core down.
func (m *Manager) Close(id types.TaskID) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTask, id)
	}
	last, ok := m.cfg.Table.release(id)
	if !ok {
		return nil
	}

	if last {
		m.settle()
	}
	m.cfg.Table.finish(id)

	m.count(func(s *ManagerStats) { s.Closes++ })
	m.logger.Info("task closed", map[string]any{"task": id})
	return nil
}

// State returns the lifecycle state of id.
func (m *Manager) State(id types.TaskID) types.TaskState {
	return m.cfg.Table.State(id)
}

// Powered reports whether the aux core is up.
func (m *Manager) Powered() bool {
	return m.cfg.Power.On()
}

// IsBusy reports whether id is open, or whether the aux core may still be
// doing work: it is powered and either not parked in its idle wait or has
// an interrupt pending.
func (m *Manager) IsBusy(id types.TaskID) bool {
	if m.cfg.Table.State(id) != types.TaskClosed {
		return true
	}
	if !m.cfg.Power.On() {
		return false
	}
	idle, err := m.cfg.View.Load32(m.cfg.IdleAddr)
	if err != nil {
		return true
	}
	return idle == 0 || m.cfg.Core.PeerPending()
}

// SendEvent posts event of task id on the aux core.
func (m *Manager) SendEvent(id types.TaskID, event uint8, data []byte) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTask, id)
	}
	if event >= types.MaxTaskEvents {
		return fmt.Errorf("%w: %d", ErrInvalidEvent, event)
	}
	if m.cfg.Table.State(id) != types.TaskOpened {
		return fmt.Errorf("%w: %d", ErrNotOpen, id)
	}
	return m.cfg.Router.SendValue(types.MsgTaskEvent, types.PriorityNormal,
		types.TaskEvent{Task: id, Event: event, Data: data})
}

// Broadcast delivers ctrl to the system-control callback of every opened task.
func (m *Manager) Broadcast(ctrl types.SysCtrl) {
	opened := m.cfg.Table.Opened()
	for id := types.TaskID(0); id < types.MaxTasks; id++ {
		desc, ok := opened[id]
		if !ok || desc.SystemControl == nil {
			continue
		}
		m.guard(id, "system control", func() { desc.SystemControl(ctrl) })
	}
	m.count(func(s *ManagerStats) { s.Broadcasts++ })
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() ManagerStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// settle powers the aux core down if it is up with no active task.
func (m *Manager) settle() {
	m.powerMu.Lock()
	defer m.powerMu.Unlock()
	if m.powered && m.cfg.Table.Active() == 0 {
		m.powerDown()
	}
}

// powerUp opens the channel, boots the aux core and waits for boot done.
// Called with powerMu held.
func (m *Manager) powerUp(ctx context.Context) error {
	ch, err := m.cfg.Endpoint.Open(m.cfg.Channel, m.cfg.Geometry, m.cfg.Router.Handlers())
	if err != nil {
		return fmt.Errorf("lifecycle: open channel: %w", err)
	}
	m.cfg.Router.Attach(ch)
	m.cfg.Router.SetGate(true)
	_ = m.cfg.View.Store32(m.cfg.IdleAddr, 0)

	select {
	case <-m.boot:
	default:
	}

	fail := func(err error) error {
		_ = m.cfg.Power.PowerOff()
		m.cfg.Router.Detach()
		_ = ch.Close()
		m.count(func(s *ManagerStats) { s.BootFailures++ })
		m.logger.Error("aux boot failed", map[string]any{"error": err.Error()})
		return err
	}

	if err := m.cfg.Power.PowerOn(ctx); err != nil {
		return fail(fmt.Errorf("lifecycle: power on: %w", err))
	}

	timer := time.NewTimer(m.cfg.BootTimeout)
	defer timer.Stop()

	select {
	case ctrl := <-m.boot:
		if ctrl.Wire != types.WireVersion {
			return fail(fmt.Errorf("%w: aux %d, host %d", ErrWireMismatch, ctrl.Wire, types.WireVersion))
		}
	case <-timer.C:
		return fail(fmt.Errorf("%w after %s", ErrBootTimeout, m.cfg.BootTimeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	m.cfg.Router.SetGate(false)
	m.ch = ch
	m.powered = true
	m.count(func(s *ManagerStats) { s.PowerUps++ })
	m.logger.Info("aux core up", map[string]any{"channel": m.cfg.Channel})
	return nil
}

// powerDown stops the aux core and closes the channel. Called with powerMu
// held.
func (m *Manager) powerDown() {
	if err := m.cfg.Router.SendValue(types.MsgSysCtrl, types.PriorityHigh,
		types.SysCtrl{Kind: types.SysCtrlShutdown}); err != nil {
		m.logger.Warn("shutdown notice not sent", map[string]any{"error": err.Error()})
	}
	m.cfg.Router.SetGate(true)

	if err := m.ch.Flush(m.cfg.FlushTimeout); err != nil {
		m.count(func(s *ManagerStats) { s.FlushTimeout++ })
		m.logger.Warn("teardown flush incomplete", map[string]any{"error": err.Error()})
	}
	if err := m.cfg.Power.PowerOff(); err != nil {
		m.logger.Error("power off failed", map[string]any{"error": err.Error()})
	}

	m.cfg.Router.Detach()
	_ = m.ch.Close()
	m.ch = nil
	m.powered = false
	m.count(func(s *ManagerStats) { s.PowerDowns++ })
	m.logger.Info("aux core down", nil)
}

func (m *Manager) onSysCtrl(env *dispatch.Envelope) {
	var ctrl types.SysCtrl
	if err := dispatch.DecodeValue(env, &ctrl); err != nil {
		m.logger.Warn("bad control message", map[string]any{"error": err.Error()})
		return
	}
	switch ctrl.Kind {
	case types.SysCtrlBootDone:
		select {
		case m.boot <- ctrl:
		default:
		}
	case types.SysCtrlUsage:
		m.count(func(s *ManagerStats) { s.BusyPermille = ctrl.BusyPermille })
		m.logger.Debug("aux usage", map[string]any{"busy_permille": ctrl.BusyPermille})
	default:
		m.Broadcast(ctrl)
	}
}

func (m *Manager) onTaskNotify(env *dispatch.Envelope) {
	var n types.TaskNotify
	if err := dispatch.DecodeValue(env, &n); err != nil {
		m.logger.Warn("bad task notification", map[string]any{"error": err.Error()})
		return
	}
	desc, ok := m.cfg.Table.Descriptor(n.Task)
	if !ok || desc.PeerEvent == nil {
		return
	}
	m.count(func(s *ManagerStats) { s.PeerNotifies++ })
	m.guard(n.Task, "peer event", func() { desc.PeerEvent(n.Data) })
}

// guard runs a host callback of task id. The host ISR context outlives a
// panicking feature callback; the panic is logged and counted.
func (m *Manager) guard(id types.TaskID, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.count(func(s *ManagerStats) { s.CallbackPanics++ })
			m.logger.Error(what+" callback panicked", map[string]any{
				"task":  id,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	fn()
}

func (m *Manager) count(fn func(*ManagerStats)) {
	m.statsMu.Lock()
	fn(&m.stats)
	m.statsMu.Unlock()
}
