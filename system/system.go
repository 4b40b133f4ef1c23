// Package system assembles a simulated two-core chip from a config: the
// mailbox channel, both routers, the task lifecycle on each core and the
// diagnostics relay with its host collector.
package system

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Hi-LinkDuino/RM56-sub005/cli/config"
	"github.com/Hi-LinkDuino/RM56-sub005/dispatch"
	"github.com/Hi-LinkDuino/RM56-sub005/lifecycle"
	"github.com/Hi-LinkDuino/RM56-sub005/log"
	"github.com/Hi-LinkDuino/RM56-sub005/mailbox"
	"github.com/Hi-LinkDuino/RM56-sub005/metrics"
	"github.com/Hi-LinkDuino/RM56-sub005/relay"
	"github.com/Hi-LinkDuino/RM56-sub005/shm"
	"github.com/Hi-LinkDuino/RM56-sub005/sim"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// slotAlign keeps slot areas and ring data off shared cache lines.
const slotAlign = 32

// Layout is where the shared structures live in SRAM. Both cores are built
// from the same Layout.
type Layout struct {
	MailboxCtrl   uint32
	MailboxData   uint32
	MailboxStride uint32
	IdleAddr      uint32
	Ring          relay.Layout
}

// Geometry returns the mailbox geometry described by cfg, seen from the host.
func Geometry(cfg *config.Config) mailbox.Geometry {
	var g mailbox.Geometry
	g.TX[types.PriorityHigh] = cfg.Mailbox.HostToAux.High
	g.TX[types.PriorityNormal] = cfg.Mailbox.HostToAux.Normal
	g.RX[types.PriorityHigh] = cfg.Mailbox.AuxToHost.High
	g.RX[types.PriorityNormal] = cfg.Mailbox.AuxToHost.Normal
	g.SlotSize = cfg.Mailbox.SlotSize
	return g
}

// Plan carves the arena for cfg.
func Plan(cfg *config.Config, arena *shm.Arena) (Layout, error) {
	var l Layout
	var err error

	geo := Geometry(cfg)
	if err := geo.Validate(); err != nil {
		return l, err
	}
	if l.MailboxCtrl, err = arena.AllocCoherent(mailbox.MaxChannels * mailbox.CtrlSize); err != nil {
		return l, fmt.Errorf("mailbox control: %w", err)
	}
	if l.IdleAddr, err = arena.AllocCoherent(shm.WordSize); err != nil {
		return l, fmt.Errorf("idle flag: %w", err)
	}

	l.Ring = relay.Layout{Entries: cfg.Relay.Entries, DataSize: cfg.Relay.DataSize}
	if l.Ring.Ctrl, err = arena.AllocCoherent(l.Ring.CtrlSize()); err != nil {
		return l, fmt.Errorf("ring control: %w", err)
	}

	l.MailboxStride = (geo.DataSize() + slotAlign - 1) / slotAlign * slotAlign
	if l.MailboxData, err = arena.Alloc(mailbox.MaxChannels*l.MailboxStride, slotAlign); err != nil {
		return l, fmt.Errorf("mailbox slots: %w", err)
	}
	if l.Ring.Data, err = arena.Alloc(l.Ring.DataSize, slotAlign); err != nil {
		return l, fmt.Errorf("ring data: %w", err)
	}
	return l, nil
}

// Options configures New.
type Options struct {
	Config *config.Config
	// Sink receives every diagnostics record the host drains. Defaults to
	// an unbounded relay.MemorySink.
	Sink relay.Sink
	// Handlers run once per finished crash report, after the built-in
	// crash counter.
	Handlers []relay.CrashHandler
	// Metrics receives live crash counts. May be nil.
	Metrics *metrics.Collector
	Logger  *log.Logger
}

// System is one simulated chip with the full transport stack on both cores.
type System struct {
	Chip        *sim.Chip
	Layout      Layout
	Table       *lifecycle.Table
	Manager     *lifecycle.Manager
	Accelerator *lifecycle.Accelerator
	// Relay is the aux writer side of the diagnostics ring.
	Relay *relay.Relay
	// Collector is the host reader side.
	Collector *relay.Collector
	Sink      relay.Sink

	hostEP, auxEP         *mailbox.Endpoint
	hostRouter, auxRouter *dispatch.Router

	metrics *metrics.Collector
	logger  *log.Logger
	crashes chan *relay.CrashReport

	closeOnce sync.Once
	closeErr  error
}

// New builds the chip and wires every component. The aux core stays off
// until the first task is opened.
func New(opts Options) (*System, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("system: config is required")
	}

	chip, err := sim.NewChip(sim.Config{SRAMSize: cfg.SRAM.Size, CoherentSize: cfg.SRAM.Coherent})
	if err != nil {
		return nil, err
	}
	s := &System{
		Chip:    chip,
		Table:   lifecycle.NewTable(),
		Sink:    opts.Sink,
		metrics: opts.Metrics,
		logger:  opts.Logger.Named("system"),
		crashes: make(chan *relay.CrashReport, 8),
	}
	if s.Sink == nil {
		s.Sink = relay.NewMemorySink(0)
	}
	if err := s.build(cfg, opts); err != nil {
		_ = chip.Close()
		return nil, err
	}
	return s, nil
}

func (s *System) build(cfg *config.Config, opts Options) error {
	layout, err := Plan(cfg, shm.NewArena(s.Chip.SRAM))
	if err != nil {
		return fmt.Errorf("system: layout: %w", err)
	}
	s.Layout = layout
	geo := Geometry(cfg)

	hostLog := opts.Logger.ForCore("host")
	auxLog := opts.Logger.ForCore("aux")

	endpoint := func(side mailbox.Side, core *sim.Core, view *shm.View, logger *log.Logger) (*mailbox.Endpoint, error) {
		return mailbox.NewEndpoint(mailbox.Config{
			Side:       side,
			Core:       core,
			View:       view,
			CtrlBase:   layout.MailboxCtrl,
			DataBase:   layout.MailboxData,
			DataStride: layout.MailboxStride,
			Logger:     logger,
		})
	}
	if s.hostEP, err = endpoint(mailbox.SideHost, s.Chip.Host, s.Chip.HostView, hostLog); err != nil {
		return err
	}
	if s.auxEP, err = endpoint(mailbox.SideAux, s.Chip.Aux, s.Chip.AuxView, auxLog); err != nil {
		return err
	}

	maxRef := uint32(cfg.Router.MaxOutOfBand)
	if s.hostRouter, err = dispatch.NewRouter(dispatch.Config{View: s.Chip.HostView, MaxOutOfBand: maxRef, Logger: hostLog}); err != nil {
		return err
	}
	if s.auxRouter, err = dispatch.NewRouter(dispatch.Config{View: s.Chip.AuxView, MaxOutOfBand: maxRef, Logger: auxLog}); err != nil {
		return err
	}

	s.Manager, err = lifecycle.NewManager(lifecycle.ManagerConfig{
		Table:        s.Table,
		Core:         s.Chip.Host,
		Power:        s.Chip.Power,
		View:         s.Chip.HostView,
		IdleAddr:     layout.IdleAddr,
		Endpoint:     s.hostEP,
		Router:       s.hostRouter,
		Geometry:     geo,
		BootTimeout:  cfg.Lifecycle.BootTimeout.Duration,
		FlushTimeout: cfg.Lifecycle.FlushTimeout.Duration,
		Logger:       hostLog,
	})
	if err != nil {
		return err
	}

	auxRing, err := relay.NewRing(s.Chip.AuxView, layout.Ring)
	if err != nil {
		return err
	}
	s.Relay, err = relay.New(relay.Config{
		Ring:              auxRing,
		Router:            s.auxRouter,
		Coalesce:          cfg.Relay.Coalesce.Duration,
		NearFullThreshold: cfg.Relay.NearFullThreshold,
		OnBufferState:     s.onBufferState,
		FlushTimeout:      cfg.Relay.FlushTimeout.Duration,
		AckTimeout:        cfg.Relay.AckTimeout.Duration,
		EndTimeout:        cfg.Relay.EndTimeout.Duration,
		Logger:            auxLog,
	})
	if err != nil {
		return err
	}
	s.Relay.RegisterDump("tasks", s.dumpTasks)

	s.Accelerator, err = lifecycle.NewAccelerator(lifecycle.AcceleratorConfig{
		Table:         s.Table,
		Core:          s.Chip.Aux,
		View:          s.Chip.AuxView,
		IdleAddr:      layout.IdleAddr,
		Endpoint:      s.auxEP,
		Router:        s.auxRouter,
		Geometry:      geo,
		NoIdle:        cfg.Lifecycle.NoIdle,
		UsageInterval: cfg.Lifecycle.UsageInterval.Duration,
		OnBoot:        func(context.Context) error { return s.Relay.Open() },
		OnCrash:       s.onAuxCrash,
		Logger:        auxLog,
	})
	if err != nil {
		return err
	}

	hostRing, err := relay.NewRing(s.Chip.HostView, layout.Ring)
	if err != nil {
		return err
	}
	handlers := append([]relay.CrashHandler{s.countCrash}, opts.Handlers...)
	s.Collector, err = relay.NewCollector(relay.CollectorConfig{
		Ring:        hostRing,
		Router:      s.hostRouter,
		Sink:        s.Sink,
		Broadcaster: s.Manager,
		Handlers:    handlers,
		Logger:      hostLog,
	})
	if err != nil {
		return err
	}

	s.Chip.Host.SetHandler(s.hostEP.HandleInterrupt)
	s.Chip.Power.SetBoot(s.Accelerator.Run)
	return nil
}

// Crashes delivers finished crash reports. Reports are dropped when nobody
// reads and the buffer is full; the configured handlers still see them.
func (s *System) Crashes() <-chan *relay.CrashReport {
	return s.crashes
}

func (s *System) countCrash(_ context.Context, r *relay.CrashReport) error {
	s.metrics.IncCrash()
	select {
	case s.crashes <- r:
	default:
	}
	return nil
}

// onAuxCrash runs on the aux core when a work callback panicked.
func (s *System) onAuxCrash(reason string) {
	if err := s.Relay.Crash(types.CrashAssert, reason); err != nil {
		s.logger.Warn("crash handshake incomplete", map[string]any{"error": err.Error()})
	}
}

// dumpTasks writes one record per task that is not closed.
func (s *System) dumpTasks(r *relay.Relay) {
	for id := types.TaskID(0); id < types.MaxTasks; id++ {
		if st := s.Table.State(id); st != types.TaskClosed {
			_ = r.Write(fmt.Appendf(nil, "task %d %s", id, st))
		}
	}
}

func (s *System) onBufferState(st relay.BufferState) {
	s.logger.Debug("diagnostics buffer state", map[string]any{"state": st.String()})
}

// Absorb folds every component's counters into c. Counters are cumulative
// for the life of the System, so call it once, at session end.
func (s *System) Absorb(c *metrics.Collector) {
	byPriority := make(map[string]int64, types.NumPriorities)
	var sent, received, acked, full int64
	for _, st := range []mailbox.Stats{s.hostEP.Stats(), s.auxEP.Stats()} {
		for _, p := range types.Priorities {
			sent += st.Sent[p]
			received += st.Received[p]
			acked += st.TxDone[p]
			full += st.TxFull[p]
			byPriority[p.String()] += st.TxFull[p]
		}
	}
	c.AbsorbMailbox(sent, received, acked, full, byPriority)

	for _, r := range []*dispatch.Router{s.hostRouter, s.auxRouter} {
		st := r.Stats()
		c.AbsorbRouter(st.Sent, st.Received, st.Gated, st.UnknownType, st.DecodeErrors)
	}

	m := s.Manager.Stats()
	c.AbsorbLifecycle(m.Opens, m.Closes, m.PowerUps, m.PowerDowns, m.BootFailures, m.BusyPermille)

	rs := s.Relay.Stats()
	c.AbsorbRelay(rs.RecordsWritten, rs.RecordsDiscarded, rs.BytesOffered, rs.BytesWritten, rs.BytesDiscarded, rs.Timeouts)

	cs := s.Collector.Stats()
	c.AbsorbCollector(cs.Records, cs.ReadDiscards, cs.Lost)
}

// Close closes every open task, which powers the aux core down, drains the
// ring one last time, waits for crash handlers and stops the chip.
func (s *System) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for id := range s.Table.Opened() {
			if err := s.Manager.Close(id); err != nil && !errors.Is(err, lifecycle.ErrNotOpen) {
				errs = append(errs, fmt.Errorf("close task %d: %w", id, err))
			}
		}
		s.Collector.Drain()
		s.Collector.Wait()
		errs = append(errs, s.Chip.Close())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
