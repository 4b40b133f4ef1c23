package lifecycle_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/dispatch"
	"github.com/Hi-LinkDuino/RM56-sub005/lifecycle"
	"github.com/Hi-LinkDuino/RM56-sub005/mailbox"
	"github.com/Hi-LinkDuino/RM56-sub005/sim"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

const idleAddr = 1024

type rig struct {
	chip  *sim.Chip
	table *lifecycle.Table
	mgr   *lifecycle.Manager
	acc   *lifecycle.Accelerator
}

func newRig(t *testing.T, tune func(*lifecycle.AcceleratorConfig)) *rig {
	t.Helper()
	chip, err := sim.NewChip(sim.DefaultConfig())
	if err != nil {
		t.Fatalf("NewChip failed: %v", err)
	}
	t.Cleanup(func() { _ = chip.Close() })

	endpoint := func(side mailbox.Side, core *sim.Core) *mailbox.Endpoint {
		view := chip.HostView
		if side == mailbox.SideAux {
			view = chip.AuxView
		}
		ep, err := mailbox.NewEndpoint(mailbox.Config{
			Side: side, Core: core, View: view,
			CtrlBase: 0, DataBase: 4096, DataStride: 16 * 1024,
		})
		if err != nil {
			t.Fatalf("NewEndpoint failed: %v", err)
		}
		return ep
	}
	hostEP := endpoint(mailbox.SideHost, chip.Host)
	auxEP := endpoint(mailbox.SideAux, chip.Aux)

	hostRouter, _ := dispatch.NewRouter(dispatch.Config{View: chip.HostView})
	auxRouter, _ := dispatch.NewRouter(dispatch.Config{View: chip.AuxView})

	geo := mailbox.Symmetric(8, 16, 64)
	table := lifecycle.NewTable()

	mgr, err := lifecycle.NewManager(lifecycle.ManagerConfig{
		Table:        table,
		Core:         chip.Host,
		Power:        chip.Power,
		View:         chip.HostView,
		IdleAddr:     idleAddr,
		Endpoint:     hostEP,
		Router:       hostRouter,
		Geometry:     geo,
		BootTimeout:  2 * time.Second,
		FlushTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	accCfg := lifecycle.AcceleratorConfig{
		Table:    table,
		Core:     chip.Aux,
		View:     chip.AuxView,
		IdleAddr: idleAddr,
		Endpoint: auxEP,
		Router:   auxRouter,
		Geometry: geo,
	}
	if tune != nil {
		tune(&accCfg)
	}
	acc, err := lifecycle.NewAccelerator(accCfg)
	if err != nil {
		t.Fatalf("NewAccelerator failed: %v", err)
	}

	chip.Host.SetHandler(hostEP.HandleInterrupt)
	chip.Power.SetBoot(acc.Run)
	return &rig{chip: chip, table: table, mgr: mgr, acc: acc}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_PowerFollowsOpenTasks(t *testing.T) {
	r := newRig(t, nil)
	ctx := t.Context()

	if err := r.mgr.Open(ctx, 1, lifecycle.Descriptor{}); err != nil {
		t.Fatalf("Open(1) failed: %v", err)
	}
	if !r.mgr.Powered() {
		t.Fatal("expected aux powered after first open")
	}
	if err := r.mgr.Open(ctx, 2, lifecycle.Descriptor{}); err != nil {
		t.Fatalf("Open(2) failed: %v", err)
	}
	if !r.mgr.Powered() {
		t.Fatal("expected aux to stay powered")
	}

	if err := r.mgr.Close(1); err != nil {
		t.Fatalf("Close(1) failed: %v", err)
	}
	if !r.mgr.Powered() {
		t.Fatal("expected aux to stay powered while task 2 is open")
	}
	if r.mgr.State(1) != types.TaskClosed {
		t.Errorf("expected task 1 closed, got %s", r.mgr.State(1))
	}
	eventually(t, "task 1 not busy", func() bool { return !r.mgr.IsBusy(1) })
	if !r.mgr.IsBusy(2) {
		t.Error("expected open task 2 to be busy")
	}

	if err := r.mgr.Close(2); err != nil {
		t.Fatalf("Close(2) failed: %v", err)
	}
	if r.mgr.Powered() {
		t.Fatal("expected aux powered off after last close")
	}
	if r.mgr.IsBusy(2) {
		t.Error("expected no task busy with the aux core off")
	}

	s := r.mgr.Stats()
	if s.PowerUps != 1 || s.PowerDowns != 1 {
		t.Errorf("unexpected power counts: %+v", s)
	}
}

func TestManager_CloseClosedTaskIsNoop(t *testing.T) {
	r := newRig(t, nil)

	if err := r.mgr.Close(3); err != nil {
		t.Fatalf("Close on closed task returned %v", err)
	}
	if r.mgr.Powered() {
		t.Fatal("Close on closed task powered the aux core")
	}

	if err := r.mgr.Open(t.Context(), 1, lifecycle.Descriptor{}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.mgr.Close(3); err != nil {
		t.Fatalf("Close on closed task returned %v", err)
	}
	if !r.mgr.Powered() {
		t.Fatal("Close on closed task powered the aux core down")
	}
	if cycles := r.chip.Power.Cycles(); cycles != 1 {
		t.Errorf("expected 1 power cycle, got %d", cycles)
	}
}

func TestManager_OpenErrors(t *testing.T) {
	r := newRig(t, nil)
	ctx := t.Context()

	if err := r.mgr.Open(ctx, 1, lifecycle.Descriptor{}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.mgr.Open(ctx, 1, lifecycle.Descriptor{}); !errors.Is(err, lifecycle.ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
	if err := r.mgr.Open(ctx, types.MaxTasks, lifecycle.Descriptor{}); !errors.Is(err, lifecycle.ErrInvalidTask) {
		t.Errorf("expected ErrInvalidTask, got %v", err)
	}
	if err := r.mgr.SendEvent(2, 0, nil); !errors.Is(err, lifecycle.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if err := r.mgr.SendEvent(1, types.MaxTaskEvents, nil); !errors.Is(err, lifecycle.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestManager_EventRoundTrip(t *testing.T) {
	r := newRig(t, nil)

	local := make(chan types.TaskEvent, 1)
	work := make(chan uint8, 1)
	peer := make(chan []byte, 1)

	desc := lifecycle.Descriptor{
		LocalEvent: func(ev types.TaskEvent) { local <- ev },
		Work: func(event uint8) {
			work <- event
			if err := r.acc.Notify(4, []byte("done")); err != nil {
				t.Errorf("Notify failed: %v", err)
			}
		},
		PeerEvent: func(data []byte) { peer <- data },
	}
	if err := r.mgr.Open(t.Context(), 4, desc); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.mgr.SendEvent(4, 9, []byte("input")); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}

	select {
	case ev := <-local:
		if ev.Task != 4 || ev.Event != 9 || string(ev.Data) != "input" {
			t.Errorf("unexpected local event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("local event callback not called")
	}
	select {
	case ev := <-work:
		if ev != 9 {
			t.Errorf("work got event %d, want 9", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("work callback not called")
	}
	select {
	case data := <-peer:
		if string(data) != "done" {
			t.Errorf("peer event got %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("peer event callback not called")
	}
}

func TestAccelerator_WorkIsSerialized(t *testing.T) {
	r := newRig(t, nil)

	var running, overlaps, runs atomic.Int32
	work := func(uint8) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(100 * time.Microsecond)
		running.Add(-1)
		runs.Add(1)
	}

	for id := types.TaskID(0); id < 3; id++ {
		if err := r.mgr.Open(t.Context(), id, lifecycle.Descriptor{Work: work}); err != nil {
			t.Fatalf("Open(%d) failed: %v", id, err)
		}
	}
	var wg sync.WaitGroup
	for id := types.TaskID(0); id < 3; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range uint8(4) {
				if err := r.acc.Post(id, ev); err != nil {
					t.Errorf("Post failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	eventually(t, "work runs", func() bool { return runs.Load() >= 12 })
	if overlaps.Load() != 0 {
		t.Errorf("work callbacks overlapped %d times", overlaps.Load())
	}
}

func TestManager_BroadcastReachesOpenedTasksOnly(t *testing.T) {
	r := newRig(t, nil)

	var got [types.MaxTasks]atomic.Int32
	for _, id := range []types.TaskID{0, 2, 5} {
		desc := lifecycle.Descriptor{SystemControl: func(types.SysCtrl) { got[id].Add(1) }}
		if err := r.mgr.Open(t.Context(), id, desc); err != nil {
			t.Fatalf("Open(%d) failed: %v", id, err)
		}
	}
	_ = r.mgr.Close(2)

	r.mgr.Broadcast(types.SysCtrl{Kind: types.SysCtrlPeerCrash})

	for id := range types.MaxTasks {
		want := int32(0)
		if id == 0 || id == 5 {
			want = 1
		}
		if n := got[id].Load(); n != want {
			t.Errorf("task %d: got %d broadcasts, want %d", id, n, want)
		}
	}
}

func TestAccelerator_PanicHaltsCore(t *testing.T) {
	crashed := make(chan string, 1)
	r := newRig(t, func(c *lifecycle.AcceleratorConfig) {
		c.OnCrash = func(reason string) { crashed <- reason }
	})

	desc := lifecycle.Descriptor{Work: func(uint8) { panic("bad state") }}
	if err := r.mgr.Open(t.Context(), 1, desc); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.mgr.SendEvent(1, 0, nil); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}

	select {
	case reason := <-crashed:
		if reason != "bad state" {
			t.Errorf("unexpected crash reason %q", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("crash hook not called")
	}

	eventually(t, "aux halt", func() bool { return r.chip.Power.Halted() != nil })
	var halt *sim.HaltError
	if !errors.As(r.chip.Power.Halted(), &halt) || halt.Panic != "bad state" {
		t.Errorf("unexpected halt: %v", r.chip.Power.Halted())
	}

	// A dead aux core still powers down within the flush bound.
	if err := r.mgr.Close(1); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if r.mgr.Powered() {
		t.Error("expected aux powered off")
	}
}

func TestAccelerator_LocalEventPanicHaltsCore(t *testing.T) {
	crashed := make(chan string, 1)
	r := newRig(t, func(c *lifecycle.AcceleratorConfig) {
		c.OnCrash = func(reason string) { crashed <- reason }
	})

	var runs atomic.Int32
	desc := lifecycle.Descriptor{
		LocalEvent: func(types.TaskEvent) { panic("local bad") },
		Work:       func(uint8) { runs.Add(1) },
	}
	if err := r.mgr.Open(t.Context(), 1, desc); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.mgr.SendEvent(1, 0, nil); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}

	select {
	case reason := <-crashed:
		if reason != "local bad" {
			t.Errorf("unexpected crash reason %q", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("crash hook not called")
	}

	eventually(t, "aux halt", func() bool { return r.chip.Power.Halted() != nil })
	var halt *sim.HaltError
	if !errors.As(r.chip.Power.Halted(), &halt) || halt.Panic != "local bad" {
		t.Errorf("unexpected halt: %v", r.chip.Power.Halted())
	}
	if runs.Load() != 0 {
		t.Errorf("event of a faulted callback reached work %d times", runs.Load())
	}

	if err := r.mgr.Close(1); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if r.mgr.Powered() {
		t.Error("expected aux powered off")
	}
}

func TestAccelerator_PostWakesParkedLoop(t *testing.T) {
	r := newRig(t, nil)

	ran := make(chan uint8, 1)
	if err := r.mgr.Open(t.Context(), 1, lifecycle.Descriptor{Work: func(ev uint8) { ran <- ev }}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	eventually(t, "loop parked", func() bool { return !r.mgr.IsBusy(2) })

	if err := r.acc.Post(1, 3); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	select {
	case ev := <-ran:
		if ev != 3 {
			t.Errorf("work got event %d, want 3", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("posted event never ran")
	}
	eventually(t, "loop parked again", func() bool { return !r.mgr.IsBusy(2) })
}

func TestManager_HostCallbackPanicIsContained(t *testing.T) {
	r := newRig(t, nil)

	var calls atomic.Int32
	peer := make(chan []byte, 1)
	bad := lifecycle.Descriptor{
		Work:          func(uint8) { _ = r.acc.Notify(1, []byte("x")) },
		PeerEvent:     func([]byte) { panic("peer bad") },
		SystemControl: func(types.SysCtrl) { panic("ctrl bad") },
	}
	good := lifecycle.Descriptor{
		Work:          func(uint8) { _ = r.acc.Notify(2, []byte("ok")) },
		PeerEvent:     func(data []byte) { peer <- data },
		SystemControl: func(types.SysCtrl) { calls.Add(1) },
	}
	if err := r.mgr.Open(t.Context(), 1, bad); err != nil {
		t.Fatalf("Open(1) failed: %v", err)
	}
	if err := r.mgr.Open(t.Context(), 2, good); err != nil {
		t.Fatalf("Open(2) failed: %v", err)
	}

	r.mgr.Broadcast(types.SysCtrl{Kind: types.SysCtrlPeerCrash})
	if calls.Load() != 1 {
		t.Errorf("expected the healthy task to get the broadcast, got %d", calls.Load())
	}

	if err := r.mgr.SendEvent(1, 0, nil); err != nil {
		t.Fatalf("SendEvent(1) failed: %v", err)
	}
	if err := r.mgr.SendEvent(2, 0, nil); err != nil {
		t.Fatalf("SendEvent(2) failed: %v", err)
	}
	select {
	case data := <-peer:
		if string(data) != "ok" {
			t.Errorf("peer event got %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("host stopped delivering notifications")
	}

	eventually(t, "panics counted", func() bool { return r.mgr.Stats().CallbackPanics == 2 })
	if r.chip.Power.Halted() != nil {
		t.Errorf("host callback panic halted the aux core: %v", r.chip.Power.Halted())
	}
}

func TestManager_CloseWhileOpening(t *testing.T) {
	r := newRig(t, nil)
	release := make(chan struct{})
	r.chip.Power.SetBoot(func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
			return nil
		}
		return r.acc.Run(ctx)
	})

	openErr := make(chan error, 1)
	go func() { openErr <- r.mgr.Open(context.Background(), 1, lifecycle.Descriptor{}) }()
	// Power is switched on while Open holds the power sequence.
	eventually(t, "aux powering up", func() bool { return r.chip.Power.On() })

	closeErr := make(chan error, 1)
	go func() { closeErr <- r.mgr.Close(1) }()
	eventually(t, "task closing", func() bool { return r.mgr.State(1) == types.TaskClosing })
	close(release)

	if err := <-openErr; !errors.Is(err, lifecycle.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if err := <-closeErr; err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if r.mgr.State(1) != types.TaskClosed || r.mgr.Powered() {
		t.Errorf("expected task closed and aux off, got %s powered=%v", r.mgr.State(1), r.mgr.Powered())
	}
}

func TestManager_PowerInvariantUnderConcurrentOpenClose(t *testing.T) {
	r := newRig(t, nil)

	var wg sync.WaitGroup
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(g), 7))
			for range 25 {
				id := types.TaskID(rng.IntN(4))
				if rng.IntN(2) == 0 {
					err := r.mgr.Open(context.Background(), id, lifecycle.Descriptor{})
					if err != nil && !errors.Is(err, lifecycle.ErrAlreadyOpen) && !errors.Is(err, lifecycle.ErrNotOpen) {
						t.Errorf("Open(%d) failed: %v", id, err)
					}
				} else if err := r.mgr.Close(id); err != nil {
					t.Errorf("Close(%d) failed: %v", id, err)
				}
			}
		}()
	}
	wg.Wait()

	if active := r.table.Active(); r.mgr.Powered() != (active > 0) {
		t.Fatalf("powered=%v with %d active tasks", r.mgr.Powered(), active)
	}
	for id := range types.TaskID(4) {
		_ = r.mgr.Close(id)
	}
	if r.mgr.Powered() {
		t.Error("expected aux off once every task is closed")
	}
}

func TestManager_BootTimeout(t *testing.T) {
	r := newRig(t, nil)
	r.chip.Power.SetBoot(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	mgr := r.mgr
	start := time.Now()
	err := mgr.Open(t.Context(), 1, lifecycle.Descriptor{})
	if !errors.Is(err, lifecycle.ErrBootTimeout) {
		t.Fatalf("expected ErrBootTimeout, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Errorf("boot wait was not bounded: %s", time.Since(start))
	}
	if mgr.State(1) != types.TaskClosed || mgr.Powered() {
		t.Errorf("expected task closed and aux off, got %s powered=%v", mgr.State(1), mgr.Powered())
	}
	if mgr.Stats().BootFailures != 1 {
		t.Errorf("expected 1 boot failure, got %d", mgr.Stats().BootFailures)
	}
}

func TestManager_PowerInvariantUnderRandomOpenClose(t *testing.T) {
	r := newRig(t, nil)
	rng := rand.New(rand.NewPCG(1, 2))

	for step := range 60 {
		id := types.TaskID(rng.IntN(4))
		if rng.IntN(2) == 0 {
			err := r.mgr.Open(t.Context(), id, lifecycle.Descriptor{})
			if err != nil && !errors.Is(err, lifecycle.ErrAlreadyOpen) {
				t.Fatalf("step %d: Open(%d) failed: %v", step, id, err)
			}
		} else if err := r.mgr.Close(id); err != nil {
			t.Fatalf("step %d: Close(%d) failed: %v", step, id, err)
		}

		if active := r.table.Active(); r.mgr.Powered() != (active > 0) {
			t.Fatalf("step %d: powered=%v with %d active tasks", step, r.mgr.Powered(), active)
		}
	}
}

func TestAccelerator_ReportsUsage(t *testing.T) {
	r := newRig(t, func(c *lifecycle.AcceleratorConfig) {
		c.UsageInterval = 5 * time.Millisecond
	})

	if err := r.mgr.Open(t.Context(), 1, lifecycle.Descriptor{Work: func(uint8) {}}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	// The loop only re-evaluates the window when it wakes.
	for i := range 20 {
		_ = r.mgr.SendEvent(1, uint8(i%8), nil)
		time.Sleep(time.Millisecond)
	}
	eventually(t, "usage report", func() bool { return r.acc.Stats().UsageReports > 0 })
}
