package relay_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/dispatch"
	"github.com/Hi-LinkDuino/RM56-sub005/mailbox"
	"github.com/Hi-LinkDuino/RM56-sub005/relay"
	"github.com/Hi-LinkDuino/RM56-sub005/shm"
	"github.com/Hi-LinkDuino/RM56-sub005/sim"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

var testLayout = relay.Layout{Ctrl: 0x200, Entries: 16, Data: 0x20000, DataSize: 1024}

// offline is a relay and a collector over one SRAM with no channel between
// them: notices fail and the host drains by hand.
type offline struct {
	relay     *relay.Relay
	collector *relay.Collector
	sink      *relay.MemorySink
}

func newOffline(t *testing.T, sinkLimit int, tune func(*relay.Config)) *offline {
	t.Helper()
	sram, err := shm.NewSRAM(256*1024, 4096)
	if err != nil {
		t.Fatalf("NewSRAM failed: %v", err)
	}
	hostView, auxView := sram.NewView("host"), sram.NewView("aux")

	auxRing, err := relay.NewRing(auxView, testLayout)
	if err != nil {
		t.Fatalf("NewRing(aux) failed: %v", err)
	}
	hostRing, err := relay.NewRing(hostView, testLayout)
	if err != nil {
		t.Fatalf("NewRing(host) failed: %v", err)
	}
	auxRouter, _ := dispatch.NewRouter(dispatch.Config{View: auxView})
	hostRouter, _ := dispatch.NewRouter(dispatch.Config{View: hostView})

	cfg := relay.Config{Ring: auxRing, Router: auxRouter}
	if tune != nil {
		tune(&cfg)
	}
	r, err := relay.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := r.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	sink := relay.NewMemorySink(sinkLimit)
	c, err := relay.NewCollector(relay.CollectorConfig{Ring: hostRing, Router: hostRouter, Sink: sink})
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	return &offline{relay: r, collector: c, sink: sink}
}

func TestRelay_WrittenPlusDiscardedEqualsOffered(t *testing.T) {
	o := newOffline(t, 0, nil)
	rng := rand.New(rand.NewPCG(7, 11))

	var offered int64
	for i := range 500 {
		rec := bytes.Repeat([]byte{byte(i)}, 1+rng.IntN(300))
		offered += int64(len(rec))
		err := o.relay.Write(rec)
		if err != nil && !errors.Is(err, relay.ErrDiscarded) {
			t.Fatalf("Write %d: unexpected error: %v", i, err)
		}
		if rng.IntN(4) == 0 {
			o.collector.Drain()
		}
	}

	s := o.relay.Stats()
	if s.BytesOffered != offered {
		t.Errorf("offered: got %d, want %d", s.BytesOffered, offered)
	}
	if s.BytesWritten+s.BytesDiscarded != offered {
		t.Errorf("written %d + discarded %d != offered %d", s.BytesWritten, s.BytesDiscarded, offered)
	}
	if s.RecordsDiscarded == 0 {
		t.Error("expected some discards against a 1 KiB ring")
	}

	o.collector.Drain()
	var delivered int64
	for _, rec := range o.sink.Records() {
		delivered += int64(len(rec))
	}
	if delivered != s.BytesWritten {
		t.Errorf("host received %d bytes, aux wrote %d", delivered, s.BytesWritten)
	}
}

func TestRelay_NeverOverwritesUnreadRecords(t *testing.T) {
	o := newOffline(t, 0, nil)

	var kept [][]byte
	for i := range 40 {
		rec := []byte(fmt.Sprintf("record-%02d-%s", i, bytes.Repeat([]byte("x"), 90)))
		if err := o.relay.Write(rec); err == nil {
			kept = append(kept, rec)
		}
	}
	if len(kept) == 40 {
		t.Fatal("expected the ring to fill up")
	}

	o.collector.Drain()
	got := o.sink.Records()
	if len(got) != len(kept) {
		t.Fatalf("host received %d records, want %d", len(got), len(kept))
	}
	for i := range kept {
		if !bytes.Equal(got[i], kept[i]) {
			t.Errorf("record %d changed: %q", i, got[i])
		}
	}
}

func TestRelay_RecordsAreNotSplitAcrossWrap(t *testing.T) {
	o := newOffline(t, 0, nil)

	rec := func(i int) []byte { return bytes.Repeat([]byte{byte('a' + i)}, 300) }

	// 3 x 300 leaves 124 bytes at the end of the 1 KiB area.
	for i := range 3 {
		if err := o.relay.Write(rec(i)); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}
	if err := o.relay.Write(rec(3)); !errors.Is(err, relay.ErrDiscarded) {
		t.Fatalf("expected discard with no contiguous room, got %v", err)
	}

	// The ring is empty after the drain but 124 bytes remain before the
	// end; the next record starts over at offset 0.
	o.collector.Drain()
	if err := o.relay.Write(rec(4)); err != nil {
		t.Fatalf("Write after drain failed: %v", err)
	}
	if err := o.relay.Write(rec(5)); err != nil {
		t.Fatalf("Write after drain failed: %v", err)
	}
	o.collector.Drain()

	got := o.sink.Records()
	want := [][]byte{rec(0), rec(1), rec(2), rec(4), rec(5)}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("record %d corrupted", i)
		}
	}
}

func TestRelay_EntryListBoundsRecords(t *testing.T) {
	o := newOffline(t, 0, nil)

	for i := range int(testLayout.Entries) {
		if err := o.relay.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}
	if err := o.relay.Write([]byte{0xFF}); !errors.Is(err, relay.ErrDiscarded) {
		t.Fatalf("expected discard with no free entry, got %v", err)
	}
}

func TestRelay_BufferStateTransitions(t *testing.T) {
	var states []relay.BufferState
	o := newOffline(t, 0, func(c *relay.Config) {
		c.OnBufferState = func(s relay.BufferState) { states = append(states, s) }
	})

	chunk := bytes.Repeat([]byte("z"), 100)
	for range 8 {
		_ = o.relay.Write(chunk) // 224 bytes free after eight
	}
	_ = o.relay.Write(chunk) // 124 free: near full
	_ = o.relay.Write(chunk) // 24 free
	_ = o.relay.Write(chunk) // discarded: full
	o.collector.Drain()
	_ = o.relay.Write(chunk)

	want := []relay.BufferState{relay.BufferNearFull, relay.BufferFull, relay.BufferNormal}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("got transitions %v, want %v", states, want)
	}
}

func TestCollector_ReportsLostAndReadDiscards(t *testing.T) {
	o := newOffline(t, 2, nil)

	for range 16 {
		_ = o.relay.Write([]byte("x"))
	}
	for range 3 {
		_ = o.relay.Write([]byte("lost"))
	}
	o.collector.Drain()

	s := o.collector.Stats()
	if s.Lost != 3 {
		t.Errorf("expected 3 lost, got %d", s.Lost)
	}
	if s.Records != 2 || s.ReadDiscards != 14 {
		t.Errorf("expected 2 delivered and 14 read discards, got %+v", s)
	}

	// The lost count is reported once.
	o.collector.Drain()
	if got := o.collector.Stats().Lost; got != 3 {
		t.Errorf("lost reported twice: %d", got)
	}
}

func TestRelay_CrashWithoutPeerIsBounded(t *testing.T) {
	o := newOffline(t, 0, func(c *relay.Config) {
		c.FlushTimeout = 30 * time.Millisecond
		c.AckTimeout = 30 * time.Millisecond
		c.EndTimeout = 30 * time.Millisecond
	})

	dumped := false
	o.relay.RegisterDump("regs", func(r *relay.Relay) {
		dumped = true
		_ = r.Write([]byte("pc=0x1234"))
	})
	o.relay.RegisterDump("broken", func(*relay.Relay) { panic("dump failed") })
	_ = o.relay.Write([]byte("before"))

	start := time.Now()
	err := o.relay.Crash(types.CrashFault, "hard fault")
	elapsed := time.Since(start)

	if !errors.Is(err, relay.ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if o.relay.Phase() != types.CrashEnd {
		t.Errorf("expected CRASH_END, got %s", o.relay.Phase())
	}
	if !dumped {
		t.Error("dump callback did not run")
	}
	if elapsed > time.Second {
		t.Errorf("crash took %s", elapsed)
	}
}

type broadcasts struct {
	mu  sync.Mutex
	got []types.SysCtrl
}

func (b *broadcasts) Broadcast(ctrl types.SysCtrl) {
	b.mu.Lock()
	b.got = append(b.got, ctrl)
	b.mu.Unlock()
}

func TestRelay_CrashHandshakeWithHost(t *testing.T) {
	chip, err := sim.NewChip(sim.DefaultConfig())
	if err != nil {
		t.Fatalf("NewChip failed: %v", err)
	}
	t.Cleanup(func() { _ = chip.Close() })

	geo := mailbox.Symmetric(4, 8, 64)
	wire := func(side mailbox.Side, core *sim.Core, view *shm.View) *dispatch.Router {
		ep, err := mailbox.NewEndpoint(mailbox.Config{
			Side: side, Core: core, View: view,
			CtrlBase: 0, DataBase: 4096, DataStride: 16 * 1024,
		})
		if err != nil {
			t.Fatalf("NewEndpoint failed: %v", err)
		}
		r, _ := dispatch.NewRouter(dispatch.Config{View: view})
		g := geo
		if side == mailbox.SideAux {
			g = geo.Mirror()
		}
		ch, err := ep.Open(0, g, r.Handlers())
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		r.Attach(ch)
		core.SetHandler(ep.HandleInterrupt)
		return r
	}
	hostRouter := wire(mailbox.SideHost, chip.Host, chip.HostView)
	auxRouter := wire(mailbox.SideAux, chip.Aux, chip.AuxView)

	auxRing, _ := relay.NewRing(chip.AuxView, testLayout)
	hostRing, _ := relay.NewRing(chip.HostView, testLayout)

	reports := make(chan *relay.CrashReport, 1)
	peers := &broadcasts{}
	sink := relay.NewMemorySink(0)
	collector, err := relay.NewCollector(relay.CollectorConfig{
		Ring:        hostRing,
		Router:      hostRouter,
		Sink:        sink,
		Broadcaster: peers,
		Handlers: []relay.CrashHandler{func(_ context.Context, r *relay.CrashReport) error {
			reports <- r
			return nil
		}},
	})
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	r, err := relay.New(relay.Config{Ring: auxRing, Router: auxRouter})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := r.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.RegisterDump("stack", func(r *relay.Relay) { _ = r.Write([]byte("frame #0")) })

	_ = r.Write([]byte("boot ok"))

	if err := r.Crash(types.CrashAssert, "assert x > 0"); err != nil {
		t.Fatalf("Crash failed: %v", err)
	}

	var report *relay.CrashReport
	select {
	case report = <-reports:
	case <-time.After(5 * time.Second):
		t.Fatal("no crash report")
	}
	collector.Wait()

	if !report.Complete || report.Kind != types.CrashAssert || report.Reason != "assert x > 0" {
		t.Errorf("unexpected report: %+v", report)
	}
	if len(report.Records) != 1 || string(report.Records[0]) != "frame #0" {
		t.Errorf("unexpected dump records: %q", report.Records)
	}
	if sink.Len() != 2 {
		t.Errorf("expected 2 records in sink, got %d", sink.Len())
	}

	peers.mu.Lock()
	defer peers.mu.Unlock()
	if len(peers.got) != 1 || peers.got[0].Kind != types.SysCtrlPeerCrash {
		t.Errorf("unexpected broadcasts: %+v", peers.got)
	}
}

func TestRelay_CoalescesNotices(t *testing.T) {
	chip, err := sim.NewChip(sim.DefaultConfig())
	if err != nil {
		t.Fatalf("NewChip failed: %v", err)
	}
	t.Cleanup(func() { _ = chip.Close() })

	hostEP, _ := mailbox.NewEndpoint(mailbox.Config{Side: mailbox.SideHost, Core: chip.Host, View: chip.HostView, DataBase: 4096, DataStride: 4096})
	auxEP, _ := mailbox.NewEndpoint(mailbox.Config{Side: mailbox.SideAux, Core: chip.Aux, View: chip.AuxView, DataBase: 4096, DataStride: 4096})
	hostRouter, _ := dispatch.NewRouter(dispatch.Config{View: chip.HostView})
	auxRouter, _ := dispatch.NewRouter(dispatch.Config{View: chip.AuxView})
	geo := mailbox.Symmetric(2, 4, 64)
	hostCh, _ := hostEP.Open(0, geo, hostRouter.Handlers())
	auxCh, _ := auxEP.Open(0, geo.Mirror(), auxRouter.Handlers())
	hostRouter.Attach(hostCh)
	auxRouter.Attach(auxCh)
	chip.Host.SetHandler(hostEP.HandleInterrupt)
	chip.Aux.SetHandler(auxEP.HandleInterrupt)

	auxRing, _ := relay.NewRing(chip.AuxView, testLayout)
	hostRing, _ := relay.NewRing(chip.HostView, testLayout)
	sink := relay.NewMemorySink(0)
	collector, _ := relay.NewCollector(relay.CollectorConfig{Ring: hostRing, Router: hostRouter, Sink: sink})

	r, _ := relay.New(relay.Config{Ring: auxRing, Router: auxRouter, Coalesce: 100 * time.Millisecond})
	if err := r.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := range 5 {
		if err := r.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if n := r.Stats().Notices; n != 0 {
		t.Errorf("expected no notice inside the window, got %d", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sink.Len() < 5 || r.Stats().Notices == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("host received %d records", sink.Len())
		}
		time.Sleep(time.Millisecond)
	}
	if n := r.Stats().Notices; n != 1 {
		t.Errorf("expected 1 coalesced notice, got %d", n)
	}
	if n := collector.Stats().Notices; n != 1 {
		t.Errorf("expected collector to see 1 notice, got %d", n)
	}
}

func noticeAttempts(r *relay.Relay) int64 {
	s := r.Stats()
	return s.Notices + s.NoticeFailures
}

func TestRelay_PauseHoldsNotices(t *testing.T) {
	o := newOffline(t, 0, func(c *relay.Config) {
		c.FlushTimeout = 20 * time.Millisecond
		c.AckTimeout = 20 * time.Millisecond
		c.EndTimeout = 20 * time.Millisecond
	})

	o.relay.Pause()
	o.relay.Pause()
	for _, rec := range []string{"a", "b"} {
		if err := o.relay.Write([]byte(rec)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	o.relay.Notify()
	if n := noticeAttempts(o.relay); n != 0 {
		t.Fatalf("expected notices held while paused, got %d", n)
	}
	if !o.relay.Busy() {
		t.Error("expected busy with held records")
	}

	if err := o.relay.Continue(); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if n := noticeAttempts(o.relay); n != 0 {
		t.Fatalf("inner Continue sent %d notices", n)
	}
	if err := o.relay.Continue(); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if n := noticeAttempts(o.relay); n != 1 {
		t.Errorf("expected one held notice on the last Continue, got %d", n)
	}
	if err := o.relay.Continue(); !errors.Is(err, relay.ErrNotPaused) {
		t.Errorf("expected ErrNotPaused, got %v", err)
	}

	o.collector.Drain()
	if o.relay.Busy() {
		t.Error("expected idle once the host read every record")
	}

	// A crash continues output.
	o.relay.Pause()
	_ = o.relay.Crash(types.CrashAssert, "paused")
	if err := o.relay.Continue(); !errors.Is(err, relay.ErrNotPaused) {
		t.Errorf("expected the crash to clear the pause, got %v", err)
	}
}

func TestRelay_OutputAndModuleGating(t *testing.T) {
	o := newOffline(t, 0, nil)

	if err := o.relay.DisableModule(3); err != nil {
		t.Fatalf("DisableModule failed: %v", err)
	}
	tests := []struct {
		name    string
		write   func() error
		wantErr error
	}{
		{"disabled module", func() error { return o.relay.WriteModule(3, []byte("x")) }, nil},
		{"enabled module", func() error { return o.relay.WriteModule(4, []byte("y")) }, nil},
		{"untagged", func() error { return o.relay.Write([]byte("z")) }, nil},
		{"module out of range", func() error { return o.relay.WriteModule(relay.MaxModules, []byte("w")) }, relay.ErrInvalidModule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.write(); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if s := o.relay.Stats(); s.RecordsWritten != 2 || s.RecordsSuppressed != 1 || s.BytesOffered != 2 {
		t.Errorf("after module gating: %+v", s)
	}

	o.relay.SetOutput(false)
	_ = o.relay.Write([]byte("off"))
	_ = o.relay.EnableModule(3)
	_ = o.relay.WriteModule(3, []byte("off"))
	o.relay.SetOutput(true)
	_ = o.relay.WriteModule(3, []byte("on"))

	if s := o.relay.Stats(); s.RecordsWritten != 3 || s.RecordsSuppressed != 3 {
		t.Errorf("after output switch: %+v", s)
	}
	if err := o.relay.DisableModule(relay.MaxModules); !errors.Is(err, relay.ErrInvalidModule) {
		t.Errorf("expected ErrInvalidModule, got %v", err)
	}
}

// gatedClock hands every Sleep to the test, which releases it.
type gatedClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps chan time.Duration
	wake   chan struct{}
}

func newGatedClock() *gatedClock {
	return &gatedClock{
		now:    time.Unix(0, 0),
		sleeps: make(chan time.Duration, 4),
		wake:   make(chan struct{}),
	}
}

func (c *gatedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *gatedClock) Sleep(d time.Duration) {
	c.sleeps <- d
	<-c.wake
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRelay_CoalesceWindowUsesClock(t *testing.T) {
	clock := newGatedClock()
	o := newOffline(t, 0, func(c *relay.Config) {
		c.Clock = clock
		c.Coalesce = time.Hour
	})

	for i := range 3 {
		if err := o.relay.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	select {
	case d := <-clock.sleeps:
		if d != time.Hour {
			t.Errorf("window slept %s, want 1h", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("coalescing window not scheduled on the clock")
	}
	select {
	case <-clock.sleeps:
		t.Fatal("a second window was opened for the same burst")
	case <-time.After(20 * time.Millisecond):
	}
	if n := noticeAttempts(o.relay); n != 0 {
		t.Fatalf("notice sent before the window passed: %d", n)
	}
	if !o.relay.Busy() {
		t.Error("expected busy while a notice is owed")
	}

	clock.wake <- struct{}{}
	deadline := time.Now().Add(5 * time.Second)
	for noticeAttempts(o.relay) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("notice not sent once the window passed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRelay_CrashBeforeOpen(t *testing.T) {
	sram, err := shm.NewSRAM(256*1024, 4096)
	if err != nil {
		t.Fatalf("NewSRAM failed: %v", err)
	}
	view := sram.NewView("aux")
	ring, _ := relay.NewRing(view, testLayout)
	router, _ := dispatch.NewRouter(dispatch.Config{View: view})
	r, err := relay.New(relay.Config{Ring: ring, Router: router})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := r.Crash(types.CrashFault, "early"); !errors.Is(err, relay.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if r.Phase() != types.CrashNone {
		t.Errorf("expected phase NONE before Open, got %s", r.Phase())
	}
}
