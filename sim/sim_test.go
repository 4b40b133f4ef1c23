package sim

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestChip(t *testing.T) *Chip {
	t.Helper()
	c, err := NewChip(Config{SRAMSize: 1024, CoherentSize: 128})
	if err != nil {
		t.Fatalf("NewChip failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewChip_RejectsBadSRAM(t *testing.T) {
	if _, err := NewChip(Config{SRAMSize: 64, CoherentSize: 128}); err == nil {
		t.Error("expected error for coherent region larger than SRAM")
	}
}

func TestCore_ISRRunsBeforeWake(t *testing.T) {
	c := newTestChip(t)

	var served atomic.Int32
	c.Aux.SetHandler(func() {
		served.Add(1)
		c.Aux.ClearLocal()
	})

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	c.Host.RaisePeer()
	c.Aux.WaitForInterrupt(ctx)
	if ctx.Err() != nil {
		t.Fatal("timed out waiting for the interrupt")
	}
	if served.Load() != 1 {
		t.Errorf("expected the ISR to have run once before the wake, got %d", served.Load())
	}
	if raised, taken := c.Aux.Counts(); raised != 1 || taken != 1 {
		t.Errorf("counts = %d raised %d taken, want 1 and 1", raised, taken)
	}
	if c.Host.PeerPending() {
		t.Error("line towards aux still pending after the ISR ran")
	}
}

func TestCore_MaskedRaiseStaysPending(t *testing.T) {
	c := newTestChip(t)

	taken := make(chan struct{}, 1)
	c.Host.SetHandler(func() { taken <- struct{}{} })
	c.Host.MaskLocal()

	c.Aux.RaisePeer()
	if !c.Host.Pending() {
		t.Fatal("masked raise should stay pending")
	}
	select {
	case <-taken:
		t.Fatal("ISR ran while masked")
	case <-time.After(20 * time.Millisecond):
	}

	c.Host.UnmaskLocal()
	select {
	case <-taken:
	case <-time.After(5 * time.Second):
		t.Fatal("ISR not run after unmask")
	}
}

func TestCore_WaitWithoutHandler(t *testing.T) {
	c := newTestChip(t)

	c.Host.Raise()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	c.Host.WaitForInterrupt(ctx)
	if ctx.Err() != nil {
		t.Fatal("raise without a handler should wake the thread")
	}

	short, cancelShort := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancelShort()
	c.Host.WaitForInterrupt(short)
	if short.Err() == nil {
		t.Error("second wait should park until ctx ends")
	}
}

func TestCore_WakeSkipsISR(t *testing.T) {
	c := newTestChip(t)

	var served atomic.Int32
	c.Aux.SetHandler(func() { served.Add(1) })

	woke := make(chan struct{})
	go func() {
		c.Aux.WaitForInterrupt(t.Context())
		close(woke)
	}()
	c.Aux.Wake()
	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("Wake did not release the waiting thread")
	}
	if served.Load() != 0 || c.Aux.Pending() {
		t.Errorf("Wake touched the line: served=%d pending=%v", served.Load(), c.Aux.Pending())
	}
}

func TestPower_Cycle(t *testing.T) {
	c := newTestChip(t)

	if err := c.Power.PowerOn(t.Context()); !errors.Is(err, ErrNoBootEntry) {
		t.Fatalf("expected ErrNoBootEntry, got %v", err)
	}

	booted := make(chan struct{}, 2)
	c.Power.SetBoot(func(ctx context.Context) error {
		booted <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})

	for range 2 {
		if err := c.Power.PowerOn(t.Context()); err != nil {
			t.Fatalf("PowerOn failed: %v", err)
		}
		<-booted
		if !c.Power.On() {
			t.Error("expected power on")
		}
		if err := c.Power.PowerOff(); err != nil {
			t.Fatalf("PowerOff failed: %v", err)
		}
		if c.Power.On() {
			t.Error("expected power off")
		}
	}
	if c.Power.Cycles() != 2 {
		t.Errorf("cycles = %d, want 2", c.Power.Cycles())
	}
	if err := c.Power.Halted(); err != nil {
		t.Errorf("cancelled entry should not halt, got %v", err)
	}
}

func TestPower_PanicHalts(t *testing.T) {
	c := newTestChip(t)

	done := make(chan struct{})
	c.Power.SetBoot(func(context.Context) error {
		defer close(done)
		panic("boom")
	})
	if err := c.Power.PowerOn(t.Context()); err != nil {
		t.Fatalf("PowerOn failed: %v", err)
	}
	<-done

	deadline := time.Now().Add(5 * time.Second)
	for c.Power.Halted() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	var halt *HaltError
	if !errors.As(c.Power.Halted(), &halt) || halt.Panic != "boom" {
		t.Fatalf("expected a panic halt, got %v", c.Power.Halted())
	}
	if err := c.Power.PowerOff(); err != nil {
		t.Errorf("PowerOff after halt failed: %v", err)
	}
}
