// Package sim is an in-process model of the two-core chip: shared SRAM with
// one cache domain per core, one interrupt line per direction and a power
// switch for the aux core.
package sim

import (
	"context"
	"sync"

	"github.com/Hi-LinkDuino/RM56-sub005/hal"
)

// Core implements hal.Core for one simulated core.
//
// Interrupt delivery runs on a dedicated goroutine (the core's ISR context).
// The local line is edge-latched: raises while the ISR runs are not lost, and
// every raise eventually sets the wake-up event consumed by WaitForInterrupt.
type Core struct {
	name string
	peer *Core

	intMu sync.Mutex // the interrupt-disabled section

	mu      sync.Mutex
	pending bool
	masked  bool
	event   bool
	raised  chan struct{} // closed and replaced on every raise
	handler func()
	raises  uint64
	taken   uint64

	kick chan struct{}
}

func newCore(name string) *Core {
	return &Core{
		name:   name,
		raised: make(chan struct{}),
		kick:   make(chan struct{}, 1),
	}
}

// Name returns the core name.
func (c *Core) Name() string { return c.name }

// RaisePeer raises the interrupt line towards the other core.
func (c *Core) RaisePeer() {
	c.peer.raise()
}

// Raise raises this core's own line. Tests use it to inject interrupts.
func (c *Core) Raise() {
	c.raise()
}

// raise latches the line. With a handler installed and unmasked, the wake-up
// event is set once the ISR has returned, so a woken thread always observes
// the ISR's effects. Otherwise the raise wakes the thread directly.
func (c *Core) raise() {
	c.mu.Lock()
	c.pending = true
	c.raises++
	deliver := !c.masked && c.handler != nil
	if !deliver {
		c.wakeLocked()
	}
	c.mu.Unlock()
	if deliver {
		c.signal()
	}
}

func (c *Core) wakeLocked() {
	c.event = true
	close(c.raised)
	c.raised = make(chan struct{})
}

func (c *Core) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// ClearLocal clears the pending interrupt.
func (c *Core) ClearLocal() {
	c.mu.Lock()
	c.pending = false
	c.mu.Unlock()
}

// MaskLocal blocks delivery; raises stay pending.
func (c *Core) MaskLocal() {
	c.mu.Lock()
	c.masked = true
	c.mu.Unlock()
}

// UnmaskLocal re-enables delivery and delivers a pending raise.
func (c *Core) UnmaskLocal() {
	c.mu.Lock()
	c.masked = false
	deliver := c.pending
	c.mu.Unlock()
	if deliver {
		c.signal()
	}
}

// PeerPending reports whether the line towards the peer is still pending.
func (c *Core) PeerPending() bool {
	return c.peer.Pending()
}

// Pending reports whether this core's line is pending.
func (c *Core) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// IntLock enters the interrupt-disabled section.
func (c *Core) IntLock() func() {
	c.intMu.Lock()
	return c.intMu.Unlock
}

// WaitForInterrupt parks until the wake-up event is set, then consumes it.
// It returns at once if an interrupt was raised since the previous call.
func (c *Core) WaitForInterrupt(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.event {
			c.event = false
			c.mu.Unlock()
			return
		}
		ch := c.raised
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}

// Wake sets the wake-up event without running the ISR.
func (c *Core) Wake() {
	c.mu.Lock()
	c.wakeLocked()
	c.mu.Unlock()
}

// SetHandler installs the ISR. A nil handler leaves raises pending.
func (c *Core) SetHandler(isr func()) {
	c.mu.Lock()
	c.handler = isr
	deliver := isr != nil && c.pending && !c.masked
	c.mu.Unlock()
	if deliver {
		c.signal()
	}
}

// Counts reports raised and serviced interrupts.
func (c *Core) Counts() (raised, taken uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raises, c.taken
}

// reset returns the line to its power-on state.
func (c *Core) reset() {
	c.mu.Lock()
	c.pending = false
	c.masked = false
	c.event = false
	c.handler = nil
	c.mu.Unlock()
}

// serve runs the ISR context until ctx ends.
func (c *Core) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		}

		c.mu.Lock()
		isr := c.handler
		run := c.pending && !c.masked && isr != nil
		if run {
			c.pending = false
			c.taken++
		}
		c.mu.Unlock()

		if run {
			isr()
		}

		c.mu.Lock()
		c.wakeLocked()
		c.mu.Unlock()
	}
}

var _ hal.Core = (*Core)(nil)
