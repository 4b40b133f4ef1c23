// Package hal declares the primitives the transport consumes from the
// platform: interrupt lines, cache maintenance, aux core power and time.
//
// Register-level drivers live outside this module. Package sim provides an
// in-process implementation of every interface here.
package hal

import (
	"context"
	"time"
)

// Core is one execution domain's view of its interrupt controller.
type Core interface {
	// RaisePeer raises the interrupt line towards the other core.
	RaisePeer()
	// ClearLocal clears this core's pending interrupt.
	ClearLocal()
	// MaskLocal and UnmaskLocal gate delivery of this core's interrupt.
	// A raise while masked stays pending until unmasked.
	MaskLocal()
	UnmaskLocal()
	// PeerPending reports whether the interrupt raised towards the peer
	// has not been taken yet.
	PeerPending() bool
	// IntLock disables local interrupts and returns the function that
	// restores them. Sections must be short and must not block.
	IntLock() (restore func())
	// WaitForInterrupt parks the core until its interrupt is raised or ctx
	// ends.
	WaitForInterrupt(ctx context.Context)
	// Wake sets the wake-up event without raising the interrupt: the
	// current or next WaitForInterrupt returns.
	Wake()
	// SetHandler installs the interrupt service routine.
	SetHandler(isr func())
}

// Cache is cache maintenance over a byte range of shared memory.
type Cache interface {
	Flush(addr, n uint32)
	Invalidate(addr, n uint32)
}

// Power switches the aux core.
type Power interface {
	// PowerOn powers and boots the aux core.
	PowerOn(ctx context.Context) error
	// PowerOff stops the aux core and waits until it has halted.
	PowerOff() error
	// On reports whether the aux core is powered.
	On() bool
}

// Clock is the tick source.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock implements Clock with package time.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep blocks for d.
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Deadline is a bounded wait measured on a Clock.
type Deadline struct {
	clock Clock
	at    time.Time
}

// NewDeadline starts a bounded wait of d.
func NewDeadline(c Clock, d time.Duration) Deadline {
	return Deadline{clock: c, at: c.Now().Add(d)}
}

// Expired reports whether the wait has run out.
func (d Deadline) Expired() bool {
	return !d.clock.Now().Before(d.at)
}

// Remaining returns the time left, or zero once expired.
func (d Deadline) Remaining() time.Duration {
	if left := d.at.Sub(d.clock.Now()); left > 0 {
		return left
	}
	return 0
}

// Poll calls cond every step until it returns true or the deadline expires.
// It reports whether cond was satisfied.
func (d Deadline) Poll(step time.Duration, cond func() bool) bool {
	for {
		if cond() {
			return true
		}
		if d.Expired() {
			return false
		}
		d.clock.Sleep(step)
	}
}
