package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// BootFunc is the aux core's entry point. It runs until ctx is cancelled by
// PowerOff. A boot entry that panics halts the core.
type BootFunc func(ctx context.Context) error

// ErrNoBootEntry is returned by PowerOn before SetBoot.
var ErrNoBootEntry = errors.New("sim: no boot entry installed")

// HaltError records why the aux core stopped on its own.
type HaltError struct {
	Panic any
	Err   error
}

func (e *HaltError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("aux core halted: panic: %v", e.Panic)
	}
	return fmt.Sprintf("aux core halted: %v", e.Err)
}

func (e *HaltError) Unwrap() error {
	return e.Err
}

// Power implements hal.Power for the aux core.
type Power struct {
	core *Core

	mu     sync.Mutex
	boot   BootFunc
	on     bool
	cancel context.CancelFunc
	done   chan struct{}
	halt   error
	cycles int
}

func newPower(core *Core) *Power {
	return &Power{core: core}
}

// SetBoot installs the aux entry point.
func (p *Power) SetBoot(boot BootFunc) {
	p.mu.Lock()
	p.boot = boot
	p.mu.Unlock()
}

// PowerOn starts the boot entry on its own goroutine. The entry's lifetime
// is bounded by PowerOff, not by ctx.
func (p *Power) PowerOn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.on {
		return nil
	}
	if p.boot == nil {
		return ErrNoBootEntry
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.on = true
	p.cancel = cancel
	p.done = done
	p.halt = nil
	p.cycles++

	boot := p.boot
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				p.setHalt(&HaltError{Panic: r})
			}
		}()
		if err := boot(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			p.setHalt(&HaltError{Err: err})
		}
	}()
	return nil
}

func (p *Power) setHalt(err error) {
	p.mu.Lock()
	p.halt = err
	p.mu.Unlock()
}

// PowerOff stops the aux core and waits for the boot entry to return.
func (p *Power) PowerOff() error {
	p.mu.Lock()
	if !p.on {
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.on = false
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	cancel()
	<-done
	p.core.reset()
	return nil
}

// On reports whether the aux core is powered.
func (p *Power) On() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

// Halted returns the reason the last boot entry stopped on its own, if any.
func (p *Power) Halted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halt
}

// Cycles returns how many times the aux core has been powered on.
func (p *Power) Cycles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}
