package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/dispatch"
	"github.com/Hi-LinkDuino/RM56-sub005/hal"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// crashState is the transient handshake state, live from CRASH_START until
// the relay reopens.
type crashState struct {
	phase    types.CrashPhase
	kind     types.CrashKind
	reason   string
	deadline time.Time
	acked    bool
}

// Phase returns the crash handshake phase.
func (r *Relay) Phase() types.CrashPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.crash.phase
}

// NotifyCrash advances the handshake to phase: CrashStart runs BeginCrash,
// CrashEnd runs EndCrash.
func (r *Relay) NotifyCrash(phase types.CrashPhase, kind types.CrashKind, reason string) error {
	switch phase {
	case types.CrashStart:
		return r.BeginCrash(kind, reason)
	case types.CrashEnd:
		return r.EndCrash()
	default:
		return fmt.Errorf("relay: cannot notify phase %s", phase)
	}
}

// BeginCrash enters CRASH_START: it cancels coalescing and any pause, flushes committed
// records to the host, sends the crash begin notice and arms the ack
// deadline. A second call while a crash is in progress is a no-op.
func (r *Relay) BeginCrash(kind types.CrashKind, reason string) error {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return ErrNotOpen
	}
	if r.crash.phase != types.CrashNone {
		r.mu.Unlock()
		return nil
	}
	r.cancelCoalesceLocked()
	r.paused, r.held = 0, false
	r.crash = crashState{phase: types.CrashStart, kind: kind, reason: reason}
	r.ring.store(ctrlPhase, uint32(types.CrashStart))
	r.ring.store(ctrlKind, uint32(kind))
	r.stats.Crashes++
	r.mu.Unlock()

	r.logger.Error("crash start", map[string]any{"kind": kind.String(), "reason": reason})

	var errs []error
	if err := r.flushRing(hal.NewDeadline(r.cfg.Clock, r.cfg.FlushTimeout)); err != nil {
		errs = append(errs, err)
	}

	deadline := hal.NewDeadline(r.cfg.Clock, r.cfg.AckTimeout)
	r.mu.Lock()
	r.crash.deadline = r.cfg.Clock.Now().Add(r.cfg.AckTimeout)
	r.mu.Unlock()

	if err := r.sendNotice(deadline, types.CrashStart); err != nil {
		errs = append(errs, err)
	}
	return r.timeouts(errs)
}

// PollCrash advances CRASH_START by one bounded step. It polls the channel
// for the host's ack and reports done once the ack arrived or the deadline
// passed; in the latter case it returns ErrHandshakeTimeout.
func (r *Relay) PollCrash() (bool, error) {
	r.mu.Lock()
	phase, acked, deadline := r.crash.phase, r.crash.acked, r.crash.deadline
	r.mu.Unlock()

	if phase != types.CrashStart || acked {
		return true, nil
	}
	if ch := r.cfg.Router.Channel(); ch != nil {
		r.cfg.Router.OnReceive(ch)
	}

	r.mu.Lock()
	acked = r.crash.acked
	r.mu.Unlock()
	if acked {
		return true, nil
	}
	if !r.cfg.Clock.Now().Before(deadline) {
		return true, r.timeouts([]error{fmt.Errorf("%w: no ack after %s", ErrHandshakeTimeout, r.cfg.AckTimeout)})
	}
	return false, nil
}

// EndCrash flushes the dump, sends the crash end notice and enters
// CRASH_END. It is bounded by the end timeout.
func (r *Relay) EndCrash() error {
	r.mu.Lock()
	if r.crash.phase != types.CrashStart {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	deadline := hal.NewDeadline(r.cfg.Clock, r.cfg.EndTimeout)
	var errs []error
	if err := r.flushRing(deadline); err != nil {
		errs = append(errs, err)
	}
	if err := r.sendNotice(deadline, types.CrashEnd); err != nil {
		errs = append(errs, err)
	}
	if ch := r.cfg.Router.Channel(); ch != nil {
		if err := ch.Flush(deadline.Remaining()); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrHandshakeTimeout, err))
		}
	}

	r.mu.Lock()
	r.crash.phase = types.CrashEnd
	r.ring.store(ctrlPhase, uint32(types.CrashEnd))
	r.mu.Unlock()

	r.logger.Error("crash end", nil)
	return r.timeouts(errs)
}

// Crash runs the whole handshake: begin, poll for the ack, run the dump
// callbacks, end. On an open relay it always reaches CRASH_END and returns
// within the sum of the flush, ack and end timeouts plus one poll step per
// phase. Before Open it returns ErrNotOpen and leaves the phase at NONE.
func (r *Relay) Crash(kind types.CrashKind, reason string) error {
	var errs []error
	if err := r.BeginCrash(kind, reason); err != nil {
		if errors.Is(err, ErrNotOpen) {
			return err
		}
		errs = append(errs, err)
	}
	for {
		done, err := r.PollCrash()
		if err != nil {
			errs = append(errs, err)
		}
		if done {
			break
		}
		r.cfg.Clock.Sleep(r.cfg.PollStep)
	}

	r.runDumps()

	if err := r.EndCrash(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Relay) runDumps() {
	r.mu.Lock()
	dumps := append([]namedDump(nil), r.dumps...)
	r.mu.Unlock()

	for _, d := range dumps {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("crash dump panicked", map[string]any{"dump": d.name, "panic": fmt.Sprint(p)})
				}
			}()
			d.fn(r)
		}()
	}
}

// flushRing notifies the host and polls until it has read every committed
// record or the deadline passes.
func (r *Relay) flushRing(deadline hal.Deadline) error {
	if r.ring.drained() {
		return nil
	}
	r.notify()
	if !deadline.Poll(r.cfg.PollStep, r.ring.drained) {
		return fmt.Errorf("%w: ring not drained", ErrHandshakeTimeout)
	}
	return nil
}

// sendNotice retries the crash notice until the channel accepts it or the
// deadline passes.
func (r *Relay) sendNotice(deadline hal.Deadline, phase types.CrashPhase) error {
	r.mu.Lock()
	notice := types.CrashNotice{Phase: phase, Kind: r.crash.kind, Reason: r.crash.reason}
	r.mu.Unlock()
	wd, _ := r.ring.Discards()
	notice.Discarded = wd

	var err error
	sent := deadline.Poll(r.cfg.PollStep, func() bool {
		err = r.cfg.Router.SendValue(types.MsgCrash, types.PriorityHigh, notice)
		return err == nil
	})
	if !sent {
		return fmt.Errorf("%w: %s notice not sent: %v", ErrHandshakeTimeout, phase, err)
	}
	return nil
}

func (r *Relay) timeouts(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	r.mu.Lock()
	r.stats.Timeouts += int64(len(errs))
	r.mu.Unlock()
	err := errors.Join(errs...)
	r.logger.Warn("crash handshake degraded", map[string]any{"error": err.Error()})
	return err
}

func (r *Relay) onCrashAck(*dispatch.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.crash.phase == types.CrashStart {
		r.crash.acked = true
	}
}
