package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/lifecycle"
	"github.com/Hi-LinkDuino/RM56-sub005/relay"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

const waitStep = time.Millisecond

// ErrNoCrashReport is returned when an injected crash never produced a report.
var ErrNoCrashReport = errors.New("system: injected crash was not reported")

// Workload is a scripted session: open Tasks tasks, then for each of Rounds
// rounds post one event to every task. Each work callback writes one trace
// record and notifies the host.
type Workload struct {
	Tasks  int
	Rounds int
	// Crash, if set, makes the work callback of task Crash.Task panic in
	// round Crash.Round.
	Crash *CrashInjection
}

// CrashInjection selects the work callback that panics.
type CrashInjection struct {
	Task  types.TaskID
	Round int
}

// Result summarizes a workload run.
type Result struct {
	Tasks         int                `json:"tasks" yaml:"tasks"`
	Rounds        int                `json:"rounds" yaml:"rounds"`
	EventsSent    int                `json:"events_sent" yaml:"events_sent"`
	WorkRuns      int                `json:"work_runs" yaml:"work_runs"`
	Notifications int                `json:"notifications" yaml:"notifications"`
	PeerCrashes   int                `json:"peer_crashes" yaml:"peer_crashes"`
	Crash         *relay.CrashReport `json:"-" yaml:"-"`
}

// tally is written from both cores.
type tally struct {
	mu          sync.Mutex
	runs        [types.MaxTasks]int
	notified    int
	peerCrashes int
}

func (t *tally) ran(id types.TaskID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[id]++
	return t.runs[id]
}

func (t *tally) runsOf(id types.TaskID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[id]
}

// Run executes w and closes every task it opened. The aux core is powered
// down when Run returns.
func (s *System) Run(ctx context.Context, w Workload) (Result, error) {
	res := Result{Tasks: w.Tasks, Rounds: w.Rounds}
	if w.Tasks <= 0 || w.Tasks > types.MaxTasks {
		return res, fmt.Errorf("system: tasks must be in [1, %d], got %d", types.MaxTasks, w.Tasks)
	}
	if w.Crash != nil && int(w.Crash.Task) >= w.Tasks {
		return res, fmt.Errorf("system: crash task %d is not opened", w.Crash.Task)
	}

	t := &tally{}
	var opened []types.TaskID
	defer func() {
		for _, id := range opened {
			if err := s.Manager.Close(id); err != nil {
				s.logger.Warn("task close failed", map[string]any{"task": id, "error": err.Error()})
			}
		}
	}()

	for i := range w.Tasks {
		id := types.TaskID(i)
		if err := s.Manager.Open(ctx, id, s.descriptor(id, w.Crash, t)); err != nil {
			return res, fmt.Errorf("open task %d: %w", id, err)
		}
		opened = append(opened, id)
	}

	crashed := false
	for round := range w.Rounds {
		ev := uint8(round % types.MaxTaskEvents)
		for _, id := range opened {
			if err := s.Manager.SendEvent(id, ev, nil); err != nil {
				return res, fmt.Errorf("round %d task %d: %w", round, id, err)
			}
			res.EventsSent++
		}
		if w.Crash != nil && w.Crash.Round == round {
			crashed = true
			break
		}
		done := func() bool {
			for _, id := range opened {
				if t.runsOf(id) <= round {
					return false
				}
			}
			return true
		}
		if err := waitFor(ctx, done); err != nil {
			return res, fmt.Errorf("round %d: %w", round, err)
		}
	}

	if crashed {
		select {
		case res.Crash = <-s.crashes:
		case <-ctx.Done():
			return res, fmt.Errorf("%w: %w", ErrNoCrashReport, ctx.Err())
		}
	}
	s.Collector.Drain()

	t.mu.Lock()
	for _, n := range t.runs {
		res.WorkRuns += n
	}
	res.PeerCrashes = t.peerCrashes
	t.mu.Unlock()

	// Notifications sent by the last round may still be in flight.
	if !crashed {
		_ = waitFor(ctx, func() bool {
			t.mu.Lock()
			defer t.mu.Unlock()
			return t.notified >= res.WorkRuns
		})
	}
	t.mu.Lock()
	res.Notifications = t.notified
	t.mu.Unlock()
	return res, nil
}

func (s *System) descriptor(id types.TaskID, crash *CrashInjection, t *tally) lifecycle.Descriptor {
	return lifecycle.Descriptor{
		Work: func(ev uint8) {
			round := t.runsOf(id)
			if crash != nil && crash.Task == id && crash.Round == round {
				panic(fmt.Sprintf("task %d: injected fault at round %d", id, round))
			}
			_ = s.Relay.Write(fmt.Appendf(nil, "task=%d event=%d round=%d", id, ev, round))
			t.ran(id)
			if err := s.Accelerator.Notify(id, []byte{ev}); err != nil {
				_ = s.Relay.Write(fmt.Appendf(nil, "task=%d notify failed: %v", id, err))
			}
		},
		PeerEvent: func([]byte) {
			t.mu.Lock()
			t.notified++
			t.mu.Unlock()
		},
		SystemControl: func(ctrl types.SysCtrl) {
			if ctrl.Kind != types.SysCtrlPeerCrash {
				return
			}
			t.mu.Lock()
			t.peerCrashes++
			t.mu.Unlock()
		},
	}
}

func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(waitStep)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
