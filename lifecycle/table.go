// Package lifecycle registers feature-module tasks with the aux core, powers
// the core up and down with the set of open tasks, and runs the aux core's
// cooperative idle loop.
package lifecycle

import (
	"errors"
	"sync"

	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

var (
	// ErrAlreadyOpen is returned by Open unless the task is closed.
	ErrAlreadyOpen = errors.New("lifecycle: task already open")
	// ErrNotOpen is returned for operations on a task that is not opened.
	ErrNotOpen = errors.New("lifecycle: task not open")
	// ErrInvalidTask is returned for a task id outside the table.
	ErrInvalidTask = errors.New("lifecycle: invalid task id")
	// ErrInvalidEvent is returned for an event outside the pending bitmap.
	ErrInvalidEvent = errors.New("lifecycle: invalid task event")
	// ErrBootTimeout is returned when the aux core does not announce boot done in time.
	ErrBootTimeout = errors.New("lifecycle: aux boot timed out")
	// ErrWireMismatch is returned when the aux image speaks another envelope layout.
	ErrWireMismatch = errors.New("lifecycle: aux wire version mismatch")
)

// Descriptor is a feature module's registration. Any callback may be nil.
type Descriptor struct {
	// Work runs on the aux core for each pending event, one at a time under
	// the work lock. A panic halts the aux core.
	Work func(event uint8)
	// LocalEvent runs on the aux core in ISR context when the host posts an
	// event, before the event is marked pending. A panic halts the aux core.
	LocalEvent func(ev types.TaskEvent)
	// PeerEvent runs on the host in ISR context for each aux notification.
	// A panic is logged and the notification dropped.
	PeerEvent func(data []byte)
	// SystemControl runs on the host for every broadcast control message.
	// A panic skips that task only.
	SystemControl func(ctrl types.SysCtrl)
}

type entry struct {
	desc  Descriptor
	state types.TaskState
}

// Table is the descriptor table both cores index by task id.
type Table struct {
	mu      sync.Mutex
	entries [types.MaxTasks]entry
}

// NewTable returns a table with every task closed.
func NewTable() *Table {
	return &Table{}
}

// State returns the state of task id.
func (t *Table) State(id types.TaskID) types.TaskState {
	if !id.Valid() {
		return types.TaskClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id].state
}

// Descriptor returns the callbacks of task id if it is opening or opened.
func (t *Table) Descriptor(id types.TaskID) (Descriptor, bool) {
	if !id.Valid() {
		return Descriptor{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[id]
	return e.desc, e.state.Active()
}

// Active returns the number of opening or opened tasks.
func (t *Table) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked()
}

func (t *Table) activeLocked() int {
	n := 0
	for _, e := range t.entries {
		if e.state.Active() {
			n++
		}
	}
	return n
}

// Opened returns the descriptors of every opened task, by task id.
func (t *Table) Opened() map[types.TaskID]Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.TaskID]Descriptor)
	for id, e := range t.entries {
		if e.state == types.TaskOpened {
			out[types.TaskID(id)] = e.desc
		}
	}
	return out
}

// begin moves a closed task to OPENING and reports whether it is the first
// active task.
func (t *Table) begin(id types.TaskID, desc Descriptor) (first bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[id]
	if e.state != types.TaskClosed {
		return false, ErrAlreadyOpen
	}
	first = t.activeLocked() == 0
	e.desc = desc
	e.state = types.TaskOpening
	return first, nil
}

// commit moves an opening task to OPENED. It fails if the task was closed
// while the power sequence ran.
func (t *Table) commit(id types.TaskID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[id]
	if e.state != types.TaskOpening {
		return false
	}
	e.state = types.TaskOpened
	return true
}

// abort returns an opening task to CLOSED.
func (t *Table) abort(id types.TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[id]
	if e.state == types.TaskOpening {
		*e = entry{}
	}
}

// release clears the callbacks of an active task, moves it to CLOSING and
// reports whether no active task remains. ok is false if the task was
// already closing or closed.
func (t *Table) release(id types.TaskID) (last, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[id]
	if !e.state.Active() {
		return false, false
	}
	e.desc = Descriptor{}
	e.state = types.TaskClosing
	return t.activeLocked() == 0, true
}

// finish moves a closing task to CLOSED.
func (t *Table) finish(id types.TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := &t.entries[id]; e.state == types.TaskClosing {
		e.state = types.TaskClosed
	}
}
