package types

import "fmt"

// TaskID identifies a feature module registered with the lifecycle manager.
type TaskID uint8

// MaxTasks bounds the descriptor table.
const MaxTasks = 8

// MaxTaskEvents is the width of a task's pending-event bitmap.
const MaxTaskEvents = 32

// Valid reports whether id indexes the descriptor table.
func (id TaskID) Valid() bool {
	return id < MaxTasks
}

// TaskState is the lifecycle state of one task descriptor.
type TaskState uint8

const (
	// TaskClosed is both the initial and the terminal state.
	TaskClosed TaskState = iota
	// TaskOpening is held while the aux core powers up for the task.
	TaskOpening
	// TaskOpened means the task's callbacks are live.
	TaskOpened
	// TaskClosing is held while callbacks are torn down.
	TaskClosing
)

func (s TaskState) String() string {
	switch s {
	case TaskClosed:
		return "closed"
	case TaskOpening:
		return "opening"
	case TaskOpened:
		return "opened"
	case TaskClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Active reports whether a task in this state keeps the aux core powered.
func (s TaskState) Active() bool {
	return s == TaskOpening || s == TaskOpened
}

// TaskEvent posts event bit Event of task Task on the aux core.
type TaskEvent struct {
	Task  TaskID `msgpack:"task"`
	Event uint8  `msgpack:"event"`
	Data  []byte `msgpack:"data,omitempty"`
}

// TaskNotify is an aux-to-host notification for one task.
type TaskNotify struct {
	Task TaskID `msgpack:"task"`
	Data []byte `msgpack:"data,omitempty"`
}
