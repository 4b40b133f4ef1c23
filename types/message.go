package types

import "fmt"

// MessageType tags an envelope and indexes the router's handler tables.
type MessageType uint8

// MaxMessageTypes bounds the handler tables.
const MaxMessageTypes = 32

// Message types owned by the subsystem itself. Feature modules allocate
// their own types from MessageUser upward.
const (
	// MsgSysCtrl carries a SysCtrl value in either direction.
	MsgSysCtrl MessageType = iota
	// MsgTaskEvent carries a TaskEvent from host to aux.
	MsgTaskEvent
	// MsgTaskNotify carries a TaskNotify from aux to host.
	MsgTaskNotify
	// MsgTrace announces committed diagnostics ring entries (aux to host).
	MsgTrace
	// MsgCrash carries a CrashNotice (aux to host).
	MsgCrash
	// MsgCrashAck acknowledges a CrashNotice (host to aux).
	MsgCrashAck

	// MessageUser is the first type available to feature modules.
	MessageUser MessageType = 8
)

// Valid reports whether t indexes the handler tables.
func (t MessageType) Valid() bool {
	return t < MaxMessageTypes
}

func (t MessageType) String() string {
	switch t {
	case MsgSysCtrl:
		return "sys_ctrl"
	case MsgTaskEvent:
		return "task_event"
	case MsgTaskNotify:
		return "task_notify"
	case MsgTrace:
		return "trace"
	case MsgCrash:
		return "crash"
	case MsgCrashAck:
		return "crash_ack"
	default:
		return fmt.Sprintf("user(%d)", uint8(t))
	}
}
