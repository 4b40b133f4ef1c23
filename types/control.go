package types

import "fmt"

// SysCtrlKind discriminates SysCtrl values.
type SysCtrlKind uint8

const (
	// SysCtrlBootDone is sent by the aux core once its endpoint is open.
	SysCtrlBootDone SysCtrlKind = iota + 1
	// SysCtrlUsage reports the aux core busy ratio.
	SysCtrlUsage
	// SysCtrlPeerCrash tells host tasks that the aux core crashed.
	SysCtrlPeerCrash
	// SysCtrlShutdown asks the aux core to stop accepting work.
	SysCtrlShutdown
)

func (k SysCtrlKind) String() string {
	switch k {
	case SysCtrlBootDone:
		return "boot_done"
	case SysCtrlUsage:
		return "usage"
	case SysCtrlPeerCrash:
		return "peer_crash"
	case SysCtrlShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("sys_ctrl(%d)", uint8(k))
	}
}

// SysCtrl is a system-control message exchanged between the cores and
// broadcast into every opened task's system-control callback.
type SysCtrl struct {
	Kind SysCtrlKind `msgpack:"kind"`
	// Wire is the envelope layout version (boot done only).
	Wire int `msgpack:"wire,omitempty"`
	// BusyPermille is the busy ratio of the last usage window (usage only).
	BusyPermille uint32 `msgpack:"busy_permille,omitempty"`
	// Detail is a human-readable reason.
	Detail string `msgpack:"detail,omitempty"`
}

// CrashPhase is the phase of the crash handshake.
type CrashPhase uint8

const (
	// CrashNone is normal operation.
	CrashNone CrashPhase = iota
	// CrashStart is entered when a local fault fires.
	CrashStart
	// CrashEnd is reached once the dump has been shipped (or timed out).
	CrashEnd
)

func (p CrashPhase) String() string {
	switch p {
	case CrashNone:
		return "none"
	case CrashStart:
		return "crash_start"
	case CrashEnd:
		return "crash_end"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// CrashKind distinguishes an assertion from a hardware fault.
type CrashKind uint8

const (
	// CrashAssert is a software assertion (including a callback panic).
	CrashAssert CrashKind = iota + 1
	// CrashFault is a hardware fault.
	CrashFault
)

func (k CrashKind) String() string {
	switch k {
	case CrashAssert:
		return "assert"
	case CrashFault:
		return "fault"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// CrashNotice is carried by MsgCrash.
type CrashNotice struct {
	Phase  CrashPhase `msgpack:"phase"`
	Kind   CrashKind  `msgpack:"kind"`
	Reason string     `msgpack:"reason,omitempty"`
	// Discarded is the write-side discard count at the time of the notice.
	Discarded uint32 `msgpack:"discarded"`
}

// TraceNotice is carried by MsgTrace: entries up to Write are committed.
type TraceNotice struct {
	Write     uint32 `msgpack:"write"`
	Discarded uint32 `msgpack:"discarded"`
}
