// Package types defines the bounded enumerations and control values shared by
// both cores.
//
// Priorities, message types and task ids are three distinct enumerations.
// They are never converted into one another.
//
//nolint:revive // types is a common Go package naming convention
package types

import "fmt"

// Priority selects one of the per-priority slot rings of a mailbox channel.
type Priority uint8

const (
	// PriorityHigh rings are always drained before PriorityNormal rings.
	PriorityHigh Priority = iota
	// PriorityNormal carries bulk traffic.
	PriorityNormal
)

// NumPriorities is the number of slot rings per direction.
const NumPriorities = 2

// Priorities lists the priorities in drain order.
var Priorities = [NumPriorities]Priority{PriorityHigh, PriorityNormal}

// Valid reports whether p names a ring.
func (p Priority) Valid() bool {
	return p < NumPriorities
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// ParsePriority parses the config spelling of a priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}
