package mailbox

import (
	"fmt"

	"github.com/Hi-LinkDuino/RM56-sub005/shm"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// Side is the core an endpoint runs on.
type Side uint8

const (
	// SideHost initializes shared channel state on open.
	SideHost Side = iota
	// SideAux validates the state the host set up.
	SideAux
)

func (s Side) String() string {
	if s == SideHost {
		return "host"
	}
	return "aux"
}

// ChannelID selects one channel of an endpoint.
type ChannelID uint8

// MaxChannels bounds the channels of one endpoint.
const MaxChannels = 4

// LengthPrefixSize is the size of the per-slot length prefix.
const LengthPrefixSize = 4

// channelMagic marks a control block the host has initialized.
const channelMagic = 0x4D42_5831 // "MBX1"

// Geometry is the ring geometry of a channel seen from the opening side.
type Geometry struct {
	// TX is the slot count of each outgoing priority ring.
	TX [types.NumPriorities]int
	// RX is the slot count of each incoming priority ring.
	RX [types.NumPriorities]int
	// SlotSize is the size of one slot in bytes, length prefix included.
	SlotSize int
}

// Symmetric returns a geometry with n slots per priority in both directions.
func Symmetric(high, normal, slotSize int) Geometry {
	return Geometry{
		TX:       [types.NumPriorities]int{high, normal},
		RX:       [types.NumPriorities]int{high, normal},
		SlotSize: slotSize,
	}
}

// Mirror returns the geometry as seen from the peer.
func (g Geometry) Mirror() Geometry {
	return Geometry{TX: g.RX, RX: g.TX, SlotSize: g.SlotSize}
}

// MaxMessage is the largest message one slot carries.
func (g Geometry) MaxMessage() int {
	return g.SlotSize - LengthPrefixSize
}

// Validate checks that the geometry can be laid out.
func (g Geometry) Validate() error {
	for _, p := range types.Priorities {
		if g.TX[p] < 1 || g.TX[p] > 255 || g.RX[p] < 1 || g.RX[p] > 255 {
			return fmt.Errorf("%w: %s slot counts must be in [1, 255], got tx=%d rx=%d",
				ErrInvalidGeometry, p, g.TX[p], g.RX[p])
		}
	}
	if g.SlotSize <= LengthPrefixSize || g.SlotSize%shm.WordSize != 0 {
		return fmt.Errorf("%w: slot size %d must be a word multiple above %d",
			ErrInvalidGeometry, g.SlotSize, LengthPrefixSize)
	}
	return nil
}

// DataSize is the cached memory the channel's slots need.
func (g Geometry) DataSize() uint32 {
	total := 0
	for _, p := range types.Priorities {
		total += g.TX[p] + g.RX[p]
	}
	return uint32(total * g.SlotSize)
}

// direction indexes the two one-way halves of a channel.
type direction int

const (
	hostToAux direction = iota
	auxToHost
)

// Control block word offsets, per channel.
const (
	ctrlMagic    = 0
	ctrlGeometry = 4
	ctrlSlotSize = 8
	ctrlIndices  = 12
	// CtrlSize is the coherent memory one channel's control block needs.
	CtrlSize = ctrlIndices + 2*types.NumPriorities*2*shm.WordSize
)

// counts returns slot counts indexed by direction and priority.
func (g Geometry) counts(side Side) [2][types.NumPriorities]int {
	if side == SideHost {
		return [2][types.NumPriorities]int{g.TX, g.RX}
	}
	return [2][types.NumPriorities]int{g.RX, g.TX}
}

// packCounts encodes direction-normalized slot counts in one word.
func packCounts(c [2][types.NumPriorities]int) uint32 {
	return uint32(c[hostToAux][types.PriorityHigh]) |
		uint32(c[hostToAux][types.PriorityNormal])<<8 |
		uint32(c[auxToHost][types.PriorityHigh])<<16 |
		uint32(c[auxToHost][types.PriorityNormal])<<24
}

// indexAddr returns the address of the write (0) or read (1) index of a ring.
func indexAddr(ctrl uint32, d direction, p types.Priority, read bool) uint32 {
	slot := (int(d)*types.NumPriorities + int(p)) * 2
	if read {
		slot++
	}
	return ctrl + ctrlIndices + uint32(slot*shm.WordSize)
}

// ringOffset returns the offset of a ring's first slot in the channel data area.
func ringOffset(c [2][types.NumPriorities]int, slotSize int, d direction, p types.Priority) uint32 {
	off := 0
	for dd := hostToAux; dd <= auxToHost; dd++ {
		for _, pp := range types.Priorities {
			if dd == d && pp == p {
				return uint32(off * slotSize)
			}
			off += c[dd][pp]
		}
	}
	return uint32(off * slotSize)
}
