// Package relay ships diagnostics records from the aux core to the host
// through a dedicated ring in shared memory, and runs the crash handshake.
package relay

import (
	"errors"
	"fmt"
	"math"

	"github.com/Hi-LinkDuino/RM56-sub005/shm"
)

// Ring control block word offsets. The control block and the entry list are
// coherent; record bytes live in cached memory.
const (
	ringMagic      = 0x5452_4331 // "TRC1"
	ctrlMagic      = 0
	ctrlGeneration = 4
	ctrlWrite      = 8  // aux
	ctrlRead       = 12 // host
	ctrlWDiscards  = 16 // aux
	ctrlRDiscards  = 20 // host
	ctrlPhase      = 24 // aux
	ctrlKind       = 28 // aux
	ctrlEntries    = 32
	entrySize      = 8 // offset u32, length u32
)

// Layout places a diagnostics ring in shared memory. Both cores use the same
// layout.
type Layout struct {
	// Ctrl is the coherent address of the control block and entry list.
	Ctrl uint32
	// Entries is the capacity of the entry list.
	Entries uint32
	// Data is the cached address of the record area.
	Data uint32
	// DataSize is the size of the record area.
	DataSize uint32
}

// CtrlSize is the coherent memory the layout needs.
func (l Layout) CtrlSize() uint32 {
	return ctrlEntries + l.Entries*entrySize
}

// Ring is one core's handle on the diagnostics ring.
//
// The aux core writes records, the write cursor and the write-side discard
// counter. The host reads records and writes the read cursor and the
// read-side discard counter. Records are never split across the end of the
// data area.
type Ring struct {
	view   *shm.View
	layout Layout
	data   shm.Span

	head uint32 // aux: data offset of the next record
}

// NewRing binds layout to view.
func NewRing(view *shm.View, layout Layout) (*Ring, error) {
	if layout.Entries == 0 || layout.DataSize == 0 {
		return nil, errors.New("relay: ring needs entries and data")
	}
	if !view.SRAM().IsCoherent(layout.Ctrl, layout.CtrlSize()) {
		return nil, fmt.Errorf("relay: ring control %#x+%d is not coherent", layout.Ctrl, layout.CtrlSize())
	}
	data, err := view.Span(layout.Data, layout.DataSize)
	if err != nil {
		return nil, fmt.Errorf("relay: ring data: %w", err)
	}
	return &Ring{view: view, layout: layout, data: data}, nil
}

// Layout returns the ring placement.
func (g *Ring) Layout() Layout {
	return g.layout
}

func (g *Ring) load(off uint32) uint32 {
	v, err := g.view.Load32(g.layout.Ctrl + off)
	if err != nil {
		panic(err)
	}
	return v
}

func (g *Ring) store(off, v uint32) {
	if err := g.view.Store32(g.layout.Ctrl+off, v); err != nil {
		panic(err)
	}
}

// reset empties the ring and bumps its generation. Aux side, at open.
func (g *Ring) reset() {
	gen := g.load(ctrlGeneration)
	g.store(ctrlMagic, 0)
	for _, off := range []uint32{ctrlWrite, ctrlRead, ctrlWDiscards, ctrlRDiscards, ctrlPhase, ctrlKind} {
		g.store(off, 0)
	}
	g.store(ctrlGeneration, gen+1)
	g.store(ctrlMagic, ringMagic)
	g.head = 0
}

func (g *Ring) valid() bool {
	return g.load(ctrlMagic) == ringMagic
}

func (g *Ring) generation() uint32 {
	return g.load(ctrlGeneration)
}

func (g *Ring) entry(idx uint32) (off, n uint32) {
	base := ctrlEntries + (idx%g.layout.Entries)*entrySize
	return g.load(base), g.load(base + 4)
}

func (g *Ring) setEntry(idx, off, n uint32) {
	base := ctrlEntries + (idx%g.layout.Entries)*entrySize
	g.store(base, off)
	g.store(base+4, n)
}

// cursors returns the read and write cursors.
func (g *Ring) cursors() (read, write uint32) {
	return g.load(ctrlRead), g.load(ctrlWrite)
}

// tail returns the data offset of the oldest unread record and whether the
// ring holds any.
func (g *Ring) tail(read, write uint32) (uint32, bool) {
	if read == write {
		return 0, false
	}
	off, _ := g.entry(read)
	return off, true
}

// place finds a contiguous range of n bytes. Aux side.
func (g *Ring) place(n uint32) (uint32, bool) {
	read, write := g.cursors()
	if write-read >= g.layout.Entries {
		return 0, false
	}
	size := g.layout.DataSize
	tail, used := g.tail(read, write)
	if !used {
		if n <= size-g.head {
			return g.head, true
		}
		return 0, n <= size
	}
	switch head := g.head; {
	case head > tail:
		if n <= size-head {
			return head, true
		}
		return 0, n <= tail
	case head < tail:
		return head, n <= tail-head
	default:
		return 0, false
	}
}

// append copies p into the ring and commits it. Aux side.
func (g *Ring) append(p []byte) bool {
	n := uint32(len(p))
	off, ok := g.place(n)
	if !ok {
		return false
	}
	rec, _ := g.data.Sub(off, n)
	if err := rec.Publish(p); err != nil {
		return false
	}
	write := g.load(ctrlWrite)
	g.setEntry(write, off, n)
	g.store(ctrlWrite, write+1)
	g.head = off + n
	return true
}

// free returns the unused bytes of the data area. Aux side.
func (g *Ring) free() uint32 {
	read, write := g.cursors()
	tail, used := g.tail(read, write)
	size := g.layout.DataSize
	switch {
	case !used:
		return size
	case g.head > tail:
		return size - g.head + tail
	case g.head < tail:
		return tail - g.head
	default:
		return 0
	}
}

// drained reports whether the host has read every committed record.
func (g *Ring) drained() bool {
	read, write := g.cursors()
	return read == write
}

// discard bumps a saturating discard counter.
func (g *Ring) discard(off uint32) uint32 {
	v := g.load(off)
	if v != math.MaxUint32 {
		v++
		g.store(off, v)
	}
	return v
}

// record reads committed entry idx. Host side.
func (g *Ring) record(idx uint32) ([]byte, error) {
	off, n := g.entry(idx)
	rec, err := g.data.Sub(off, n)
	if err != nil {
		return nil, fmt.Errorf("relay: entry %d: %w", idx, err)
	}
	return rec.Bytes(), nil
}

// Discards returns the write-side and read-side discard counters.
func (g *Ring) Discards() (write, read uint32) {
	return g.load(ctrlWDiscards), g.load(ctrlRDiscards)
}
