// Package shm models the SRAM shared by the two cores.
//
// Offsets below the coherent boundary form the mutually-coherent sub-region:
// both cores observe writes there immediately and 32-bit loads and stores are
// atomic. Everything above the boundary is seen through a per-core View that
// caches it; a writer must flush and a reader must invalidate the range.
//
// Bytes are only reachable through a Span, whose Publish and Acquire perform
// that maintenance, so a transfer cannot skip it.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfBounds is returned for a range that does not fit in SRAM.
var ErrOutOfBounds = errors.New("shm: range out of bounds")

// ErrNotCoherent is returned for a word access outside the coherent region.
var ErrNotCoherent = errors.New("shm: word access outside coherent region")

// ErrMisaligned is returned for a word access that is not 4-byte aligned.
var ErrMisaligned = errors.New("shm: word access not 4-byte aligned")

// WordSize is the size of an index word.
const WordSize = 4

// SRAM is the physically shared memory.
type SRAM struct {
	mu       sync.Mutex
	mem      []byte
	coherent uint32
}

// NewSRAM allocates size bytes, of which the first coherent bytes are coherent.
func NewSRAM(size, coherent uint32) (*SRAM, error) {
	if size == 0 {
		return nil, errors.New("shm: size must be > 0")
	}
	if coherent > size {
		return nil, fmt.Errorf("shm: coherent region %d exceeds size %d", coherent, size)
	}
	if coherent%WordSize != 0 {
		return nil, fmt.Errorf("shm: coherent region %d not word aligned", coherent)
	}
	return &SRAM{mem: make([]byte, size), coherent: coherent}, nil
}

// Size returns the total size in bytes.
func (s *SRAM) Size() uint32 {
	return uint32(len(s.mem))
}

// CoherentSize returns the size of the coherent sub-region.
func (s *SRAM) CoherentSize() uint32 {
	return s.coherent
}

// IsCoherent reports whether [addr, addr+n) lies in the coherent region.
func (s *SRAM) IsCoherent(addr, n uint32) bool {
	return uint64(addr)+uint64(n) <= uint64(s.coherent)
}

func (s *SRAM) check(addr, n uint32) error {
	if uint64(addr)+uint64(n) > uint64(len(s.mem)) {
		return fmt.Errorf("%w: [%#x, +%d)", ErrOutOfBounds, addr, n)
	}
	return nil
}

func (s *SRAM) checkWord(addr uint32) error {
	if addr%WordSize != 0 {
		return fmt.Errorf("%w: %#x", ErrMisaligned, addr)
	}
	if !s.IsCoherent(addr, WordSize) {
		return fmt.Errorf("%w: %#x", ErrNotCoherent, addr)
	}
	return nil
}

func (s *SRAM) load32(addr uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return binary.LittleEndian.Uint32(s.mem[addr:])
}

func (s *SRAM) store32(addr, v uint32) {
	s.mu.Lock()
	binary.LittleEndian.PutUint32(s.mem[addr:], v)
	s.mu.Unlock()
}

func (s *SRAM) read(dst []byte, addr uint32) {
	s.mu.Lock()
	copy(dst, s.mem[addr:])
	s.mu.Unlock()
}

func (s *SRAM) write(src []byte, addr uint32) {
	s.mu.Lock()
	copy(s.mem[addr:], src)
	s.mu.Unlock()
}
