package shm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrArenaExhausted is returned when an allocation does not fit.
var ErrArenaExhausted = errors.New("shm: arena exhausted")

// Arena carves SRAM into fixed regions at init. Both cores must be given
// the addresses it hands out; nothing is ever freed.
type Arena struct {
	mu           sync.Mutex
	coherentNext uint32
	coherentEnd  uint32
	next         uint32
	end          uint32
}

// NewArena returns an arena over the whole of s.
func NewArena(s *SRAM) *Arena {
	return &Arena{
		coherentEnd: s.coherent,
		next:        s.coherent,
		end:         uint32(len(s.mem)),
	}
}

// AllocCoherent reserves n bytes of the coherent region, word aligned.
func (a *Arena) AllocCoherent(n uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr, next, err := bump(a.coherentNext, a.coherentEnd, n, WordSize)
	if err != nil {
		return 0, fmt.Errorf("coherent: %w", err)
	}
	a.coherentNext = next
	return addr, nil
}

// Alloc reserves n bytes of cached memory aligned to align bytes.
func (a *Arena) Alloc(n, align uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr, next, err := bump(a.next, a.end, n, align)
	if err != nil {
		return 0, err
	}
	a.next = next
	return addr, nil
}

// Remaining reports free coherent and cached bytes.
func (a *Arena) Remaining() (coherent, cached uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coherentEnd - a.coherentNext, a.end - a.next
}

func bump(next, end, n, align uint32) (addr, newNext uint32, err error) {
	if align == 0 {
		align = 1
	}
	addr = (next + align - 1) / align * align
	if uint64(addr)+uint64(n) > uint64(end) {
		return 0, 0, fmt.Errorf("%w: need %d bytes, %d left", ErrArenaExhausted, n, end-min(addr, end))
	}
	return addr, addr + n, nil
}
