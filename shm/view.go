package shm

import (
	"fmt"
	"sync"
)

// View is one core's cache domain over SRAM. It implements hal.Cache.
//
// The zero value is not usable; obtain one from SRAM.NewView.
type View struct {
	sram *SRAM
	name string

	mu    sync.Mutex // guards cache; the core's thread and ISR share the view
	cache []byte

	flushes       uint64
	invalidations uint64
}

// NewView returns a cold cache domain over s.
func (s *SRAM) NewView(name string) *View {
	v := &View{sram: s, name: name, cache: make([]byte, len(s.mem))}
	s.read(v.cache, 0)
	return v
}

// Name returns the owning core's name.
func (v *View) Name() string {
	return v.name
}

// SRAM returns the memory behind the view.
func (v *View) SRAM() *SRAM {
	return v.sram
}

// Flush writes the cached bytes of [addr, addr+n) back to SRAM.
// Coherent and out-of-range bytes are ignored.
func (v *View) Flush(addr, n uint32) {
	lo, hi, ok := v.cachedRange(addr, n)
	if !ok {
		return
	}
	v.mu.Lock()
	v.sram.write(v.cache[lo:hi], lo)
	v.flushes++
	v.mu.Unlock()
}

// Invalidate discards the cached bytes of [addr, addr+n) and refetches them.
// Coherent and out-of-range bytes are ignored.
func (v *View) Invalidate(addr, n uint32) {
	lo, hi, ok := v.cachedRange(addr, n)
	if !ok {
		return
	}
	v.mu.Lock()
	v.sram.read(v.cache[lo:hi], lo)
	v.invalidations++
	v.mu.Unlock()
}

// cachedRange clips [addr, addr+n) to the non-coherent part of SRAM.
func (v *View) cachedRange(addr, n uint32) (lo, hi uint32, ok bool) {
	end := uint64(addr) + uint64(n)
	if end > uint64(len(v.sram.mem)) {
		end = uint64(len(v.sram.mem))
	}
	lo = max(addr, v.sram.coherent)
	if uint64(lo) >= end {
		return 0, 0, false
	}
	return lo, uint32(end), true
}

// Load32 atomically loads a word from the coherent region.
func (v *View) Load32(addr uint32) (uint32, error) {
	if err := v.sram.checkWord(addr); err != nil {
		return 0, err
	}
	return v.sram.load32(addr), nil
}

// Store32 atomically stores a word into the coherent region.
func (v *View) Store32(addr, val uint32) error {
	if err := v.sram.checkWord(addr); err != nil {
		return err
	}
	v.sram.store32(addr, val)
	return nil
}

// Span returns the capability over [addr, addr+n).
func (v *View) Span(addr, n uint32) (Span, error) {
	if err := v.sram.check(addr, n); err != nil {
		return Span{}, err
	}
	return Span{view: v, addr: addr, n: n}, nil
}

// Stats reports cache maintenance counts.
func (v *View) Stats() (flushes, invalidations uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flushes, v.invalidations
}

// write stores p at addr through the cache (or straight to SRAM when coherent).
func (v *View) write(p []byte, addr uint32) {
	if v.sram.IsCoherent(addr, uint32(len(p))) {
		v.sram.write(p, addr)
		return
	}
	v.mu.Lock()
	copy(v.cache[addr:], p)
	v.mu.Unlock()
	// A range straddling the boundary keeps its coherent head in SRAM.
	if addr < v.sram.coherent {
		v.sram.write(p[:v.sram.coherent-addr], addr)
	}
}

// read loads len(dst) bytes at addr through the cache.
func (v *View) read(dst []byte, addr uint32) {
	if v.sram.IsCoherent(addr, uint32(len(dst))) {
		v.sram.read(dst, addr)
		return
	}
	v.mu.Lock()
	copy(dst, v.cache[addr:])
	v.mu.Unlock()
	if addr < v.sram.coherent {
		v.sram.read(dst[:v.sram.coherent-addr], addr)
	}
}

func (v *View) String() string {
	return fmt.Sprintf("view(%s)", v.name)
}
