package shm

import "fmt"

// Span is a bounded range of SRAM bound to one core's View.
//
// Writes are staged in the owner's cache until Flush; Publish does both.
// Reads always invalidate first.
type Span struct {
	view *View
	addr uint32
	n    uint32
}

// Addr returns the SRAM address of the span.
func (s Span) Addr() uint32 { return s.addr }

// Len returns the span length in bytes.
func (s Span) Len() uint32 { return s.n }

// IsZero reports whether s is the zero Span.
func (s Span) IsZero() bool { return s.view == nil }

// Sub returns the sub-span [off, off+n).
func (s Span) Sub(off, n uint32) (Span, error) {
	if uint64(off)+uint64(n) > uint64(s.n) {
		return Span{}, fmt.Errorf("%w: sub [%d, +%d) of %d", ErrOutOfBounds, off, n, s.n)
	}
	return Span{view: s.view, addr: s.addr + off, n: n}, nil
}

// Write stages p at offset off. The bytes are not visible to the peer until
// Flush.
func (s Span) Write(off uint32, p []byte) error {
	if uint64(off)+uint64(len(p)) > uint64(s.n) {
		return fmt.Errorf("%w: write [%d, +%d) of %d", ErrOutOfBounds, off, len(p), s.n)
	}
	s.view.write(p, s.addr+off)
	return nil
}

// Flush makes every staged byte of the span visible to the peer.
func (s Span) Flush() {
	s.view.Flush(s.addr, s.n)
}

// Publish writes p at offset 0 and flushes the written range.
func (s Span) Publish(p []byte) error {
	if err := s.Write(0, p); err != nil {
		return err
	}
	s.view.Flush(s.addr, uint32(len(p)))
	return nil
}

// Acquire invalidates the first len(dst) bytes and copies them into dst.
func (s Span) Acquire(dst []byte) error {
	if uint64(len(dst)) > uint64(s.n) {
		return fmt.Errorf("%w: acquire %d of %d", ErrOutOfBounds, len(dst), s.n)
	}
	s.view.Invalidate(s.addr, uint32(len(dst)))
	s.view.read(dst, s.addr)
	return nil
}

// Bytes acquires the whole span into a new slice.
func (s Span) Bytes() []byte {
	out := make([]byte, s.n)
	_ = s.Acquire(out)
	return out
}

// Rebind returns the same range seen through another core's view.
func (s Span) Rebind(v *View) Span {
	return Span{view: v, addr: s.addr, n: s.n}
}
