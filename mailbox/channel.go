package mailbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/hal"
	"github.com/Hi-LinkDuino/RM56-sub005/shm"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// Stats is a snapshot of channel counters, indexed by priority.
type Stats struct {
	Sent     [types.NumPriorities]int64
	Received [types.NumPriorities]int64
	TxFull   [types.NumPriorities]int64
	TxDone   [types.NumPriorities]int64
	Corrupt  [types.NumPriorities]int64
}

func (s *Stats) add(o Stats) {
	for p := range types.NumPriorities {
		s.Sent[p] += o.Sent[p]
		s.Received[p] += o.Received[p]
		s.TxFull[p] += o.TxFull[p]
		s.TxDone[p] += o.TxDone[p]
		s.Corrupt[p] += o.Corrupt[p]
	}
}

// ring is one priority ring of one direction.
type ring struct {
	writeIdx uint32 // coherent address
	readIdx  uint32 // coherent address
	slots    shm.Span
	n        uint32
	slotSize uint32
}

func (r *ring) slot(idx uint32) shm.Span {
	s, _ := r.slots.Sub((idx%r.n)*r.slotSize, r.slotSize)
	return s
}

// Channel is an open mailbox channel. All methods are safe for concurrent
// use from the owning core's threads and ISR.
type Channel struct {
	ep       *Endpoint
	id       ChannelID
	geo      Geometry
	handlers Handlers
	core     hal.Core
	view     *shm.View
	ctrl     uint32

	tx [types.NumPriorities]ring
	rx [types.NumPriorities]ring

	// Guarded by core.IntLock.
	closed   bool
	acked    [types.NumPriorities]uint32 // last peer read index seen on tx
	snap     [types.NumPriorities]uint32 // peer write index at drain start
	cursor   [types.NumPriorities]uint32 // local read index
	consumed bool                        // slots freed since the last ack raise
	stats    Stats
}

func newChannel(e *Endpoint, id ChannelID, geo Geometry, h Handlers) (*Channel, error) {
	ch := &Channel{
		ep:       e,
		id:       id,
		geo:      geo,
		handlers: h,
		core:     e.cfg.Core,
		view:     e.cfg.View,
		ctrl:     e.ctrlAddr(id),
	}

	counts := geo.counts(e.cfg.Side)
	txDir, rxDir := hostToAux, auxToHost
	if e.cfg.Side == SideAux {
		txDir, rxDir = auxToHost, hostToAux
	}

	data := e.dataAddr(id)
	slotSize := uint32(geo.SlotSize)
	build := func(d direction, p types.Priority) (ring, error) {
		n := uint32(counts[d][p])
		span, err := ch.view.Span(data+ringOffset(counts, geo.SlotSize, d, p), n*slotSize)
		if err != nil {
			return ring{}, err
		}
		return ring{
			writeIdx: indexAddr(ch.ctrl, d, p, false),
			readIdx:  indexAddr(ch.ctrl, d, p, true),
			slots:    span,
			n:        n,
			slotSize: slotSize,
		}, nil
	}

	for _, p := range types.Priorities {
		var err error
		if ch.tx[p], err = build(txDir, p); err != nil {
			return nil, err
		}
		if ch.rx[p], err = build(rxDir, p); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// ID returns the channel id.
func (c *Channel) ID() ChannelID { return c.id }

// Geometry returns the geometry the channel was opened with.
func (c *Channel) Geometry() Geometry { return c.geo }

func (c *Channel) load(addr uint32) uint32 {
	v, err := c.view.Load32(addr)
	if err != nil {
		// Addresses are validated at NewEndpoint.
		panic(err)
	}
	return v
}

func (c *Channel) store(addr, v uint32) {
	if err := c.view.Store32(addr, v); err != nil {
		panic(err)
	}
}

// initShared resets the control block and publishes it with the magic word last.
func (c *Channel) initShared() error {
	c.store(c.ctrl+ctrlMagic, 0)
	for _, p := range types.Priorities {
		for _, r := range []ring{c.tx[p], c.rx[p]} {
			c.store(r.writeIdx, 0)
			c.store(r.readIdx, 0)
		}
	}
	c.store(c.ctrl+ctrlGeometry, packCounts(c.geo.counts(SideHost)))
	c.store(c.ctrl+ctrlSlotSize, uint32(c.geo.SlotSize))
	c.store(c.ctrl+ctrlMagic, channelMagic)
	return nil
}

// checkShared validates the host's control block and adopts its indices.
func (c *Channel) checkShared() error {
	if c.load(c.ctrl+ctrlMagic) != channelMagic {
		return fmt.Errorf("%w: channel %d", ErrNotInitialized, c.id)
	}
	if c.load(c.ctrl+ctrlGeometry) != packCounts(c.geo.counts(SideAux)) ||
		c.load(c.ctrl+ctrlSlotSize) != uint32(c.geo.SlotSize) {
		return fmt.Errorf("%w: channel %d", ErrGeometryMismatch, c.id)
	}
	for _, p := range types.Priorities {
		c.acked[p] = c.load(c.tx[p].readIdx)
		c.cursor[p] = c.load(c.rx[p].readIdx)
		c.snap[p] = c.cursor[p]
	}
	return nil
}

// Send copies msg into a free tx slot of priority p and raises the peer
// interrupt. It never blocks: a full ring returns ErrQueueFull and leaves
// earlier slots untouched.
func (c *Channel) Send(p types.Priority, msg []byte) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, p)
	}
	if len(msg) > c.geo.MaxMessage() {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(msg), c.geo.MaxMessage())
	}

	r := &c.tx[p]

	restore := c.core.IntLock()
	if c.closed {
		restore()
		return ErrNotOpen
	}
	w := c.load(r.writeIdx)
	if w-c.load(r.readIdx) >= r.n {
		c.stats.TxFull[p]++
		restore()
		return ErrQueueFull
	}

	buf := make([]byte, LengthPrefixSize+len(msg))
	binary.LittleEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[LengthPrefixSize:], msg)
	if err := r.slot(w).Publish(buf); err != nil {
		restore()
		return err
	}
	c.store(r.writeIdx, w+1)
	c.stats.Sent[p]++
	restore()

	c.core.RaisePeer()
	return nil
}

// ReceiveFirst starts a drain pass over priority p and returns its oldest
// message. Messages the peer sends after this call wait for the next pass.
func (c *Channel) ReceiveFirst(p types.Priority) ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, p)
	}
	restore := c.core.IntLock()
	c.snap[p] = c.load(c.rx[p].writeIdx)
	restore()
	return c.ReceiveNext(p)
}

// ReceiveNext returns the next message of the current drain pass, or
// ErrRxEmpty once the pass is exhausted.
func (c *Channel) ReceiveNext(p types.Priority) ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, p)
	}

	r := &c.rx[p]

	restore := c.core.IntLock()
	if c.closed {
		restore()
		return nil, ErrNotOpen
	}
	if c.cursor[p] == c.snap[p] {
		ack := c.consumed
		c.consumed = false
		restore()
		if ack {
			c.core.RaisePeer()
		}
		return nil, ErrRxEmpty
	}

	idx := c.cursor[p]
	slot := r.slot(idx)
	var prefix [LengthPrefixSize]byte
	_ = slot.Acquire(prefix[:])
	n := binary.LittleEndian.Uint32(prefix[:])

	var msg []byte
	var err error
	if n > uint32(c.geo.MaxMessage()) {
		c.stats.Corrupt[p]++
		err = fmt.Errorf("%w: length %d at slot %d", ErrCorruptSlot, n, idx%r.n)
	} else {
		buf := make([]byte, LengthPrefixSize+n)
		_ = slot.Acquire(buf)
		msg = buf[LengthPrefixSize:]
		c.stats.Received[p]++
	}

	c.cursor[p] = idx + 1
	c.store(r.readIdx, idx+1)
	c.consumed = true
	restore()

	return msg, err
}

// Receive returns the oldest message of the highest non-empty priority.
// HIGH is always drained before NORMAL.
func (c *Channel) Receive() (types.Priority, []byte, error) {
	for _, p := range types.Priorities {
		msg, err := c.ReceiveFirst(p)
		if errors.Is(err, ErrRxEmpty) {
			continue
		}
		return p, msg, err
	}
	return 0, nil, ErrRxEmpty
}

// rxPending reports whether any rx ring holds unread slots.
func (c *Channel) rxPending() bool {
	restore := c.core.IntLock()
	defer restore()
	if c.closed {
		return false
	}
	for _, p := range types.Priorities {
		if c.load(c.rx[p].writeIdx) != c.cursor[p] {
			return true
		}
	}
	return false
}

// serviceTxDone reports slots the peer has consumed since the last call.
func (c *Channel) serviceTxDone() {
	var done [types.NumPriorities]int

	restore := c.core.IntLock()
	if c.closed {
		restore()
		return
	}
	for _, p := range types.Priorities {
		r := c.load(c.tx[p].readIdx)
		if n := r - c.acked[p]; n != 0 {
			done[p] = int(n)
			c.acked[p] = r
			c.stats.TxDone[p] += int64(n)
		}
	}
	restore()

	if c.handlers.TxDone == nil {
		return
	}
	for _, p := range types.Priorities {
		if done[p] > 0 {
			c.handlers.TxDone(c, p, done[p])
		}
	}
}

// Pending returns the number of sends at priority p the peer has not consumed.
func (c *Channel) Pending(p types.Priority) int {
	return int(c.load(c.tx[p].writeIdx) - c.load(c.tx[p].readIdx))
}

// Flush polls until every send has been consumed by the peer. It gives up
// after timeout with ErrFlushTimeout.
func (c *Channel) Flush(timeout time.Duration) error {
	drained := func() bool {
		for _, p := range types.Priorities {
			if c.Pending(p) != 0 {
				return false
			}
		}
		return true
	}
	if !hal.NewDeadline(c.ep.cfg.Clock, timeout).Poll(c.ep.cfg.PollStep, drained) {
		return fmt.Errorf("%w: channel %d after %s", ErrFlushTimeout, c.id, timeout)
	}
	// Deliver the completions the flush observed.
	c.serviceTxDone()
	return nil
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	restore := c.core.IntLock()
	defer restore()
	return c.stats
}

// Close detaches the channel. On the host side the control block is
// invalidated so a stale aux image cannot attach.
func (c *Channel) Close() error {
	restore := c.core.IntLock()
	if c.closed {
		restore()
		return nil
	}
	c.closed = true
	restore()

	if c.ep.cfg.Side == SideHost {
		c.store(c.ctrl+ctrlMagic, 0)
	}
	c.ep.release(c)
	c.ep.logger.Info("channel closed", map[string]any{"channel": c.id, "side": c.ep.cfg.Side.String()})
	return nil
}
