// Package mailbox implements the interrupt-signaled mailbox: fixed-capacity
// per-priority slot rings in shared memory, signaled by one interrupt line per
// direction.
//
// Every ring is single-producer/single-consumer by construction. The producer
// writes only the ring's write index and the consumer only its read index;
// both live in the coherent region. Slot contents live in cached memory and
// are moved with shm.Span, which flushes on publish and invalidates on read.
package mailbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Hi-LinkDuino/RM56-sub005/hal"
	"github.com/Hi-LinkDuino/RM56-sub005/log"
	"github.com/Hi-LinkDuino/RM56-sub005/shm"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// DefaultPollStep is the sleep between polls of a bounded flush.
const DefaultPollStep = time.Millisecond

// Config places an endpoint in shared memory. Both sides must use the same
// bases and strides.
type Config struct {
	Side Side
	Core hal.Core
	View *shm.View
	// Clock paces bounded flushes. Defaults to hal.SystemClock.
	Clock hal.Clock
	// CtrlBase is the coherent address of channel 0's control block.
	CtrlBase uint32
	// DataBase is the cached address of channel 0's slot area.
	DataBase uint32
	// DataStride is the slot area reserved per channel.
	DataStride uint32
	// PollStep is the sleep between flush polls.
	PollStep time.Duration
	// Logger is optional.
	Logger *log.Logger
}

// Handlers are installed per channel at open. Both run in the core's ISR
// context.
type Handlers struct {
	// Receive is called when an interrupt finds incoming messages. It is
	// expected to drain the channel.
	Receive func(ch *Channel)
	// TxDone is called with the number of sends at priority p the peer has
	// consumed since the last call, in send order.
	TxDone func(ch *Channel, p types.Priority, n int)
}

// Endpoint is one core's side of the mailbox.
type Endpoint struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex // guards channels and retired
	channels [MaxChannels]*Channel
	retired  Stats
}

// NewEndpoint validates cfg and returns an endpoint with no open channel.
// Install HandleInterrupt as the core's ISR to receive.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	if cfg.Core == nil || cfg.View == nil {
		return nil, errors.New("mailbox: core and view are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = hal.SystemClock{}
	}
	if cfg.PollStep <= 0 {
		cfg.PollStep = DefaultPollStep
	}
	sram := cfg.View.SRAM()
	if !sram.IsCoherent(cfg.CtrlBase, MaxChannels*CtrlSize) {
		return nil, fmt.Errorf("mailbox: control blocks at %#x do not fit the coherent region", cfg.CtrlBase)
	}
	if _, err := cfg.View.Span(cfg.DataBase, MaxChannels*cfg.DataStride); err != nil {
		return nil, fmt.Errorf("mailbox: slot area: %w", err)
	}
	return &Endpoint{cfg: cfg, logger: cfg.Logger.Named("mailbox")}, nil
}

// Side returns the core this endpoint serves.
func (e *Endpoint) Side() Side {
	return e.cfg.Side
}

// Open configures the ring geometry of channel id and installs its handlers.
//
// On the host side Open initializes the shared control block; on the aux
// side it checks the block against the mirrored geometry.
func (e *Endpoint) Open(id ChannelID, geo Geometry, h Handlers) (*Channel, error) {
	if id >= MaxChannels {
		return nil, fmt.Errorf("mailbox: channel %d out of range", id)
	}
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if geo.DataSize() > e.cfg.DataStride {
		return nil, fmt.Errorf("%w: needs %d bytes of slots, stride is %d",
			ErrInvalidGeometry, geo.DataSize(), e.cfg.DataStride)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.channels[id] != nil {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyOpen, id)
	}

	ch, err := newChannel(e, id, geo, h)
	if err != nil {
		return nil, err
	}

	if e.cfg.Side == SideHost {
		err = ch.initShared()
	} else {
		err = ch.checkShared()
	}
	if err != nil {
		return nil, err
	}

	e.channels[id] = ch
	e.logger.Info("channel opened", map[string]any{
		"channel":   id,
		"side":      e.cfg.Side.String(),
		"tx":        geo.TX,
		"rx":        geo.RX,
		"slot_size": geo.SlotSize,
	})
	return ch, nil
}

// Channel returns the open channel id, or nil.
func (e *Endpoint) Channel(id ChannelID) *Channel {
	if id >= MaxChannels {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[id]
}

// Flush waits until every send on channel id is acknowledged, or timeout.
func (e *Endpoint) Flush(id ChannelID, timeout time.Duration) error {
	ch := e.Channel(id)
	if ch == nil {
		return fmt.Errorf("%w: %d", ErrNotOpen, id)
	}
	return ch.Flush(timeout)
}

// HandleInterrupt is the endpoint's interrupt service routine.
func (e *Endpoint) HandleInterrupt() {
	e.cfg.Core.ClearLocal()

	e.mu.Lock()
	open := make([]*Channel, 0, MaxChannels)
	for _, ch := range e.channels {
		if ch != nil {
			open = append(open, ch)
		}
	}
	e.mu.Unlock()

	for _, ch := range open {
		ch.serviceTxDone()
		if ch.rxPending() && ch.handlers.Receive != nil {
			ch.handlers.Receive(ch)
		}
	}
}

func (e *Endpoint) release(ch *Channel) {
	st := ch.Stats()
	e.mu.Lock()
	if e.channels[ch.id] == ch {
		e.channels[ch.id] = nil
	}
	e.retired.add(st)
	e.mu.Unlock()
}

// Stats sums the counters of every channel this endpoint has opened,
// closed ones included.
func (e *Endpoint) Stats() Stats {
	e.mu.Lock()
	total := e.retired
	open := e.channels
	e.mu.Unlock()
	for _, ch := range open {
		if ch != nil {
			total.add(ch.Stats())
		}
	}
	return total
}

func (e *Endpoint) ctrlAddr(id ChannelID) uint32 {
	return e.cfg.CtrlBase + uint32(id)*CtrlSize
}

func (e *Endpoint) dataAddr(id ChannelID) uint32 {
	return e.cfg.DataBase + uint32(id)*e.cfg.DataStride
}
