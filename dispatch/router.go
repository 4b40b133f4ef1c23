// Package dispatch routes typed envelopes over a mailbox channel.
//
// Each message type owns a receive handler (peer side), a sent handler
// (called synchronously after a successful send, for pacing) and a done
// handler (called once the peer has consumed the slot, which is when a lent
// out-of-band buffer may be reused).
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Hi-LinkDuino/RM56-sub005/log"
	"github.com/Hi-LinkDuino/RM56-sub005/mailbox"
	"github.com/Hi-LinkDuino/RM56-sub005/shm"
	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// DefaultMaxOutOfBand bounds the length of a lent buffer.
const DefaultMaxOutOfBand = 64 * 1024

var (
	// ErrInvalidType is returned for a message type outside the handler tables.
	ErrInvalidType = errors.New("dispatch: invalid message type")
	// ErrUnknownType is recorded for received envelopes with no handler.
	ErrUnknownType = errors.New("dispatch: unknown message type")
	// ErrNotAttached is returned by Send before Attach.
	ErrNotAttached = errors.New("dispatch: router not attached to a channel")
	// ErrTooLarge is returned for payloads above the inline or out-of-band limit.
	ErrTooLarge = errors.New("dispatch: payload too large")
)

// Envelope is one message unit.
//
// Ref is a lent out-of-band buffer: the sender must not reuse it before the
// type's done handler runs. On the receiving side Ref is rebound to the
// receiver's view and Payload holds a copy of its bytes.
type Envelope struct {
	Type     types.MessageType
	Priority types.Priority
	Seq      uint32
	Payload  []byte
	Ref      shm.Span
}

// OutOfBand reports whether the payload travels by reference.
func (e *Envelope) OutOfBand() bool {
	return !e.Ref.IsZero()
}

// ReceiveFunc handles an envelope from the peer. It runs in ISR context.
type ReceiveFunc func(env *Envelope)

// SentFunc is called after an envelope was placed in a slot.
type SentFunc func(env *Envelope)

// DoneFunc is called once the peer has consumed the envelope's slot.
type DoneFunc func(env *Envelope)

// Config configures a Router.
type Config struct {
	// View is the local cache domain, used to resolve out-of-band references.
	View *shm.View
	// MaxOutOfBand bounds lent buffers. Defaults to DefaultMaxOutOfBand.
	MaxOutOfBand uint32
	Logger       *log.Logger
}

// Stats is a snapshot of router counters.
type Stats struct {
	Sent         int64
	Received     int64
	Gated        int64
	QueueFull    int64
	Done         int64
	UnknownType  int64
	DecodeErrors int64
	ByType       map[types.MessageType]int64
}

// Router dispatches envelopes by type.
type Router struct {
	view   *shm.View
	maxRef uint32
	logger *log.Logger

	mu   sync.RWMutex // guards the handler tables and ch
	recv [types.MaxMessageTypes]ReceiveFunc
	sent [types.MaxMessageTypes]SentFunc
	done [types.MaxMessageTypes]DoneFunc
	ch   *mailbox.Channel

	gate atomic.Bool
	seq  atomic.Uint32

	sendMu     [types.NumPriorities]sync.Mutex // keeps inflight order equal to slot order
	inflightMu sync.Mutex
	inflight   [types.NumPriorities][]*Envelope

	statsMu sync.Mutex
	stats   Stats
}

// NewRouter creates a router with empty handler tables.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.View == nil {
		return nil, errors.New("dispatch: view is required")
	}
	if cfg.MaxOutOfBand == 0 {
		cfg.MaxOutOfBand = DefaultMaxOutOfBand
	}
	return &Router{
		view:   cfg.View,
		maxRef: cfg.MaxOutOfBand,
		logger: cfg.Logger.Named("dispatch"),
		stats:  Stats{ByType: make(map[types.MessageType]int64)},
	}, nil
}

// Register installs the receive handler of t, replacing any previous one.
// A nil fn removes it.
func (r *Router) Register(t types.MessageType, fn ReceiveFunc) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidType, t)
	}
	r.mu.Lock()
	r.recv[t] = fn
	r.mu.Unlock()
	return nil
}

// RegisterSent installs the sent handler of t.
func (r *Router) RegisterSent(t types.MessageType, fn SentFunc) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidType, t)
	}
	r.mu.Lock()
	r.sent[t] = fn
	r.mu.Unlock()
	return nil
}

// RegisterDone installs the done handler of t.
func (r *Router) RegisterDone(t types.MessageType, fn DoneFunc) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidType, t)
	}
	r.mu.Lock()
	r.done[t] = fn
	r.mu.Unlock()
	return nil
}

// Handlers returns the mailbox handlers to open the router's channel with.
func (r *Router) Handlers() mailbox.Handlers {
	return mailbox.Handlers{
		Receive: r.OnReceive,
		TxDone:  r.onTxDone,
	}
}

// Attach binds the router to an open channel.
func (r *Router) Attach(ch *mailbox.Channel) {
	r.mu.Lock()
	r.ch = ch
	r.mu.Unlock()
}

// Detach unbinds the channel. Envelopes still in flight never see their
// done handler.
func (r *Router) Detach() {
	r.mu.Lock()
	r.ch = nil
	r.mu.Unlock()

	r.inflightMu.Lock()
	for p := range r.inflight {
		r.inflight[p] = nil
	}
	r.inflightMu.Unlock()
}

// Channel returns the attached channel, or nil.
func (r *Router) Channel() *mailbox.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ch
}

// SetGate suppresses (true) or re-enables (false) all sends. While gated
// Send succeeds without sending.
func (r *Router) SetGate(closed bool) {
	r.gate.Store(closed)
}

// Gated reports whether sends are suppressed.
func (r *Router) Gated() bool {
	return r.gate.Load()
}

// Send flushes env's out-of-band range, places the envelope in a slot and
// runs the type's sent handler. ErrQueueFull is returned as is.
func (r *Router) Send(env *Envelope) error {
	if !env.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidType, env.Type)
	}
	if !env.Priority.Valid() {
		return fmt.Errorf("%w: %d", mailbox.ErrInvalidPriority, env.Priority)
	}
	if r.gate.Load() {
		r.count(func(s *Stats) { s.Gated++ })
		return nil
	}

	r.mu.RLock()
	ch := r.ch
	sent := r.sent[env.Type]
	r.mu.RUnlock()
	if ch == nil {
		return ErrNotAttached
	}

	h := Header{Type: env.Type, Priority: env.Priority, OutOfBand: env.OutOfBand()}
	var frame []byte
	if h.OutOfBand {
		if env.Ref.Len() > r.maxRef {
			return fmt.Errorf("%w: out-of-band %d > %d", ErrTooLarge, env.Ref.Len(), r.maxRef)
		}
		h.Length = env.Ref.Len()
		env.Ref.Flush()
	} else {
		if limit := ch.Geometry().MaxMessage() - HeaderSize; len(env.Payload) > limit {
			return fmt.Errorf("%w: inline %d > %d", ErrTooLarge, len(env.Payload), limit)
		}
		h.Length = uint32(len(env.Payload))
	}

	p := env.Priority
	r.sendMu[p].Lock()
	env.Seq = r.seq.Add(1)
	h.Seq = env.Seq
	frame = AppendFrame(make([]byte, 0, HeaderSize+len(env.Payload)+RefSize), h, env.Payload, env.Ref.Addr())

	r.inflightMu.Lock()
	r.inflight[p] = append(r.inflight[p], env)
	r.inflightMu.Unlock()

	err := ch.Send(p, frame)
	if err != nil {
		r.inflightMu.Lock()
		r.inflight[p] = r.inflight[p][:len(r.inflight[p])-1]
		r.inflightMu.Unlock()
	}
	r.sendMu[p].Unlock()

	if err != nil {
		if errors.Is(err, mailbox.ErrQueueFull) {
			r.count(func(s *Stats) { s.QueueFull++ })
		}
		return err
	}

	r.count(func(s *Stats) { s.Sent++ })
	if sent != nil {
		sent(env)
	}
	return nil
}

// SendBytes sends p inline.
func (r *Router) SendBytes(t types.MessageType, p types.Priority, payload []byte) error {
	return r.Send(&Envelope{Type: t, Priority: p, Payload: payload})
}

// SendValue msgpack-encodes v and sends it inline.
func (r *Router) SendValue(t types.MessageType, p types.Priority, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("dispatch: encode %s: %w", t, err)
	}
	return r.SendBytes(t, p, payload)
}

// DecodeValue decodes a control value sent with SendValue.
func DecodeValue(env *Envelope, v any) error {
	if err := msgpack.Unmarshal(env.Payload, v); err != nil {
		return &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("failed to decode %s payload", env.Type),
			Err:  err,
		}
	}
	return nil
}

// OnReceive drains ch, high priority first, and dispatches every envelope.
// It is the channel's receive handler.
func (r *Router) OnReceive(ch *mailbox.Channel) {
	for {
		_, msg, err := ch.Receive()
		if errors.Is(err, mailbox.ErrRxEmpty) || errors.Is(err, mailbox.ErrNotOpen) {
			return
		}
		if err != nil {
			r.decodeError(err)
			continue
		}
		env, err := r.decode(msg)
		if err != nil {
			r.decodeError(err)
			continue
		}
		r.deliver(env)
	}
}

func (r *Router) decode(msg []byte) (*Envelope, error) {
	h, body, ref, err := DecodeFrame(msg, r.maxRef)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Type: h.Type, Priority: h.Priority, Seq: h.Seq}
	if !h.OutOfBand {
		env.Payload = body
		return env, nil
	}
	span, err := r.view.Span(ref, h.Length)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorBadReference,
			Msg:  fmt.Sprintf("out-of-band reference %#x+%d", ref, h.Length),
			Err:  err,
		}
	}
	env.Ref = span
	env.Payload = span.Bytes()
	return env, nil
}

func (r *Router) deliver(env *Envelope) {
	var fn ReceiveFunc
	if env.Type.Valid() {
		r.mu.RLock()
		fn = r.recv[env.Type]
		r.mu.RUnlock()
	}
	if fn == nil {
		r.count(func(s *Stats) { s.UnknownType++ })
		r.logger.Debug("dropped envelope", map[string]any{
			"type":  uint8(env.Type),
			"seq":   env.Seq,
			"error": ErrUnknownType.Error(),
		})
		return
	}
	r.count(func(s *Stats) {
		s.Received++
		s.ByType[env.Type]++
	})
	fn(env)
}

func (r *Router) decodeError(err error) {
	r.count(func(s *Stats) { s.DecodeErrors++ })
	r.logger.Warn("undecodable envelope", map[string]any{"error": err.Error()})
}

// onTxDone releases the oldest n in-flight envelopes of priority p.
func (r *Router) onTxDone(_ *mailbox.Channel, p types.Priority, n int) {
	r.inflightMu.Lock()
	q := r.inflight[p]
	if n > len(q) {
		n = len(q)
	}
	released := q[:n:n]
	r.inflight[p] = q[n:]
	r.inflightMu.Unlock()

	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()

	for _, env := range released {
		if fn := done[env.Type]; fn != nil {
			fn(env)
		}
	}
	r.count(func(s *Stats) { s.Done += int64(len(released)) })
}

// InFlight returns the number of sent envelopes the peer has not consumed.
func (r *Router) InFlight() int {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	total := 0
	for _, q := range r.inflight {
		total += len(q)
	}
	return total
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s := r.stats
	s.ByType = make(map[types.MessageType]int64, len(r.stats.ByType))
	for k, v := range r.stats.ByType {
		s.ByType[k] = v
	}
	return s
}

func (r *Router) count(fn func(*Stats)) {
	r.statsMu.Lock()
	fn(&r.stats)
	r.statsMu.Unlock()
}
