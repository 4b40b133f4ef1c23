package mailbox

import "errors"

var (
	// ErrQueueFull is returned when the tx ring of a priority has no free slot.
	// Transient: the caller retries later or drops.
	ErrQueueFull = errors.New("mailbox: queue full")
	// ErrRxEmpty marks the end of a drain pass. It is not a failure.
	ErrRxEmpty = errors.New("mailbox: rx empty")
	// ErrAlreadyOpen is returned by Open for a channel that is open.
	ErrAlreadyOpen = errors.New("mailbox: channel already open")
	// ErrNotOpen is returned for operations on a closed channel.
	ErrNotOpen = errors.New("mailbox: channel not open")
	// ErrTooLarge is returned for a message that does not fit in one slot.
	ErrTooLarge = errors.New("mailbox: message larger than slot")
	// ErrInvalidGeometry is returned for ring geometry that cannot be laid out.
	ErrInvalidGeometry = errors.New("mailbox: invalid geometry")
	// ErrNotInitialized is returned when the aux side opens a channel the host
	// has not set up.
	ErrNotInitialized = errors.New("mailbox: channel not initialized by host")
	// ErrGeometryMismatch is returned when both sides disagree on ring geometry.
	ErrGeometryMismatch = errors.New("mailbox: geometry mismatch with peer")
	// ErrFlushTimeout is returned when pending sends were not acknowledged in time.
	ErrFlushTimeout = errors.New("mailbox: flush timed out")
	// ErrCorruptSlot is returned for a slot whose length prefix is out of range.
	// The slot is consumed.
	ErrCorruptSlot = errors.New("mailbox: corrupt slot")
	// ErrInvalidPriority is returned for a priority outside the ring set.
	ErrInvalidPriority = errors.New("mailbox: invalid priority")
)
