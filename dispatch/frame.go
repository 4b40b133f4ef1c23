package dispatch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Hi-LinkDuino/RM56-sub005/types"
)

// HeaderSize is the size of the envelope header on the wire.
//
// Layout (little endian):
//
//	0  type    u8
//	1  flags   u8   bit 0 normal priority, bit 1 out-of-band payload
//	2  wire    u8   envelope layout version
//	3  reserved
//	4  seq     u32
//	8  length  u32  payload length
//
// An inline payload follows the header. An out-of-band frame carries the
// 4-byte SRAM address of the lent buffer instead.
const HeaderSize = 12

// RefSize is the size of an out-of-band reference.
const RefSize = 4

const (
	flagNormal    = 1 << 0
	flagOutOfBand = 1 << 1
	flagMask      = flagNormal | flagOutOfBand
)

// Header is the decoded envelope header.
type Header struct {
	Type      types.MessageType
	Priority  types.Priority
	OutOfBand bool
	Seq       uint32
	Length    uint32
}

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a slot shorter than its header claims.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a payload above the configured limit.
	FrameErrorTooLarge
	// FrameErrorBadReference indicates an out-of-band address outside SRAM.
	FrameErrorBadReference
	// FrameErrorVersion indicates a header written by another layout version.
	FrameErrorVersion
	// FrameErrorDecode indicates a msgpack decoding error of a control value.
	FrameErrorDecode
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorPartial:
		return "partial"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorBadReference:
		return "bad_reference"
	case FrameErrorVersion:
		return "version"
	case FrameErrorDecode:
		return "decode"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FrameError represents an envelope decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFrameError reports whether err is a *FrameError of kind k.
func IsFrameError(err error, k FrameErrorKind) bool {
	var fe *FrameError
	return errors.As(err, &fe) && fe.Kind == k
}

// AppendFrame appends the encoded header and body to dst. For an
// out-of-band frame body must be nil and ref is the lent buffer address.
func AppendFrame(dst []byte, h Header, body []byte, ref uint32) []byte {
	var hdr [HeaderSize]byte
	hdr[0] = byte(h.Type)
	if h.Priority == types.PriorityNormal {
		hdr[1] |= flagNormal
	}
	if h.OutOfBand {
		hdr[1] |= flagOutOfBand
	}
	hdr[2] = types.WireVersion
	binary.LittleEndian.PutUint32(hdr[4:], h.Seq)
	binary.LittleEndian.PutUint32(hdr[8:], h.Length)

	dst = append(dst, hdr[:]...)
	if h.OutOfBand {
		return binary.LittleEndian.AppendUint32(dst, ref)
	}
	return append(dst, body...)
}

// DecodeFrame decodes one slot. It returns the inline body (aliasing b) or
// the out-of-band reference. maxPayload bounds the declared length.
func DecodeFrame(b []byte, maxPayload uint32) (Header, []byte, uint32, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, 0, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  fmt.Sprintf("frame of %d bytes is shorter than the header", len(b)),
		}
	}
	if b[2] != types.WireVersion {
		return Header{}, nil, 0, &FrameError{
			Kind: FrameErrorVersion,
			Msg:  fmt.Sprintf("wire version %d, want %d", b[2], types.WireVersion),
		}
	}
	if b[1]&^flagMask != 0 {
		return Header{}, nil, 0, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  fmt.Sprintf("unknown flags %#x", b[1]),
		}
	}

	h := Header{
		Type:      types.MessageType(b[0]),
		Priority:  types.PriorityHigh,
		OutOfBand: b[1]&flagOutOfBand != 0,
		Seq:       binary.LittleEndian.Uint32(b[4:]),
		Length:    binary.LittleEndian.Uint32(b[8:]),
	}
	if b[1]&flagNormal != 0 {
		h.Priority = types.PriorityNormal
	}

	if h.Length > maxPayload {
		return h, nil, 0, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload length %d exceeds maximum %d", h.Length, maxPayload),
		}
	}

	rest := b[HeaderSize:]
	if h.OutOfBand {
		if len(rest) != RefSize {
			return h, nil, 0, &FrameError{
				Kind: FrameErrorPartial,
				Msg:  fmt.Sprintf("out-of-band frame carries %d reference bytes", len(rest)),
			}
		}
		return h, nil, binary.LittleEndian.Uint32(rest), nil
	}
	if uint32(len(rest)) != h.Length {
		return h, nil, 0, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  fmt.Sprintf("inline payload is %d bytes, header says %d", len(rest), h.Length),
		}
	}
	return h, rest, 0, nil
}
