package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame header constants per RFC 6455, section 5.2.
const (
	// MaxHeaderSize is 2 bytes base + 8 bytes extended length + 4 bytes mask.
	MaxHeaderSize = 14

	// MaxControlPayload is the payload limit for control frames, section 5.5.
	MaxControlPayload = 125

	// DefaultMaxFrameSize is the frame payload limit used when Codec.MaxFrameSize is zero.
	DefaultMaxFrameSize = 64 << 20

	finalBit = 1 << 7
	rsv1Bit  = 1 << 6
	rsv2Bit  = 1 << 5
	rsv3Bit  = 1 << 4
	maskBit  = 1 << 7

	opcodeMask     = 0x0f
	payloadLenMask = 0x7f
	payloadLen16   = 126
	payloadLen64   = 127
)

// Frame is one unit of the wire format.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
//
// A decoded Frame always holds the unmasked payload; Masked and MaskKey
// record how it travelled.
type Frame struct {
	Fin  bool
	RSV1 bool
	RSV2 bool
	RSV3 bool

	Opcode Opcode

	Masked  bool
	MaskKey [4]byte

	Payload []byte
}

// NewFrame returns an unmasked frame.
func NewFrame(op Opcode, fin bool, payload []byte) Frame {
	return Frame{Fin: fin, Opcode: op, Payload: payload}
}

// Codec parses and serializes frames.
type Codec struct {
	// MaxFrameSize limits the payload length of a single frame.
	// Zero means DefaultMaxFrameSize.
	MaxFrameSize int64
}

func (c *Codec) maxFrameSize() uint64 {
	if c == nil || c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return uint64(c.MaxFrameSize)
}

// Decode parses one frame from the start of buf and returns it with the
// number of bytes consumed. When buf holds only part of a frame, Decode
// returns ErrUnexpectedEOF and consumes nothing. The returned payload does
// not alias buf.
func (c *Codec) Decode(buf []byte) (Frame, int, error) {
	var f Frame

	// Reserved bit diagnostics carry both header bytes.
	if len(buf) < 2 {
		return f, 0, ErrUnexpectedEOF
	}

	b0, b1 := buf[0], buf[1]
	f.Fin = b0&finalBit != 0
	f.RSV1 = b0&rsv1Bit != 0
	f.RSV2 = b0&rsv2Bit != 0
	f.RSV3 = b0&rsv3Bit != 0
	f.Opcode = Opcode(b0 & opcodeMask)
	f.Masked = b1&maskBit != 0
	lenCode := b1 & payloadLenMask

	// No extension is ever negotiated, so every RSV bit is illegal.
	if f.RSV1 || f.RSV2 || f.RSV3 {
		return Frame{}, 0, &ReservedBitsError{
			RSV1:           f.RSV1,
			RSV2:           f.RSV2,
			RSV3:           f.RSV3,
			FirstByte:      b0,
			SecondByte:     b1,
			Fin:            f.Fin,
			Opcode:         byte(f.Opcode),
			Masked:         f.Masked,
			PayloadLenCode: lenCode,
		}
	}

	if !f.Opcode.IsValid() {
		return Frame{}, 0, fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, byte(f.Opcode))
	}

	pos := 2
	length := uint64(lenCode)

	switch lenCode {
	case payloadLen16:
		if len(buf) < pos+2 {
			return Frame{}, 0, ErrUnexpectedEOF
		}
		length = uint64(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
	case payloadLen64:
		if len(buf) < pos+8 {
			return Frame{}, 0, ErrUnexpectedEOF
		}
		length = binary.BigEndian.Uint64(buf[pos:])
		pos += 8
		// The most significant bit must be 0.
		if length&(1<<63) != 0 {
			return Frame{}, 0, fmt.Errorf("%w: 64-bit length has the high bit set", ErrFrameTooLarge)
		}
	}

	if limit := c.maxFrameSize(); length > limit {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, length, limit)
	}

	if f.Masked {
		if len(buf) < pos+4 {
			return Frame{}, 0, ErrUnexpectedEOF
		}
		copy(f.MaskKey[:], buf[pos:pos+4])
		pos += 4
	}

	if uint64(len(buf)-pos) < length {
		return Frame{}, 0, ErrUnexpectedEOF
	}

	end := pos + int(length)
	if length > 0 {
		f.Payload = make([]byte, length)
		copy(f.Payload, buf[pos:end])
		if f.Masked {
			Mask(f.MaskKey, 0, f.Payload)
		}
	}

	return f, end, nil
}

// HeaderSize returns the encoded header length for a payload of n bytes.
func HeaderSize(n int, masked bool) int {
	size := 2
	switch {
	case n > 0xffff:
		size += 8
	case n > MaxControlPayload:
		size += 2
	}
	if masked {
		size += 4
	}
	return size
}

// Encode appends the wire form of f to dst and returns the extended slice.
// When f.Masked is set the payload is masked with f.MaskKey; f.Payload
// itself is left untouched. The shortest length encoding is always used.
func (c *Codec) Encode(dst []byte, f Frame) []byte {
	b0 := byte(f.Opcode) & opcodeMask
	if f.Fin {
		b0 |= finalBit
	}
	if f.RSV1 {
		b0 |= rsv1Bit
	}
	if f.RSV2 {
		b0 |= rsv2Bit
	}
	if f.RSV3 {
		b0 |= rsv3Bit
	}

	var b1 byte
	if f.Masked {
		b1 = maskBit
	}

	n := len(f.Payload)
	switch {
	case n <= MaxControlPayload:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xffff:
		dst = append(dst, b0, b1|payloadLen16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|payloadLen64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if f.Masked {
		dst = append(dst, f.MaskKey[:]...)
	}

	start := len(dst)
	dst = append(dst, f.Payload...)
	if f.Masked {
		Mask(f.MaskKey, 0, dst[start:])
	}
	return dst
}

// EncodeFrame serializes a single frame. A nil mask produces an unmasked
// frame; the caller decides by its role whether a mask is required.
func EncodeFrame(op Opcode, fin bool, payload []byte, mask *[4]byte) []byte {
	f := NewFrame(op, fin, payload)
	if mask != nil {
		f.Masked = true
		f.MaskKey = *mask
	}
	var c Codec
	return c.Encode(make([]byte, 0, HeaderSize(len(payload), f.Masked)+len(payload)), f)
}
