package protocol

import "fmt"

// MessageType is the kind of a reassembled data message.
type MessageType int

// Message types, numbered after their opcodes.
const (
	TextMessage   MessageType = MessageType(OpText)
	BinaryMessage MessageType = MessageType(OpBinary)
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is a complete application message.
type Message struct {
	Type MessageType
	Data []byte
}

// Text returns the payload as a string.
func (m *Message) Text() string {
	return string(m.Data)
}

// Reassembler joins fragmented data frames into messages, RFC 6455,
// section 5.4. Control frames interleaved with fragments never reach it.
type Reassembler struct {
	// MaxMessageSize limits the total payload of one message across all of
	// its fragments. Zero means unlimited.
	MaxMessageSize int64

	active bool
	opcode Opcode
	buf    []byte
	utf8   UTF8Validator
}

// Active reports whether a fragmented message is in progress.
func (r *Reassembler) Active() bool {
	return r.active
}

// Reset discards any partial message.
func (r *Reassembler) Reset() {
	r.active = false
	r.opcode = OpContinuation
	r.buf = nil
	r.utf8.Reset()
}

// Push consumes one data frame. It returns the completed message, or nil
// while more fragments are expected. Every error except a misrouted control
// frame resets the reassembler.
func (r *Reassembler) Push(f *Frame) (*Message, error) {
	if f.Opcode.IsControl() {
		return nil, fmt.Errorf("%w: %s frame passed to reassembler", ErrInvalidOpcode, f.Opcode)
	}

	msg, err := r.push(f)
	if err != nil {
		r.Reset()
		return nil, err
	}
	return msg, nil
}

func (r *Reassembler) push(f *Frame) (*Message, error) {
	switch f.Opcode {
	case OpText, OpBinary:
		if r.active {
			return nil, fmt.Errorf("%w: %s frame while a %s message is in progress", ErrInvalidFragment, f.Opcode, r.opcode)
		}
		if err := r.checkSize(len(f.Payload)); err != nil {
			return nil, err
		}

		if f.Fin {
			if f.Opcode == OpText && !ValidUTF8(f.Payload) {
				return nil, ErrInvalidUTF8
			}
			return &Message{Type: MessageType(f.Opcode), Data: nonNil(f.Payload)}, nil
		}

		if f.Opcode == OpText {
			if err := r.utf8.Write(f.Payload); err != nil {
				return nil, err
			}
		}
		r.active = true
		r.opcode = f.Opcode
		r.buf = append(r.buf[:0], f.Payload...)
		return nil, nil

	case OpContinuation:
		if !r.active {
			return nil, ErrInvalidContinuationFrame
		}
		if err := r.checkSize(len(r.buf) + len(f.Payload)); err != nil {
			return nil, err
		}
		if r.opcode == OpText {
			if err := r.utf8.Write(f.Payload); err != nil {
				return nil, err
			}
		}
		r.buf = append(r.buf, f.Payload...)

		if !f.Fin {
			return nil, nil
		}
		if r.opcode == OpText {
			if err := r.utf8.Finish(); err != nil {
				return nil, err
			}
		}
		msg := &Message{Type: MessageType(r.opcode), Data: nonNil(r.buf)}
		// The message owns the buffer from here on.
		r.buf = nil
		r.Reset()
		return msg, nil

	default:
		return nil, fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, byte(f.Opcode))
	}
}

func (r *Reassembler) checkSize(n int) error {
	if r.MaxMessageSize > 0 && int64(n) > r.MaxMessageSize {
		return fmt.Errorf("%w: message of %d bytes exceeds limit of %d", ErrFrameTooLarge, n, r.MaxMessageSize)
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
