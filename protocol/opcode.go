// Package protocol implements the WebSocket framing protocol defined in
// RFC 6455 without performing any I/O.
//
// The package turns bytes into frames and frames into messages, validates
// control and close frames, checks UTF-8 incrementally across fragments and
// validates the HTTP Upgrade handshake. Callers feed it raw bytes from their
// transport and write the bytes it produces.
//
// Decoding never blocks: when a frame is not completely buffered the decoder
// returns ErrUnexpectedEOF and consumes nothing, and the caller retries once
// more bytes arrive.
//
// Example:
//
//	e := protocol.NewEngine(protocol.Config{Role: protocol.RoleServer})
//	e.Feed(data)
//	for {
//	    ev, err := e.Next()
//	    if protocol.IsResumable(err) {
//	        break // read more bytes
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    if ev.Type == protocol.EventMessage {
//	        out, _ := e.SendText(ev.Message.Text())
//	        conn.Write(out)
//	    }
//	}
//
// An Engine is owned by one goroutine. Independent connections use
// independent engines.
package protocol

import "strconv"

// Opcode is the 4-bit frame opcode, RFC 6455, section 5.2.
type Opcode byte

// Opcodes defined in RFC 6455, section 11.8.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether the opcode belongs to a control frame.
// Control opcodes have the high bit of the opcode nibble set.
func (o Opcode) IsControl() bool {
	return o&0x08 != 0
}

// IsData reports whether the opcode is continuation, text or binary.
func (o Opcode) IsData() bool {
	return o == OpContinuation || o == OpText || o == OpBinary
}

// IsValid reports whether the opcode is defined. Opcodes 0x3-0x7 and
// 0xB-0xF are reserved.
func (o Opcode) IsValid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "opcode(" + strconv.Itoa(int(o)) + ")"
	}
}
