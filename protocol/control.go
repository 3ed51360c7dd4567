package protocol

import "fmt"

// ValidateControl enforces RFC 6455, section 5.5 on a close, ping or pong
// frame: control frames are never fragmented and carry at most 125 bytes.
// Pong payloads are otherwise passed through untouched.
func ValidateControl(f *Frame) error {
	if !f.Opcode.IsControl() {
		return fmt.Errorf("%w: %s is not a control opcode", ErrInvalidOpcode, f.Opcode)
	}
	if !f.Fin {
		return ErrControlFrameFragmented
	}
	if len(f.Payload) > MaxControlPayload {
		if f.Opcode == OpPing {
			return ErrPingFrameTooLarge
		}
		return fmt.Errorf("%w: %s payload of %d bytes exceeds %d", ErrFrameTooLarge, f.Opcode, len(f.Payload), MaxControlPayload)
	}
	return nil
}
