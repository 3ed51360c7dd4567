package protocol

import (
	"errors"
	"fmt"
	"strconv"
)

// Resumable condition. The caller buffers more bytes and retries.
var (
	ErrUnexpectedEOF = errors.New("websocket: unexpected EOF")
)

// Protocol violations. Each one is fatal to the connection.
var (
	ErrInvalidFragment          = errors.New("websocket: invalid fragment")
	ErrInvalidUTF8              = errors.New("websocket: invalid UTF-8")
	ErrInvalidContinuationFrame = errors.New("websocket: invalid continuation frame")
	ErrInvalidCloseFrame        = errors.New("websocket: invalid close frame")
	ErrInvalidCloseCode         = errors.New("websocket: invalid close code")
	ErrReservedBitsNotZero      = errors.New("websocket: reserved bits must be zero")
	ErrControlFrameFragmented   = errors.New("websocket: control frame must not be fragmented")
	ErrPingFrameTooLarge        = errors.New("websocket: ping frame too large")
	ErrFrameTooLarge            = errors.New("websocket: frame too large")
	ErrInvalidOpcode            = errors.New("websocket: invalid opcode")

	// ErrMaskRequired is returned by a server-role engine for an unmasked frame.
	// RFC 6455, section 5.1.
	ErrMaskRequired = errors.New("websocket: client frames must be masked")

	// ErrUnexpectedMask is returned by a client-role engine for a masked frame.
	// RFC 6455, section 5.1.
	ErrUnexpectedMask = errors.New("websocket: server frames must not be masked")
)

// Handshake violations. The connection never enters frame mode.
var (
	ErrInvalidUpgradeHeader       = errors.New("websocket: invalid upgrade header")
	ErrInvalidConnectionHeader    = errors.New("websocket: invalid connection header")
	ErrInvalidSecWebsocketVersion = errors.New("websocket: Sec-WebSocket-Version must be 13")
	ErrMissingSecWebSocketKey     = errors.New("websocket: Sec-WebSocket-Key header is missing")
	ErrInvalidStatusCode          = errors.New("websocket: invalid status code")
	ErrInvalidValue               = errors.New("websocket: invalid value")
)

// ErrConnectionClosed is returned for any operation attempted after the
// closing handshake has started on the local side or completed.
var ErrConnectionClosed = errors.New("websocket: connection is closed")

// ReservedBitsError reports a frame header with RSV1, RSV2 or RSV3 set.
// The raw header bytes and the decoded fields are kept as read.
type ReservedBitsError struct {
	RSV1 bool
	RSV2 bool
	RSV3 bool

	FirstByte  byte
	SecondByte byte

	Fin            bool
	Opcode         byte
	Masked         bool
	PayloadLenCode byte
}

func (e *ReservedBitsError) Error() string {
	return fmt.Sprintf("websocket: reserved bits must be zero; found rsv1=%t, rsv2=%t, rsv3=%t | "+
		"frame header: first_byte=0x%02X (binary: %08b), second_byte=0x%02X | "+
		"decoded: FIN=%t, opcode=%d, masked=%t, payload_len_code=%d",
		e.RSV1, e.RSV2, e.RSV3,
		e.FirstByte, e.FirstByte, e.SecondByte,
		e.Fin, e.Opcode, e.Masked, e.PayloadLenCode)
}

// Is reports whether target is ErrReservedBitsNotZero.
func (e *ReservedBitsError) Is(target error) bool {
	return target == ErrReservedBitsNotZero
}

// StatusCodeError reports a handshake response whose HTTP status is not
// 101 Switching Protocols.
type StatusCodeError struct {
	Code int
}

func (e *StatusCodeError) Error() string {
	return "websocket: invalid status code: " + strconv.Itoa(e.Code)
}

// Is reports whether target is ErrInvalidStatusCode.
func (e *StatusCodeError) Is(target error) bool {
	return target == ErrInvalidStatusCode
}

// TransportError wraps a failure of a collaborator (HTTP layer, socket
// write) without tying the taxonomy to that collaborator's error types.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return "websocket: " + e.Err.Error()
	}
	return "websocket: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

var protocolErrors = []error{
	ErrInvalidFragment,
	ErrInvalidUTF8,
	ErrInvalidContinuationFrame,
	ErrInvalidCloseFrame,
	ErrInvalidCloseCode,
	ErrReservedBitsNotZero,
	ErrControlFrameFragmented,
	ErrPingFrameTooLarge,
	ErrFrameTooLarge,
	ErrInvalidOpcode,
	ErrMaskRequired,
	ErrUnexpectedMask,
}

var handshakeErrors = []error{
	ErrInvalidUpgradeHeader,
	ErrInvalidConnectionHeader,
	ErrInvalidSecWebsocketVersion,
	ErrMissingSecWebSocketKey,
	ErrInvalidStatusCode,
	ErrInvalidValue,
}

// IsResumable reports whether err only signals that more input is needed.
func IsResumable(err error) bool {
	return errors.Is(err, ErrUnexpectedEOF)
}

// IsProtocolError reports whether err is a protocol violation that is fatal
// to an established connection.
func IsProtocolError(err error) bool {
	return matchesAny(err, protocolErrors)
}

// IsHandshakeError reports whether err rejected the opening handshake.
func IsHandshakeError(err error) bool {
	return matchesAny(err, handshakeErrors)
}

func matchesAny(err error, targets []error) bool {
	if err == nil {
		return false
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// CloseCodeFor returns the close code to send to the peer when err ends the
// connection. RFC 6455, section 7.4.1.
func CloseCodeFor(err error) uint16 {
	switch {
	case err == nil:
		return CloseNormalClosure
	case errors.Is(err, ErrInvalidUTF8):
		return CloseInvalidFramePayloadData
	case errors.Is(err, ErrFrameTooLarge):
		return CloseMessageTooBig
	case IsProtocolError(err):
		return CloseProtocolError
	default:
		return CloseInternalServerErr
	}
}
