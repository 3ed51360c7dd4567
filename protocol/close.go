package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Close codes defined in RFC 6455, section 7.4.1, and the IANA registry.
const (
	CloseNormalClosure           uint16 = 1000
	CloseGoingAway               uint16 = 1001
	CloseProtocolError           uint16 = 1002
	CloseUnsupportedData         uint16 = 1003
	CloseNoStatusReceived        uint16 = 1005
	CloseAbnormalClosure         uint16 = 1006
	CloseInvalidFramePayloadData uint16 = 1007
	ClosePolicyViolation         uint16 = 1008
	CloseMessageTooBig           uint16 = 1009
	CloseMandatoryExtension      uint16 = 1010
	CloseInternalServerErr       uint16 = 1011
	CloseServiceRestart          uint16 = 1012
	CloseTryAgainLater           uint16 = 1013
	CloseBadGateway              uint16 = 1014
	CloseTLSHandshake            uint16 = 1015
)

// maxCloseReason is the reason length left after the 2-byte code.
const maxCloseReason = MaxControlPayload - 2

// IsValidCloseCode reports whether code may appear in a Close frame on the
// wire. 1005, 1006 and 1015 are only ever synthesized locally.
func IsValidCloseCode(code uint16) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

// CloseFrame is the decoded body of a Close frame.
type CloseFrame struct {
	Code   uint16
	Reason string
}

func (c CloseFrame) String() string {
	if c.Reason == "" {
		return strconv.Itoa(int(c.Code))
	}
	return strconv.Itoa(int(c.Code)) + " " + c.Reason
}

// ParseClosePayload decodes the body of a received Close frame. An empty
// body is a valid close without status and yields CloseNoStatusReceived.
func ParseClosePayload(p []byte) (CloseFrame, error) {
	switch len(p) {
	case 0:
		return CloseFrame{Code: CloseNoStatusReceived}, nil
	case 1:
		return CloseFrame{}, fmt.Errorf("%w: 1-byte payload", ErrInvalidCloseFrame)
	}

	code := binary.BigEndian.Uint16(p)
	if !IsValidCloseCode(code) {
		return CloseFrame{}, fmt.Errorf("%w: %d", ErrInvalidCloseCode, code)
	}

	reason := p[2:]
	if !ValidUTF8(reason) {
		return CloseFrame{}, ErrInvalidUTF8
	}

	return CloseFrame{Code: code, Reason: string(reason)}, nil
}

// Payload encodes c as a Close frame body. CloseNoStatusReceived encodes as
// an empty body; any other code must be valid on the wire.
func (c CloseFrame) Payload() ([]byte, error) {
	if c.Code == CloseNoStatusReceived {
		return []byte{}, nil
	}
	if !IsValidCloseCode(c.Code) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCloseCode, c.Code)
	}
	if len(c.Reason) > maxCloseReason {
		return nil, fmt.Errorf("%w: reason is %d bytes, limit %d", ErrInvalidCloseFrame, len(c.Reason), maxCloseReason)
	}
	if !ValidUTF8([]byte(c.Reason)) {
		return nil, ErrInvalidUTF8
	}

	buf := make([]byte, 2+len(c.Reason))
	binary.BigEndian.PutUint16(buf, c.Code)
	copy(buf[2:], c.Reason)
	return buf, nil
}

// CloseState is the local view of the closing handshake.
type CloseState int

const (
	// StateOpen allows application writes.
	StateOpen CloseState = iota
	// StateClosing means a Close frame was sent and the peer's reply is pending.
	StateClosing
	// StateClosed means Close frames went both ways, or the connection failed.
	StateClosed
)

func (s CloseState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseNegotiator drives the closing handshake, RFC 6455, section 5.5.1.
type CloseNegotiator struct {
	state    CloseState
	received *CloseFrame
	sent     *CloseFrame
}

// State returns the handshake state.
func (n *CloseNegotiator) State() CloseState {
	return n.state
}

// Received returns the Close frame sent by the peer, if any.
func (n *CloseNegotiator) Received() (CloseFrame, bool) {
	if n.received == nil {
		return CloseFrame{}, false
	}
	return *n.received, true
}

// Sent returns the Close frame sent locally, if any.
func (n *CloseNegotiator) Sent() (CloseFrame, bool) {
	if n.sent == nil {
		return CloseFrame{}, false
	}
	return *n.sent, true
}

// CheckWrite returns ErrConnectionClosed unless application data may still
// be sent.
func (n *CloseNegotiator) CheckWrite() error {
	if n.state != StateOpen {
		return ErrConnectionClosed
	}
	return nil
}

// Receive handles the body of a Close frame from the peer. While open it
// returns the body to echo back, carrying the same code and no reason.
// When this side already sent its Close, echo is nil and the handshake is
// complete.
func (n *CloseNegotiator) Receive(payload []byte) (cf CloseFrame, echo []byte, err error) {
	if n.state == StateClosed {
		return CloseFrame{}, nil, ErrConnectionClosed
	}

	cf, err = ParseClosePayload(payload)
	if err != nil {
		return CloseFrame{}, nil, err
	}
	n.received = &cf

	if n.state == StateOpen {
		reply := CloseFrame{Code: cf.Code}
		// Payload cannot fail: cf.Code is 1005 or a wire-valid code.
		echo, _ = reply.Payload()
		n.sent = &reply
	}
	n.state = StateClosed
	return cf, echo, nil
}

// Send starts the closing handshake and returns the Close frame body.
func (n *CloseNegotiator) Send(code uint16, reason string) ([]byte, error) {
	if err := n.CheckWrite(); err != nil {
		return nil, err
	}
	cf := CloseFrame{Code: code, Reason: reason}
	payload, err := cf.Payload()
	if err != nil {
		return nil, err
	}
	n.sent = &cf
	n.state = StateClosing
	return payload, nil
}

// Fail marks the connection failed. It returns the body of a Close frame
// carrying code when one may still be sent.
func (n *CloseNegotiator) Fail(code uint16) []byte {
	defer func() { n.state = StateClosed }()
	if n.state != StateOpen {
		return nil
	}
	cf := CloseFrame{Code: code}
	payload, err := cf.Payload()
	if err != nil {
		return nil
	}
	n.sent = &cf
	return payload
}
