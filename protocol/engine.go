package protocol

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/eapache/queue"
)

// Role selects the masking rules for one side of a connection.
type Role int

const (
	// RoleServer never masks and requires masked input.
	RoleServer Role = iota
	// RoleClient masks every frame and rejects masked input.
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Config holds Engine options. The zero value is a server engine with
// default limits.
type Config struct {
	Role Role

	// MaxFrameSize limits a single frame payload. Zero means DefaultMaxFrameSize.
	MaxFrameSize int64

	// MaxMessageSize limits a reassembled message. Zero means unlimited.
	MaxMessageSize int64

	// DisableAutoPong stops the engine from queueing a Pong for every Ping.
	DisableAutoPong bool

	// Rand is the source of client masking keys. Nil means crypto/rand.
	Rand io.Reader
}

// EventType tells what Engine.Next produced.
type EventType int

// Event types.
const (
	EventMessage EventType = iota + 1
	EventPing
	EventPong
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventPing:
		return "ping"
	case EventPong:
		return "pong"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one unit delivered to the application.
type Event struct {
	Type EventType

	// Message is set for EventMessage.
	Message *Message

	// Payload is the application data of a ping or pong.
	Payload []byte

	// Close is set for EventClose.
	Close *CloseFrame
}

// Engine is the per-connection protocol state machine. It holds no lock
// and performs no I/O: bytes from the transport go in through Feed, and
// every Send method returns the bytes to write. Frames the engine produces
// on its own (pong replies, the close echo, the close sent on a protocol
// error) are collected by Pending.
type Engine struct {
	role            Role
	codec           Codec
	reasm           Reassembler
	closer          CloseNegotiator
	autoPong        bool
	rand            io.Reader
	in              []byte
	off             int
	pending         *queue.Queue
	err             error
	closeDelivered  bool
	writingFragment bool
}

// NewEngine returns an engine in the open state.
func NewEngine(cfg Config) *Engine {
	r := cfg.Rand
	if r == nil {
		r = rand.Reader
	}
	return &Engine{
		role:     cfg.Role,
		codec:    Codec{MaxFrameSize: cfg.MaxFrameSize},
		reasm:    Reassembler{MaxMessageSize: cfg.MaxMessageSize},
		autoPong: !cfg.DisableAutoPong,
		rand:     r,
		pending:  queue.New(),
	}
}

// Role returns the engine's role.
func (e *Engine) Role() Role {
	return e.role
}

// State returns the closing handshake state.
func (e *Engine) State() CloseState {
	return e.closer.State()
}

// Err returns the error that failed the connection, if any.
func (e *Engine) Err() error {
	return e.err
}

// CloseFrames returns the Close frames received from and sent to the peer.
func (e *Engine) CloseFrames() (received CloseFrame, sent CloseFrame) {
	received, _ = e.closer.Received()
	sent, _ = e.closer.Sent()
	return received, sent
}

// SetMaxMessageSize changes the reassembled message limit.
func (e *Engine) SetMaxMessageSize(n int64) {
	e.reasm.MaxMessageSize = n
}

// Buffered returns the number of received bytes not yet decoded.
func (e *Engine) Buffered() int {
	return len(e.in) - e.off
}

// Feed appends bytes read from the transport.
func (e *Engine) Feed(p []byte) {
	if len(p) == 0 || e.err != nil {
		return
	}
	switch {
	case e.off == len(e.in):
		e.in = e.in[:0]
		e.off = 0
	case e.off > cap(e.in)/2:
		n := copy(e.in, e.in[e.off:])
		e.in = e.in[:n]
		e.off = 0
	}
	e.in = append(e.in, p...)
}

// Next decodes buffered frames until one produces an event. It returns
// ErrUnexpectedEOF when more bytes are needed; buffered state is kept and
// the call may be repeated after Feed. Protocol errors are final: the same
// error is returned from then on and a Close frame is queued when one can
// still be sent.
func (e *Engine) Next() (Event, error) {
	for {
		if e.err != nil {
			return Event{}, e.err
		}
		if e.closeDelivered {
			return Event{}, ErrConnectionClosed
		}

		f, n, err := e.codec.Decode(e.in[e.off:])
		if err != nil {
			if errors.Is(err, ErrUnexpectedEOF) {
				return Event{}, err
			}
			return Event{}, e.fail(err)
		}
		e.off += n

		if err := e.checkMask(&f); err != nil {
			return Event{}, e.fail(err)
		}

		if f.Opcode.IsControl() {
			ev, err := e.control(&f)
			if err != nil {
				return Event{}, e.fail(err)
			}
			return ev, nil
		}

		msg, err := e.reasm.Push(&f)
		if err != nil {
			return Event{}, e.fail(err)
		}
		if msg != nil {
			return Event{Type: EventMessage, Message: msg}, nil
		}
	}
}

func (e *Engine) checkMask(f *Frame) error {
	switch {
	case e.role == RoleServer && !f.Masked:
		return ErrMaskRequired
	case e.role == RoleClient && f.Masked:
		return ErrUnexpectedMask
	}
	return nil
}

func (e *Engine) control(f *Frame) (Event, error) {
	if err := ValidateControl(f); err != nil {
		return Event{}, err
	}

	switch f.Opcode {
	case OpPing:
		if e.autoPong && e.closer.State() == StateOpen {
			out, err := e.frame(OpPong, true, f.Payload)
			if err != nil {
				return Event{}, err
			}
			e.pending.Add(out)
		}
		return Event{Type: EventPing, Payload: nonNil(f.Payload)}, nil

	case OpPong:
		return Event{Type: EventPong, Payload: nonNil(f.Payload)}, nil

	default:
		cf, echo, err := e.closer.Receive(f.Payload)
		if err != nil {
			return Event{}, err
		}
		if echo != nil {
			out, err := e.frame(OpClose, true, echo)
			if err != nil {
				return Event{}, err
			}
			e.pending.Add(out)
		}
		e.reasm.Reset()
		e.closeDelivered = true
		return Event{Type: EventClose, Close: &cf}, nil
	}
}

// fail records err as the connection error, drops partial state and
// queues a Close frame for the peer if the handshake allows one.
func (e *Engine) fail(err error) error {
	e.err = err
	e.reasm.Reset()
	e.in, e.off = nil, 0
	if body := e.closer.Fail(CloseCodeFor(err)); body != nil {
		if out, ferr := e.frame(OpClose, true, body); ferr == nil {
			e.pending.Add(out)
		}
	}
	return err
}

// Pending removes and returns the frames the engine queued on its own, in
// the order they must be written.
func (e *Engine) Pending() [][]byte {
	if e.pending.Length() == 0 {
		return nil
	}
	out := make([][]byte, 0, e.pending.Length())
	for e.pending.Length() > 0 {
		out = append(out, e.pending.Remove().([]byte))
	}
	return out
}

// HasPending reports whether Pending would return frames.
func (e *Engine) HasPending() bool {
	return e.pending.Length() > 0
}

// frame serializes one frame, masking it when the engine is a client.
func (e *Engine) frame(op Opcode, fin bool, payload []byte) ([]byte, error) {
	key, err := e.maskKey()
	if err != nil {
		return nil, err
	}
	return e.encode(op, fin, payload, key), nil
}

func (e *Engine) maskKey() (*[4]byte, error) {
	if e.role != RoleClient {
		return nil, nil
	}
	key, err := NewMaskKey(e.rand)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (e *Engine) encode(op Opcode, fin bool, payload []byte, key *[4]byte) []byte {
	f := NewFrame(op, fin, payload)
	if key != nil {
		f.Masked = true
		f.MaskKey = *key
	}
	return e.codec.Encode(make([]byte, 0, HeaderSize(len(payload), f.Masked)+len(payload)), f)
}

// CheckSend reports whether a complete data message may be sent now. It is
// for callers that write frames encoded outside the engine.
func (e *Engine) CheckSend() error {
	if err := e.closer.CheckWrite(); err != nil {
		return err
	}
	if e.writingFragment {
		return fmt.Errorf("%w: a fragmented message is being written", ErrInvalidFragment)
	}
	return nil
}

func (e *Engine) sendData(op Opcode, payload []byte) ([]byte, error) {
	if err := e.CheckSend(); err != nil {
		return nil, err
	}
	return e.frame(op, true, payload)
}

// SendText frames s as a single text message.
func (e *Engine) SendText(s string) ([]byte, error) {
	if !ValidUTF8([]byte(s)) {
		return nil, ErrInvalidUTF8
	}
	return e.sendData(OpText, []byte(s))
}

// SendBinary frames p as a single binary message.
func (e *Engine) SendBinary(p []byte) ([]byte, error) {
	return e.sendData(OpBinary, p)
}

// SendFragment frames one fragment of a message. The first call of a
// message uses typ's opcode, later calls are continuation frames; the
// message ends with fin. Data messages cannot be interleaved. Text fragments
// are not checked for UTF-8 here since a split may fall inside a character.
func (e *Engine) SendFragment(typ MessageType, payload []byte, fin bool) ([]byte, error) {
	if err := e.closer.CheckWrite(); err != nil {
		return nil, err
	}
	if typ != TextMessage && typ != BinaryMessage {
		return nil, fmt.Errorf("%w: message type %d", ErrInvalidOpcode, int(typ))
	}

	op := Opcode(typ)
	if e.writingFragment {
		op = OpContinuation
	}
	out, err := e.frame(op, fin, payload)
	if err != nil {
		return nil, err
	}
	e.writingFragment = !fin
	return out, nil
}

func (e *Engine) sendControl(op Opcode, payload []byte) ([]byte, error) {
	if err := e.closer.CheckWrite(); err != nil {
		return nil, err
	}
	if len(payload) > MaxControlPayload {
		if op == OpPing {
			return nil, ErrPingFrameTooLarge
		}
		return nil, fmt.Errorf("%w: %s payload of %d bytes exceeds %d", ErrFrameTooLarge, op, len(payload), MaxControlPayload)
	}
	return e.frame(op, true, payload)
}

// SendPing frames a ping with up to 125 bytes of application data.
func (e *Engine) SendPing(p []byte) ([]byte, error) {
	return e.sendControl(OpPing, p)
}

// SendPong frames an unsolicited pong.
func (e *Engine) SendPong(p []byte) ([]byte, error) {
	return e.sendControl(OpPong, p)
}

// SendClose starts the closing handshake. Afterwards every Send method
// returns ErrConnectionClosed while Next keeps delivering the peer's frames
// until its Close arrives.
func (e *Engine) SendClose(code uint16, reason string) ([]byte, error) {
	if err := e.closer.CheckWrite(); err != nil {
		return nil, err
	}
	cf := CloseFrame{Code: code, Reason: reason}
	if _, err := cf.Payload(); err != nil {
		return nil, err
	}
	key, err := e.maskKey()
	if err != nil {
		return nil, err
	}
	body, err := e.closer.Send(code, reason)
	if err != nil {
		return nil, err
	}
	return e.encode(OpClose, true, body, key), nil
}

