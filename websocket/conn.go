package websocket

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitalvas/wsengine/protocol"
)

// Message types defined in RFC 6455, section 11.8.
const (
	TextMessage   = int(protocol.OpText)
	BinaryMessage = int(protocol.OpBinary)
	CloseMessage  = int(protocol.OpClose)
	PingMessage   = int(protocol.OpPing)
	PongMessage   = int(protocol.OpPong)
)

// Close codes defined in RFC 6455, section 7.4.1.
const (
	CloseNormalClosure           = int(protocol.CloseNormalClosure)
	CloseGoingAway               = int(protocol.CloseGoingAway)
	CloseProtocolError           = int(protocol.CloseProtocolError)
	CloseUnsupportedData         = int(protocol.CloseUnsupportedData)
	CloseNoStatusReceived        = int(protocol.CloseNoStatusReceived)
	CloseAbnormalClosure         = int(protocol.CloseAbnormalClosure)
	CloseInvalidFramePayloadData = int(protocol.CloseInvalidFramePayloadData)
	ClosePolicyViolation         = int(protocol.ClosePolicyViolation)
	CloseMessageTooBig           = int(protocol.CloseMessageTooBig)
	CloseMandatoryExtension      = int(protocol.CloseMandatoryExtension)
	CloseInternalServerErr       = int(protocol.CloseInternalServerErr)
	CloseServiceRestart          = int(protocol.CloseServiceRestart)
	CloseTryAgainLater           = int(protocol.CloseTryAgainLater)
	CloseBadGateway              = int(protocol.CloseBadGateway)
	CloseTLSHandshake            = int(protocol.CloseTLSHandshake)
)

// Errors returned by the websocket package. Protocol violations are
// reported with the sentinels of package protocol.
var (
	ErrBadHandshake            = errors.New("websocket: bad handshake")
	ErrInvalidControlFrame     = errors.New("websocket: invalid control frame")
	ErrInvalidMessageType      = errors.New("websocket: invalid message type")
	ErrWriteToClosedConnection = errors.New("websocket: write to closed connection")

	// ErrCloseSent is returned by writes after a Close frame went out.
	ErrCloseSent = protocol.ErrConnectionClosed

	// ErrReadLimit is returned when a message exceeds the read limit.
	ErrReadLimit = protocol.ErrFrameTooLarge
)

// CloseError is returned by the read methods once the peer's Close frame
// has been received.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return "websocket: close " + closeCodeString(e.Code) + " " + e.Text
}

func closeCodeString(code int) string {
	switch code {
	case CloseNormalClosure:
		return "1000 (normal)"
	case CloseGoingAway:
		return "1001 (going away)"
	case CloseProtocolError:
		return "1002 (protocol error)"
	case CloseUnsupportedData:
		return "1003 (unsupported data)"
	case CloseNoStatusReceived:
		return "1005 (no status)"
	case CloseAbnormalClosure:
		return "1006 (abnormal closure)"
	case CloseInvalidFramePayloadData:
		return "1007 (invalid payload)"
	case ClosePolicyViolation:
		return "1008 (policy violation)"
	case CloseMessageTooBig:
		return "1009 (message too big)"
	case CloseMandatoryExtension:
		return "1010 (mandatory extension)"
	case CloseInternalServerErr:
		return "1011 (internal server error)"
	case CloseServiceRestart:
		return "1012 (service restart)"
	case CloseTryAgainLater:
		return "1013 (try again later)"
	case CloseBadGateway:
		return "1014 (bad gateway)"
	case CloseTLSHandshake:
		return "1015 (TLS handshake)"
	default:
		return strconv.Itoa(code)
	}
}

const (
	defaultReadBufferSize = 4096
	controlWriteTimeout   = 5 * time.Second
)

// Conn is a WebSocket connection over a net.Conn. Framing, validation and
// the closing handshake are done by a protocol.Engine; Conn moves bytes
// between the engine and the network.
type Conn struct {
	id      uuid.UUID
	netConn net.Conn
	br      io.Reader
	logger  *slog.Logger

	// engineMu guards engine. It is held only while the engine runs, never
	// across network I/O.
	engineMu sync.Mutex
	engine   *protocol.Engine

	readMu  sync.Mutex
	readBuf []byte
	readErr error

	writeMu  sync.Mutex
	writeErr error

	pingHandler  func(appData string) error
	pongHandler  func(appData string) error
	closeHandler func(code int, text string) error
}

// newConn wraps netConn. br, when non-nil, holds bytes already read past
// the HTTP handshake and replaces netConn as the read side.
func newConn(netConn net.Conn, br io.Reader, cfg protocol.Config, readBufferSize int, logger *slog.Logger) *Conn {
	if readBufferSize <= 0 {
		readBufferSize = defaultReadBufferSize
	}
	if br == nil {
		br = netConn
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Role == protocol.RoleClient && cfg.Rand == nil {
		cfg.Rand = randReader
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	c := &Conn{
		id:      id,
		netConn: netConn,
		br:      br,
		engine:  protocol.NewEngine(cfg),
		readBuf: make([]byte, readBufferSize),
	}
	c.logger = logger.With("conn_id", c.id.String(), "role", cfg.Role.String())

	c.pingHandler = func(_ string) error { return nil }
	c.pongHandler = func(_ string) error { return nil }
	c.closeHandler = func(_ int, _ string) error { return nil }

	return c
}

// ID returns a time-ordered identifier unique to this connection.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// State returns the closing handshake state.
func (c *Conn) State() protocol.CloseState {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	return c.engine.State()
}

// Close closes the underlying connection without sending a Close frame.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.netConn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// UnderlyingConn returns the underlying net.Conn.
func (c *Conn) UnderlyingConn() net.Conn {
	return c.netConn
}

// SetReadDeadline sets the read deadline on the underlying network connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.netConn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying network connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.netConn.SetWriteDeadline(t)
}

// SetReadLimit sets the maximum size in bytes of a message read from the
// peer, counted across all of its fragments. Zero means no limit.
func (c *Conn) SetReadLimit(limit int64) {
	c.engineMu.Lock()
	c.engine.SetMaxMessageSize(limit)
	c.engineMu.Unlock()
}

// SetPingHandler sets the function called for each ping from the peer.
// The pong reply is queued by the connection before h runs.
func (c *Conn) SetPingHandler(h func(appData string) error) {
	if h == nil {
		h = func(_ string) error { return nil }
	}
	c.pingHandler = h
}

// SetPongHandler sets the function called for each pong from the peer.
func (c *Conn) SetPongHandler(h func(appData string) error) {
	if h == nil {
		h = func(_ string) error { return nil }
	}
	c.pongHandler = h
}

// SetCloseHandler sets the function called when the peer's Close frame
// arrives. The Close reply has already been sent when h runs.
func (c *Conn) SetCloseHandler(h func(code int, text string) error) {
	if h == nil {
		h = func(_ int, _ string) error { return nil }
	}
	c.closeHandler = h
}

// WriteControl writes a control message with the given deadline. A Close
// message carries the body built by FormatCloseMessage and starts the
// closing handshake.
func (c *Conn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	var build func(e *protocol.Engine) ([]byte, error)

	switch messageType {
	case PingMessage:
		build = func(e *protocol.Engine) ([]byte, error) { return e.SendPing(data) }
	case PongMessage:
		build = func(e *protocol.Engine) ([]byte, error) { return e.SendPong(data) }
	case CloseMessage:
		cf, err := protocol.ParseClosePayload(data)
		if err != nil {
			return err
		}
		build = func(e *protocol.Engine) ([]byte, error) { return e.SendClose(cf.Code, cf.Reason) }
		c.logger.Debug("sending close", "code", cf.Code, "reason", cf.Reason)
	default:
		return ErrInvalidControlFrame
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !deadline.IsZero() {
		_ = c.netConn.SetWriteDeadline(deadline)
		defer func() { _ = c.netConn.SetWriteDeadline(time.Time{}) }()
	}
	return c.writeLocked(build)
}

// WriteMessage writes a complete message. Text messages must be valid UTF-8.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	var build func(e *protocol.Engine) ([]byte, error)

	switch messageType {
	case TextMessage:
		build = func(e *protocol.Engine) ([]byte, error) { return e.SendText(string(data)) }
	case BinaryMessage:
		build = func(e *protocol.Engine) ([]byte, error) { return e.SendBinary(data) }
	default:
		return ErrInvalidMessageType
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(build)
}

// NextWriter returns a writer for the next message. Each Write sends one
// fragment and Close sends the final one. Other writes block until the
// writer is closed.
func (c *Conn) NextWriter(messageType int) (io.WriteCloser, error) {
	var typ protocol.MessageType
	switch messageType {
	case TextMessage:
		typ = protocol.TextMessage
	case BinaryMessage:
		typ = protocol.BinaryMessage
	default:
		return nil, ErrInvalidMessageType
	}

	c.writeMu.Lock()
	if c.writeErr != nil {
		c.writeMu.Unlock()
		return nil, c.writeErr
	}
	c.engineMu.Lock()
	err := c.engine.CheckSend()
	c.engineMu.Unlock()
	if err != nil {
		c.writeMu.Unlock()
		return nil, err
	}
	return &messageWriter{c: c, typ: typ}, nil
}

// writeLocked builds a frame with the engine and writes it. The caller
// holds writeMu.
func (c *Conn) writeLocked(build func(e *protocol.Engine) ([]byte, error)) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.engineMu.Lock()
	frame, err := build(c.engine)
	c.engineMu.Unlock()
	if err != nil {
		return err
	}
	return c.writeRawLocked(frame)
}

func (c *Conn) writeRawLocked(frames ...[]byte) error {
	for _, f := range frames {
		if _, err := c.netConn.Write(f); err != nil {
			c.writeErr = err
			return err
		}
	}
	return nil
}

// flushPending writes the frames the engine produced on its own.
func (c *Conn) flushPending() error {
	c.engineMu.Lock()
	frames := c.engine.Pending()
	c.engineMu.Unlock()
	if len(frames) == 0 {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	_ = c.netConn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	defer func() { _ = c.netConn.SetWriteDeadline(time.Time{}) }()
	return c.writeRawLocked(frames...)
}

// ReadMessage reads the next message from the connection.
func (c *Conn) ReadMessage() (messageType int, p []byte, err error) {
	var r io.Reader
	messageType, r, err = c.NextReader()
	if err != nil {
		return 0, nil, err
	}
	p, err = io.ReadAll(r)
	return messageType, p, err
}

// NextReader returns the type and a reader of the next data message. Pings,
// pongs and the peer's Close are handled on the way. After the peer's Close
// every call returns a *CloseError; after a protocol violation every call
// returns that violation.
func (c *Conn) NextReader() (messageType int, r io.Reader, err error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readErr != nil {
		return 0, nil, c.readErr
	}

	for {
		ev, err := c.nextEvent()
		if err != nil {
			c.readErr = err
			return 0, nil, err
		}

		switch ev.Type {
		case protocol.EventPing:
			if err := c.pingHandler(string(ev.Payload)); err != nil {
				return 0, nil, err
			}
		case protocol.EventPong:
			if err := c.pongHandler(string(ev.Payload)); err != nil {
				return 0, nil, err
			}
		case protocol.EventClose:
			code, text := int(ev.Close.Code), ev.Close.Reason
			c.logger.Debug("close received", "code", code, "reason", text)
			c.readErr = &CloseError{Code: code, Text: text}
			if err := c.closeHandler(code, text); err != nil {
				return 0, nil, err
			}
			return 0, nil, c.readErr
		case protocol.EventMessage:
			return int(ev.Message.Type), bytes.NewReader(ev.Message.Data), nil
		}
	}
}

// nextEvent feeds network bytes to the engine until it yields an event.
// Frames the engine queued are written before the event is returned.
func (c *Conn) nextEvent() (protocol.Event, error) {
	for {
		c.engineMu.Lock()
		ev, err := c.engine.Next()
		c.engineMu.Unlock()

		if ferr := c.flushPending(); ferr != nil && err == nil && ev.Type != protocol.EventClose {
			return protocol.Event{}, ferr
		}

		switch {
		case err == nil:
			return ev, nil
		case errors.Is(err, protocol.ErrConnectionClosed):
			return protocol.Event{}, err
		case !protocol.IsResumable(err):
			c.logger.Debug("protocol violation", "error", err, "close_code", protocol.CloseCodeFor(err))
			return protocol.Event{}, err
		}

		n, rerr := c.br.Read(c.readBuf)
		if n > 0 {
			c.engineMu.Lock()
			c.engine.Feed(c.readBuf[:n])
			c.engineMu.Unlock()
			continue
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			return protocol.Event{}, &CloseError{Code: CloseAbnormalClosure, Text: io.ErrUnexpectedEOF.Error()}
		}
		return protocol.Event{}, rerr
	}
}

type messageWriter struct {
	c      *Conn
	typ    protocol.MessageType
	closed bool
}

func (w *messageWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriteToClosedConnection
	}
	if len(p) == 0 {
		return 0, nil
	}
	err := w.c.writeLocked(func(e *protocol.Engine) ([]byte, error) {
		return e.SendFragment(w.typ, p, false)
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *messageWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.c.writeMu.Unlock()

	return w.c.writeLocked(func(e *protocol.Engine) ([]byte, error) {
		return e.SendFragment(w.typ, nil, true)
	})
}
