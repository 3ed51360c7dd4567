package websocket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/vitalvas/wsengine/protocol"
)

// Upgrader specifies parameters for upgrading an HTTP connection to a WebSocket connection.
type Upgrader struct {
	// HandshakeTimeout specifies the duration for the handshake to complete.
	HandshakeTimeout time.Duration

	// ReadBufferSize specifies the network read buffer size in bytes.
	ReadBufferSize int

	// MaxFrameSize limits a single frame payload. Zero means protocol.DefaultMaxFrameSize.
	MaxFrameSize int64

	// MaxMessageSize limits a reassembled message. Zero means unlimited.
	MaxMessageSize int64

	// Error specifies the function for generating HTTP error responses.
	Error func(w http.ResponseWriter, r *http.Request, status int, reason error)

	// CheckOrigin returns true if the request Origin header is acceptable.
	// Nil rejects cross-origin requests.
	CheckOrigin func(r *http.Request) bool

	// Logger receives debug records for handshakes and connection events.
	Logger *slog.Logger
}

func (u *Upgrader) returnError(w http.ResponseWriter, r *http.Request, status int, reason error) error {
	if status == http.StatusUpgradeRequired {
		w.Header().Set(protocol.HeaderSecVersion, protocol.Version)
	}
	if u.Error != nil {
		u.Error(w, r, status, reason)
	} else {
		http.Error(w, http.StatusText(status), status)
	}
	if u.Logger != nil {
		u.Logger.Debug("handshake rejected", "remote_addr", r.RemoteAddr, "status", status, "error", reason)
	}
	return fmt.Errorf("%w: %w", ErrBadHandshake, reason)
}

// handshakeStatus maps a handshake validation error to its HTTP status.
func handshakeStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidSecWebsocketVersion):
		return http.StatusUpgradeRequired
	default:
		return http.StatusBadRequest
	}
}

// Upgrade upgrades the HTTP server connection to the WebSocket protocol.
// This implements the server-side opening handshake per RFC 6455, section 4.2.2.
// responseHeader may add headers such as Set-Cookie to the 101 response;
// it cannot override the handshake headers.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*Conn, error) {
	if r.Method != http.MethodGet {
		return nil, u.returnError(w, r, http.StatusMethodNotAllowed, errors.New("websocket: method not GET"))
	}

	accept, err := protocol.ResponseHeader(r.Header)
	if err != nil {
		return nil, u.returnError(w, r, handshakeStatus(err), err)
	}

	checkOrigin := u.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(r) {
		return nil, u.returnError(w, r, http.StatusForbidden, errors.New("websocket: origin not allowed"))
	}

	h, ok := w.(http.Hijacker)
	if !ok {
		return nil, u.returnError(w, r, http.StatusInternalServerError, errors.New("websocket: response does not implement http.Hijacker"))
	}

	netConn, brw, err := h.Hijack()
	if err != nil {
		return nil, u.returnError(w, r, http.StatusInternalServerError, err)
	}

	if u.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(u.HandshakeTimeout))
	}

	for k, vs := range responseHeader {
		if _, reserved := accept[http.CanonicalHeaderKey(k)]; reserved {
			continue
		}
		for _, v := range vs {
			accept.Add(k, v)
		}
	}

	// Send server handshake response per RFC 6455, section 4.2.2.
	buf := brw.Writer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	if err := accept.Write(buf); err != nil {
		netConn.Close()
		return nil, err
	}
	buf.WriteString("\r\n")
	if err := buf.Flush(); err != nil {
		netConn.Close()
		return nil, err
	}

	if u.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Time{})
	}

	cfg := protocol.Config{
		Role:           protocol.RoleServer,
		MaxFrameSize:   u.MaxFrameSize,
		MaxMessageSize: u.MaxMessageSize,
	}

	// Bytes the HTTP server read past the request belong to the first frames.
	var br io.Reader
	if brw.Reader.Buffered() > 0 {
		br = brw.Reader
	}
	conn := newConn(netConn, br, cfg, u.ReadBufferSize, u.Logger)
	conn.logger.Debug("connection upgraded", "remote_addr", r.RemoteAddr)

	return conn, nil
}

func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// IsWebSocketUpgrade returns true if the client sent a WebSocket upgrade request
// per RFC 6455, section 4.2.1, items 1 and 2.
func IsWebSocketUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header.Values(protocol.HeaderConnection), "upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Header.Values(protocol.HeaderUpgrade), "websocket")
}
