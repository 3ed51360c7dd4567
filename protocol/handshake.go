package protocol

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Handshake constants per RFC 6455, section 4.
const (
	// GUID is appended to the client key before hashing, section 1.3.
	GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// Version is the only protocol version spoken, section 4.1.
	Version = "13"

	challengeKeySize = 16
)

// Header names used by the opening handshake.
const (
	HeaderUpgrade       = "Upgrade"
	HeaderConnection    = "Connection"
	HeaderSecKey        = "Sec-WebSocket-Key"
	HeaderSecVersion    = "Sec-WebSocket-Version"
	HeaderSecAccept     = "Sec-WebSocket-Accept"
	upgradeToken        = "websocket"
	connectionUpgradeTk = "Upgrade"
)

// headerValues returns all values of name. Keys are matched
// case-insensitively so maps built without canonical keys still work.
func headerValues(h http.Header, name string) []string {
	if vs := h.Values(name); len(vs) > 0 {
		return vs
	}
	var out []string
	for k, vs := range h {
		if strings.EqualFold(k, name) {
			out = append(out, vs...)
		}
	}
	return out
}

func headerValue(h http.Header, name string) string {
	vs := headerValues(h, name)
	if len(vs) == 0 {
		return ""
	}
	return strings.TrimSpace(vs[0])
}

func checkUpgradeHeaders(h http.Header) error {
	if !httpguts.HeaderValuesContainsToken(headerValues(h, HeaderUpgrade), upgradeToken) {
		return ErrInvalidUpgradeHeader
	}
	if !httpguts.HeaderValuesContainsToken(headerValues(h, HeaderConnection), connectionUpgradeTk) {
		return ErrInvalidConnectionHeader
	}
	return nil
}

// ValidateRequest checks the client's opening handshake headers,
// RFC 6455, section 4.2.1.
func ValidateRequest(h http.Header) error {
	if err := checkUpgradeHeaders(h); err != nil {
		return err
	}
	if headerValue(h, HeaderSecVersion) != Version {
		return ErrInvalidSecWebsocketVersion
	}
	if headerValue(h, HeaderSecKey) == "" {
		return ErrMissingSecWebSocketKey
	}
	return nil
}

// ValidateKey checks that key is the base64 encoding of 16 bytes,
// section 4.1, item 7.
func ValidateKey(key string) error {
	if key == "" {
		return ErrMissingSecWebSocketKey
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != challengeKeySize {
		return fmt.Errorf("%w: malformed %s", ErrInvalidValue, HeaderSecKey)
	}
	return nil
}

// AcceptKey computes Sec-WebSocket-Accept for a client key:
// base64(SHA-1(key + GUID)), section 4.2.2, item 5.4.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ResponseHeader validates the request headers and returns the headers of
// the 101 Switching Protocols response.
func ResponseHeader(req http.Header) (http.Header, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	key := headerValue(req, HeaderSecKey)
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	h := make(http.Header, 3)
	h.Set(HeaderUpgrade, upgradeToken)
	h.Set(HeaderConnection, connectionUpgradeTk)
	h.Set(HeaderSecAccept, AcceptKey(key))
	return h, nil
}

// NewChallengeKey returns a Sec-WebSocket-Key built from 16 bytes of r.
// A nil r uses crypto/rand.
func NewChallengeKey(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	key := make([]byte, challengeKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", &TransportError{Op: "challenge key", Err: err}
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// RequestHeader returns the handshake headers a client sends with key.
func RequestHeader(key string) http.Header {
	h := make(http.Header, 4)
	h.Set(HeaderUpgrade, upgradeToken)
	h.Set(HeaderConnection, connectionUpgradeTk)
	h.Set(HeaderSecKey, key)
	h.Set(HeaderSecVersion, Version)
	return h
}

// ValidateResponse checks the server's handshake response for a request
// sent with key, section 4.1.
func ValidateResponse(status int, h http.Header, key string) error {
	if status != http.StatusSwitchingProtocols {
		return &StatusCodeError{Code: status}
	}
	if err := checkUpgradeHeaders(h); err != nil {
		return err
	}
	if headerValue(h, HeaderSecAccept) != AcceptKey(key) {
		return fmt.Errorf("%w: %s mismatch", ErrInvalidValue, HeaderSecAccept)
	}
	return nil
}
