package websocket

import (
	"sync"

	"github.com/vitalvas/wsengine/protocol"
)

// PreparedMessage caches the wire encoding of a message per connection role.
// Use it to send one payload to many connections. Client encodings reuse a
// single mask key.
type PreparedMessage struct {
	op   protocol.Opcode
	data []byte

	mu     sync.Mutex
	frames map[protocol.Role][]byte
}

// NewPreparedMessage returns an initialized PreparedMessage. Text payloads
// must be valid UTF-8.
func NewPreparedMessage(messageType int, data []byte) (*PreparedMessage, error) {
	var op protocol.Opcode
	switch messageType {
	case TextMessage:
		if !protocol.ValidUTF8(data) {
			return nil, protocol.ErrInvalidUTF8
		}
		op = protocol.OpText
	case BinaryMessage:
		op = protocol.OpBinary
	default:
		return nil, ErrInvalidMessageType
	}

	return &PreparedMessage{
		op:     op,
		data:   data,
		frames: make(map[protocol.Role][]byte, 2),
	}, nil
}

func (pm *PreparedMessage) frame(role protocol.Role) ([]byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if f, ok := pm.frames[role]; ok {
		return f, nil
	}

	var key *[4]byte
	if role == protocol.RoleClient {
		k, err := protocol.NewMaskKey(randReader)
		if err != nil {
			return nil, err
		}
		key = &k
	}

	f := protocol.EncodeFrame(pm.op, true, pm.data, key)
	pm.frames[role] = f
	return f, nil
}

// WritePreparedMessage writes pm to the connection.
func (c *Conn) WritePreparedMessage(pm *PreparedMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}

	c.engineMu.Lock()
	role := c.engine.Role()
	err := c.engine.CheckSend()
	c.engineMu.Unlock()
	if err != nil {
		return err
	}

	f, err := pm.frame(role)
	if err != nil {
		return err
	}
	return c.writeRawLocked(f)
}
