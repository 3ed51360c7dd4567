package protocol

import (
	"encoding/binary"
	"io"
)

// Mask XORs b with key starting at key offset pos and returns the offset to
// continue from. Applying Mask twice with the same key and offset restores
// the input. RFC 6455, section 5.3.
func Mask(key [4]byte, pos int, b []byte) int {
	pos &= 3
	i := 0

	// Whole 8-byte words once the key is aligned to the start of b.
	if len(b) >= 16 {
		var rotated [8]byte
		for j := range rotated {
			rotated[j] = key[(pos+j)&3]
		}
		k := binary.LittleEndian.Uint64(rotated[:])
		for ; i+8 <= len(b); i += 8 {
			v := binary.LittleEndian.Uint64(b[i:])
			binary.LittleEndian.PutUint64(b[i:], v^k)
		}
	}

	for ; i < len(b); i++ {
		b[i] ^= key[(pos+i)&3]
	}
	return (pos + len(b)) & 3
}

// NewMaskKey reads a fresh masking key from r. Client frames need an
// unpredictable key per frame, RFC 6455, section 5.3.
func NewMaskKey(r io.Reader) ([4]byte, error) {
	var key [4]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, &TransportError{Op: "mask key", Err: err}
	}
	return key, nil
}
