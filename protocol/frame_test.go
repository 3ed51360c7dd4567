package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpcode(t *testing.T) {
	tests := []struct {
		op      Opcode
		name    string
		control bool
		data    bool
		valid   bool
	}{
		{OpContinuation, "continuation", false, true, true},
		{OpText, "text", false, true, true},
		{OpBinary, "binary", false, true, true},
		{OpClose, "close", true, false, true},
		{OpPing, "ping", true, false, true},
		{OpPong, "pong", true, false, true},
		{Opcode(0x3), "opcode(3)", false, false, false},
		{Opcode(0xB), "opcode(11)", true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.op.String())
			assert.Equal(t, tt.control, tt.op.IsControl())
			assert.Equal(t, tt.data, tt.op.IsData())
			assert.Equal(t, tt.valid, tt.op.IsValid())
		})
	}
}

func TestMask(t *testing.T) {
	key := [4]byte{0x37, 0xfa, 0x21, 0x3d}

	t.Run("RFC example", func(t *testing.T) {
		// RFC 6455, section 5.7: masked "Hello".
		data := []byte("Hello")
		Mask(key, 0, data)
		assert.Equal(t, []byte{0x7f, 0x9f, 0x4d, 0x51, 0x58}, data)
	})

	t.Run("Involution", func(t *testing.T) {
		for _, n := range []int{0, 1, 3, 4, 7, 8, 15, 16, 17, 63, 64, 1000} {
			orig := make([]byte, n)
			for i := range orig {
				orig[i] = byte(i * 7)
			}
			data := append([]byte(nil), orig...)
			Mask(key, 0, data)
			if n > 0 {
				assert.NotEqual(t, orig, data)
			}
			Mask(key, 0, data)
			assert.Equal(t, orig, data, "length %d", n)
		}
	})

	t.Run("Matches byte loop", func(t *testing.T) {
		data := make([]byte, 101)
		for i := range data {
			data[i] = byte(i)
		}
		for pos := 0; pos < 4; pos++ {
			want := append([]byte(nil), data...)
			for i := range want {
				want[i] ^= key[(pos+i)%4]
			}
			got := append([]byte(nil), data...)
			Mask(key, pos, got)
			assert.Equal(t, want, got, "pos %d", pos)
		}
	})

	t.Run("Continues across chunks", func(t *testing.T) {
		whole := []byte("split masking across several calls")
		chunked := append([]byte(nil), whole...)
		Mask(key, 0, whole)

		pos := Mask(key, 0, chunked[:5])
		pos = Mask(key, pos, chunked[5:18])
		Mask(key, pos, chunked[18:])
		assert.Equal(t, whole, chunked)
	})
}

func TestNewMaskKey(t *testing.T) {
	key, err := NewMaskKey(bytes.NewReader([]byte{1, 2, 3, 4}))
	require.NoError(t, err)
	assert.Equal(t, [4]byte{1, 2, 3, 4}, key)

	_, err = NewMaskKey(bytes.NewReader([]byte{1}))
	var terr *TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestDecodeHeaderLengths(t *testing.T) {
	tests := []struct {
		name       string
		payloadLen int
		headerLen  int
	}{
		{"Empty", 0, 2},
		{"7-bit max", 125, 2},
		{"16-bit min", 126, 4},
		{"16-bit max", 65535, 4},
		{"64-bit min", 65536, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{'x'}, tt.payloadLen)
			raw := EncodeFrame(OpBinary, true, payload, nil)
			assert.Len(t, raw, tt.headerLen+tt.payloadLen)
			assert.Equal(t, tt.headerLen, HeaderSize(tt.payloadLen, false))

			var c Codec
			f, n, err := c.Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, len(raw), n)
			assert.Equal(t, tt.payloadLen, len(f.Payload))
			assert.True(t, f.Fin)
			assert.Equal(t, OpBinary, f.Opcode)
		})
	}
}

func TestDecodeWireBytes(t *testing.T) {
	var c Codec

	t.Run("Unmasked text", func(t *testing.T) {
		// RFC 6455, section 5.7.
		f, n, err := c.Decode([]byte{0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f})
		require.NoError(t, err)
		assert.Equal(t, 7, n)
		assert.Equal(t, "Hello", string(f.Payload))
		assert.False(t, f.Masked)
	})

	t.Run("Masked text", func(t *testing.T) {
		f, n, err := c.Decode([]byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58})
		require.NoError(t, err)
		assert.Equal(t, 11, n)
		assert.Equal(t, "Hello", string(f.Payload))
		assert.True(t, f.Masked)
		assert.Equal(t, [4]byte{0x37, 0xfa, 0x21, 0x3d}, f.MaskKey)
	})

	t.Run("Fragmented text", func(t *testing.T) {
		buf := []byte{0x01, 0x03, 0x48, 0x65, 0x6c, 0x80, 0x02, 0x6c, 0x6f}
		first, n, err := c.Decode(buf)
		require.NoError(t, err)
		assert.False(t, first.Fin)
		assert.Equal(t, OpText, first.Opcode)

		second, m, err := c.Decode(buf[n:])
		require.NoError(t, err)
		assert.True(t, second.Fin)
		assert.Equal(t, OpContinuation, second.Opcode)
		assert.Equal(t, len(buf), n+m)
	})

	t.Run("Trailing bytes are left", func(t *testing.T) {
		buf := []byte{0x89, 0x00, 0x8a}
		f, n, err := c.Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, OpPing, f.Opcode)
		assert.Equal(t, 2, n)
	})

	t.Run("Payload does not alias input", func(t *testing.T) {
		buf := []byte{0x82, 0x02, 0x01, 0x02}
		f, _, err := c.Decode(buf)
		require.NoError(t, err)
		buf[2] = 0xff
		assert.Equal(t, []byte{0x01, 0x02}, f.Payload)
	})
}

func TestDecodeUnexpectedEOF(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	frames := map[string][]byte{
		"7-bit masked":    EncodeFrame(OpText, true, []byte("hello"), &key),
		"16-bit unmasked": EncodeFrame(OpBinary, true, bytes.Repeat([]byte{1}, 300), nil),
		"64-bit masked":   EncodeFrame(OpBinary, true, bytes.Repeat([]byte{2}, 70000), &key),
	}

	var c Codec
	for name, raw := range frames {
		t.Run(name, func(t *testing.T) {
			for _, cut := range []int{0, 1, 2, 3, 5, 9, 13, len(raw) - 1} {
				if cut >= len(raw) {
					continue
				}
				_, n, err := c.Decode(raw[:cut])
				assert.ErrorIs(t, err, ErrUnexpectedEOF, "cut at %d", cut)
				assert.True(t, IsResumable(err))
				assert.Equal(t, 0, n)
			}
			_, n, err := c.Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, len(raw), n)
		})
	}
}

func TestDecodeReservedBits(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		rsv    [3]bool
	}{
		{"RSV1", []byte{0xC1, 0x83}, [3]bool{true, false, false}},
		{"RSV2", []byte{0xA2, 0x00}, [3]bool{false, true, false}},
		{"RSV3", []byte{0x98, 0x7e}, [3]bool{false, false, true}},
		{"All", []byte{0x70, 0x05}, [3]bool{true, true, true}},
	}

	var c Codec
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n, err := c.Decode(tt.header)
			require.Error(t, err)
			assert.Equal(t, 0, n)
			assert.ErrorIs(t, err, ErrReservedBitsNotZero)
			assert.True(t, IsProtocolError(err))

			var rerr *ReservedBitsError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.header[0], rerr.FirstByte)
			assert.Equal(t, tt.header[1], rerr.SecondByte)
			assert.Equal(t, tt.rsv, [3]bool{rerr.RSV1, rerr.RSV2, rerr.RSV3})
			assert.Equal(t, tt.header[0]&0x80 != 0, rerr.Fin)
			assert.Equal(t, tt.header[0]&0x0f, rerr.Opcode)
			assert.Equal(t, tt.header[1]&0x80 != 0, rerr.Masked)
			assert.Equal(t, tt.header[1]&0x7f, rerr.PayloadLenCode)
		})
	}

	t.Run("Needs both header bytes", func(t *testing.T) {
		_, _, err := c.Decode([]byte{0xC1})
		assert.ErrorIs(t, err, ErrUnexpectedEOF)
	})

	t.Run("Diagnostic message", func(t *testing.T) {
		_, _, err := c.Decode([]byte{0xC1, 0x83})
		assert.Contains(t, err.Error(), "rsv1=true")
		assert.Contains(t, err.Error(), "first_byte=0xC1")
		assert.Contains(t, err.Error(), "binary: 11000001")
		assert.Contains(t, err.Error(), "second_byte=0x83")
		assert.Contains(t, err.Error(), "payload_len_code=3")
	})
}

func TestDecodeInvalidOpcode(t *testing.T) {
	var c Codec
	for _, op := range []byte{0x3, 0x7, 0xB, 0xF} {
		_, _, err := c.Decode([]byte{0x80 | op, 0x00})
		assert.ErrorIs(t, err, ErrInvalidOpcode)
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	t.Run("High bit of 64-bit length", func(t *testing.T) {
		raw := []byte{0x82, 0x7f, 0x80, 0, 0, 0, 0, 0, 0, 0}
		var c Codec
		_, _, err := c.Decode(raw)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("Limit checked before payload arrives", func(t *testing.T) {
		c := Codec{MaxFrameSize: 1024}
		header := []byte{0x82, 0x7f}
		header = binary.BigEndian.AppendUint64(header, 1<<30)
		_, _, err := c.Decode(header)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.Equal(t, CloseMessageTooBig, CloseCodeFor(err))
	})

	t.Run("At the limit", func(t *testing.T) {
		c := Codec{MaxFrameSize: 200}
		_, _, err := c.Decode(EncodeFrame(OpBinary, true, make([]byte, 200), nil))
		assert.NoError(t, err)
		_, _, err = c.Decode(EncodeFrame(OpBinary, true, make([]byte, 201), nil))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"Text fin", Frame{Fin: true, Opcode: OpText, Payload: []byte("hello")}},
		{"Binary fragment", Frame{Opcode: OpBinary, Payload: []byte{0, 1, 2, 3}}},
		{"Continuation", Frame{Opcode: OpContinuation, Payload: []byte("more")}},
		{"Masked ping", Frame{Fin: true, Opcode: OpPing, Masked: true, MaskKey: [4]byte{9, 8, 7, 6}, Payload: []byte("p")}},
		{"Masked 16-bit", Frame{Fin: true, Opcode: OpBinary, Masked: true, MaskKey: [4]byte{0xde, 0xad, 0xbe, 0xef}, Payload: bytes.Repeat([]byte("ab"), 200)}},
		{"Unmasked 64-bit", Frame{Fin: true, Opcode: OpBinary, Payload: bytes.Repeat([]byte{7}, 70000)}},
		{"Close", Frame{Fin: true, Opcode: OpClose, Payload: []byte{0x03, 0xe8, 'b', 'y', 'e'}}},
	}

	var c Codec
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := append([]byte(nil), tt.frame.Payload...)
			raw := c.Encode(nil, tt.frame)
			assert.Equal(t, orig, tt.frame.Payload, "Encode must not mask the caller's payload")

			got, n, err := c.Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, len(raw), n)
			assert.Equal(t, tt.frame, got)

			assert.Equal(t, raw, c.Encode(nil, got))
		})
	}
}

func TestEncodeAppends(t *testing.T) {
	var c Codec
	dst := []byte("prefix")
	out := c.Encode(dst, NewFrame(OpText, true, []byte("x")))
	assert.Equal(t, []byte("prefix\x81\x01x"), out)
}

// The codec must agree with an independent implementation in both directions.
func TestCodecInteropGobwas(t *testing.T) {
	key := [4]byte{0xa1, 0xb2, 0xc3, 0xd4}

	t.Run("gobwas encodes, codec decodes", func(t *testing.T) {
		for _, size := range []int{0, 10, 125, 126, 65535, 65536} {
			payload := bytes.Repeat([]byte{'z'}, size)
			f := ws.MaskFrameWith(ws.NewFrame(ws.OpBinary, true, payload), key)

			var buf bytes.Buffer
			require.NoError(t, ws.WriteFrame(&buf, f))

			var c Codec
			got, n, err := c.Decode(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, buf.Len(), n)
			assert.Equal(t, size, len(got.Payload))
			assert.True(t, bytes.Equal(payload, got.Payload))
			assert.Equal(t, key, got.MaskKey)
		}
	})

	t.Run("codec encodes, gobwas decodes", func(t *testing.T) {
		payload := []byte("interop payload")
		raw := EncodeFrame(OpText, false, payload, &key)

		f, err := ws.ReadFrame(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.False(t, f.Header.Fin)
		assert.Equal(t, ws.OpText, f.Header.OpCode)
		assert.True(t, f.Header.Masked)
		assert.Equal(t, key, f.Header.Mask)

		f = ws.UnmaskFrameInPlace(f)
		assert.Equal(t, payload, f.Payload)
	})
}

func BenchmarkDecode(b *testing.B) {
	key := [4]byte{1, 2, 3, 4}
	raw := EncodeFrame(OpBinary, true, bytes.Repeat([]byte{'a'}, 4096), &key)
	var c Codec
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()

	for b.Loop() {
		if _, _, err := c.Decode(raw); err != nil && !errors.Is(err, ErrUnexpectedEOF) {
			b.Fatal(err)
		}
	}
}

func BenchmarkMask(b *testing.B) {
	key := [4]byte{1, 2, 3, 4}
	data := make([]byte, 4096)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()

	for b.Loop() {
		Mask(key, 0, data)
	}
}
