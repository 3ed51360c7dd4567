package protocol

// UTF8Validator checks UTF-8 incrementally. It keeps only the state of the
// multi-byte sequence in progress, so a text message can be validated one
// fragment at a time without rescanning earlier fragments.
//
// The accepted byte ranges follow Unicode table 3-7 (well-formed UTF-8 byte
// sequences): overlong forms, surrogates and code points above U+10FFFF are
// rejected.
type UTF8Validator struct {
	// need is the number of continuation bytes still expected.
	need uint8
	// seen is the number of bytes of the current sequence already accepted.
	seen uint8
	// lo and hi bound the next continuation byte.
	lo, hi byte
}

// Write validates the next chunk. On failure the validator is reset and
// ErrInvalidUTF8 is returned.
func (v *UTF8Validator) Write(p []byte) error {
	i := 0
	for i < len(p) {
		if v.need == 0 {
			// ASCII run.
			for i < len(p) && p[i] < 0x80 {
				i++
			}
			if i == len(p) {
				return nil
			}
			if !v.lead(p[i]) {
				v.Reset()
				return ErrInvalidUTF8
			}
			i++
			continue
		}

		b := p[i]
		if b < v.lo || b > v.hi {
			v.Reset()
			return ErrInvalidUTF8
		}
		v.need--
		v.seen++
		v.lo, v.hi = 0x80, 0xBF
		if v.need == 0 {
			v.seen = 0
		}
		i++
	}
	return nil
}

// lead starts a multi-byte sequence for lead byte b.
func (v *UTF8Validator) lead(b byte) bool {
	v.lo, v.hi = 0x80, 0xBF
	switch {
	case b >= 0xC2 && b <= 0xDF:
		v.need = 1
	case b == 0xE0:
		v.need, v.lo = 2, 0xA0
	case b >= 0xE1 && b <= 0xEC, b == 0xEE, b == 0xEF:
		v.need = 2
	case b == 0xED:
		// U+D800..U+DFFF are surrogates.
		v.need, v.hi = 2, 0x9F
	case b == 0xF0:
		v.need, v.lo = 3, 0x90
	case b >= 0xF1 && b <= 0xF3:
		v.need = 3
	case b == 0xF4:
		v.need, v.hi = 3, 0x8F
	default:
		// 0x80..0xC1 and 0xF5..0xFF never start a sequence.
		return false
	}
	v.seen = 1
	return true
}

// Finish reports whether the input ended on a character boundary and
// resets the validator for the next message.
func (v *UTF8Validator) Finish() error {
	pending := v.need != 0
	v.Reset()
	if pending {
		return ErrInvalidUTF8
	}
	return nil
}

// Pending reports whether a multi-byte sequence is incomplete.
func (v *UTF8Validator) Pending() bool {
	return v.need != 0
}

// Reset discards any partial sequence.
func (v *UTF8Validator) Reset() {
	*v = UTF8Validator{}
}

// ValidUTF8 reports whether p is complete, well-formed UTF-8.
func ValidUTF8(p []byte) bool {
	var v UTF8Validator
	return v.Write(p) == nil && v.Finish() == nil
}
