// Package conv holds allocation-light conversions used on the modem wire.
package conv

const hexd = "0123456789ABCDEF"

// AppendHex appends the uppercase hex form of src to dst.
func AppendHex(dst, src []byte) []byte {
	for _, b := range src {
		dst = append(dst, hexd[b>>4], hexd[b&0xF])
	}
	return dst
}

// U32Hex writes 8-digit uppercase hex without 0x, zero-padded.
func U32Hex(buf []byte, n uint32) []byte {
	if len(buf) < 8 {
		return buf[:0]
	}
	i := len(buf)
	for j := 0; j < 8; j++ {
		i--
		buf[i] = hexd[n&0xF]
		n >>= 4
	}
	return buf[i:]
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// DecodeHexPrefix decodes hex pairs from s into dst until the first pair that
// is not hex, the end of s, or dst is full. It returns the bytes written.
func DecodeHexPrefix(dst []byte, s string) int {
	n := 0
	for i := 0; i+1 < len(s) && n < len(dst); i += 2 {
		hi, ok1 := nibble(s[i])
		lo, ok2 := nibble(s[i+1])
		if !ok1 || !ok2 {
			break
		}
		dst[n] = hi<<4 | lo
		n++
	}
	return n
}
