package conv

import "testing"

func TestAppendHex(t *testing.T) {
	got := string(AppendHex([]byte("radio tx "), []byte{0x00, 0x01, 0xAB, 0x7f}))
	if got != "radio tx 0001AB7F" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeHexPrefix(t *testing.T) {
	dst := make([]byte, 8)
	n := DecodeHexPrefix(dst, "0a0BzZ11")
	if n != 2 || dst[0] != 0x0a || dst[1] != 0x0b {
		t.Fatalf("n=%d dst=%x", n, dst[:n])
	}
	small := make([]byte, 1)
	if DecodeHexPrefix(small, "FFEE") != 1 || small[0] != 0xff {
		t.Fatal("dst bound not honoured")
	}
}

func TestU32Hex(t *testing.T) {
	var buf [8]byte
	if got := string(U32Hex(buf[:], 0xBEEF)); got != "0000BEEF" {
		t.Fatalf("got %q", got)
	}
}
