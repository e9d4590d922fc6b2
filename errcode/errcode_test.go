package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestOfWalksChain(t *testing.T) {
	base := &E{C: BufferFull, Op: "buffer.put"}
	wrapped := fmt.Errorf("upload: %w", base)
	if got := Of(wrapped); got != BufferFull {
		t.Fatalf("Of=%q", got)
	}
	if got := Of(fmt.Errorf("x: %w", Busy)); got != Busy {
		t.Fatalf("Of bare code=%q", got)
	}
	if Of(nil) != OK || Of(errors.New("boom")) != Error {
		t.Fatal("fallbacks wrong")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(Timeout, "op", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	err := Wrap(Timeout, "i2c.tx", errors.New("nack"))
	if err.Error() != "i2c.tx: timeout: nack" {
		t.Fatalf("Error()=%q", err.Error())
	}
}

func TestFromReply(t *testing.T) {
	cases := map[string]Code{"busy": Busy, "denied": Denied, "no_free_ch": NoFreeChannel, "what": Error}
	for in, want := range cases {
		if got := FromReply(in); got != want {
			t.Errorf("FromReply(%q)=%q want %q", in, got, want)
		}
	}
}
