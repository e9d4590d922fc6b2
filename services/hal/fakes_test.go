package hal

import (
	"bytes"

	"sensornode-go/types"
)

type fakePins struct {
	state map[Rail]bool
	log   []string
}

func newFakePins() *fakePins { return &fakePins{state: map[Rail]bool{}} }

func (f *fakePins) Set(r Rail, on bool) {
	f.state[r] = on
	s := "-"
	if on {
		s = "+"
	}
	f.log = append(f.log, s+r.String())
}

type fakeSwitch struct {
	routed []types.UART
	bauds  []uint32
	out    bytes.Buffer
	in     []byte
}

func (f *fakeSwitch) Route(u types.UART, baud uint32) error {
	f.routed = append(f.routed, u)
	f.bauds = append(f.bauds, baud)
	return nil
}

func (f *fakeSwitch) Write(p []byte) (int, error) { return f.out.Write(p) }

func (f *fakeSwitch) Read(p []byte) (int, error) {
	n := copy(p, f.in)
	f.in = f.in[n:]
	return n, nil
}

type fakeBus struct {
	txs  []uint16
	errs []error
}

func (f *fakeBus) Tx(addr uint16, w, r []byte) error {
	f.txs = append(f.txs, addr)
	for i := range r {
		r[i] = byte(addr)
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}
