package hal

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"

	"sensornode-go/errcode"
	"sensornode-go/x/timex"
)

func newQueue() (*I2C, *fakeBus, *fakePins, *timex.Manual) {
	bus := &fakeBus{}
	pins := newFakePins()
	clk := &timex.Manual{Now: 100}
	return NewI2C(bus, NewPower(pins), clk, logr.Discard()), bus, pins, clk
}

func TestScheduleAndPump(t *testing.T) {
	q, bus, _, _ := newQueue()
	var got []byte
	txn := &Txn{Name: "gauge", Addr: 0x36, W: []byte{0x04}, R: make([]byte, 2)}
	err := q.Schedule("battery", func(err error, tx *Txn) bool {
		got = append(got, tx.R...)
		return err == nil
	}, txn)
	if err != nil {
		t.Fatal(err)
	}
	if !q.Pending("battery") || q.Pending("air") {
		t.Fatal("pending")
	}
	if n := q.Pump(); n != 1 || len(bus.txs) != 1 {
		t.Fatalf("pumped %d", n)
	}
	if len(got) != 2 || got[0] != 0x36 {
		t.Fatalf("read %v", got)
	}
	if q.Pending("battery") {
		t.Fatal("still pending")
	}
}

func TestDoubleScheduleRefused(t *testing.T) {
	q, _, _, _ := newQueue()
	txn := &Txn{Name: "air", Addr: 0x38}
	if err := q.Schedule("air", nil, txn); err != nil {
		t.Fatal(err)
	}
	err := q.Schedule("air", nil, txn)
	if errcode.Of(err) != errcode.Busy {
		t.Fatalf("err=%v", err)
	}
}

func TestQueueFull(t *testing.T) {
	q, _, _, _ := newQueue()
	for i := 0; i < i2cQueueDepth; i++ {
		if err := q.Schedule("x", nil, &Txn{Name: "t"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Schedule("x", nil, &Txn{Name: "t"}); errcode.Of(err) != errcode.BufferFull {
		t.Fatalf("err=%v", err)
	}
}

func TestErrorsCountedUnlessQuiet(t *testing.T) {
	q, bus, _, _ := newQueue()
	bus.errs = []error{errors.New("nack"), errors.New("nack")}
	q.Schedule("a", nil, &Txn{Name: "~probe"})
	q.Schedule("b", nil, &Txn{Name: "read"})
	q.Pump()
	if q.Errors != 1 || q.LastError != "read" {
		t.Fatalf("errors=%d last=%q", q.Errors, q.LastError)
	}
}

func TestTimeoutResetsBus(t *testing.T) {
	q, bus, pins, _ := newQueue()
	q.Init()
	q.Init()
	if !pins.state[RailTWI] {
		t.Fatal("twi not powered")
	}
	var aborted []string
	q.OnReset(func(owner string) { aborted = append(aborted, owner) })

	var resetSeen bool
	bus.errs = []error{errcode.Timeout}
	q.Schedule("air", nil, &Txn{Name: "air"})
	q.Schedule("battery", func(err error, _ *Txn) bool {
		resetSeen = errcode.Of(err) == errcode.BusReset
		return false
	}, &Txn{Name: "gauge"})
	q.Pump()

	if !resetSeen {
		t.Fatal("dropped callback not told about the reset")
	}
	if len(aborted) != 2 || aborted[0] != "air" || aborted[1] != "battery" {
		t.Fatalf("aborted=%v", aborted)
	}
	if q.Users() != 0 || pins.state[RailTWI] {
		t.Fatal("users not drained")
	}
}

func TestCheckResetsHungQueue(t *testing.T) {
	q, _, _, clk := newQueue()
	var n int
	q.OnReset(func(string) { n++ })
	q.Schedule("air", nil, &Txn{Name: "air"})
	clk.Advance(10)
	if q.Check() {
		t.Fatal("reset too early")
	}
	clk.Advance(30)
	if !q.Check() || n != 1 {
		t.Fatalf("hung check n=%d", n)
	}
}
