package hal

import (
	"strings"

	"github.com/go-logr/logr"
	"tinygo.org/x/drivers"

	"sensornode-go/errcode"
	"sensornode-go/x/ring"
	"sensornode-go/x/timex"
)

const (
	i2cQueueDepth = 8
	i2cHungAfter  = 30 // seconds
)

// Txn is one I2C write-then-read. A Name starting with "~" marks a probe
// whose failures are expected and not counted.
type Txn struct {
	Name string
	Addr uint16
	W, R []byte
}

func (t *Txn) quiet() bool { return strings.HasPrefix(t.Name, "~") }

// Callback receives the outcome of a scheduled Txn and reports whether the
// owner considers it a success.
type Callback func(err error, t *Txn) bool

type job struct {
	owner string
	txn   *Txn
	cb    Callback
	began uint32
}

// I2C serialises transactions on the single bus. Owners Schedule, the node
// loop Pumps, and callbacks run on the node loop.
type I2C struct {
	bus   drivers.I2C
	power *Power
	clk   timex.Clock
	log   logr.Logger

	queue *ring.Ring[job]
	users int

	onReset []func(owner string)

	Errors      uint32
	SchedErrors uint32
	LastError   string
}

func NewI2C(bus drivers.I2C, p *Power, clk timex.Clock, log logr.Logger) *I2C {
	return &I2C{bus: bus, power: p, clk: clk, log: log, queue: ring.New[job](i2cQueueDepth)}
}

// Init registers a user and powers the bus for the first one.
func (q *I2C) Init() {
	q.users++
	if q.users == 1 {
		q.power.Set(RailTWI, true)
	}
}

// Term releases a user; the last one powers the bus down. It reports
// whether there was a user to release.
func (q *I2C) Term() bool {
	if q.users <= 0 {
		q.users = 0
		return false
	}
	q.users--
	if q.users == 0 {
		q.power.Set(RailTWI, false)
	}
	return true
}

// Users is the number of outstanding Init calls.
func (q *I2C) Users() int { return q.users }

// OnReset registers a hook told about every owner whose work was aborted by
// a bus reset.
func (q *I2C) OnReset(fn func(owner string)) { q.onReset = append(q.onReset, fn) }

// Schedule queues t for owner. A Txn already queued may not be queued again.
func (q *I2C) Schedule(owner string, cb Callback, t *Txn) error {
	for i := 0; i < q.queue.Len(); i++ {
		j, _ := q.queue.Pop()
		q.queue.Push(j)
		if j.txn == t {
			q.SchedErrors++
			return &errcode.E{C: errcode.Busy, Op: "i2c.schedule", Msg: t.Name + " double-schedule"}
		}
	}
	if !q.queue.Push(job{owner: owner, txn: t, cb: cb, began: q.clk.Seconds()}) {
		q.SchedErrors++
		return &errcode.E{C: errcode.BufferFull, Op: "i2c.schedule", Msg: t.Name}
	}
	return nil
}

// Pending reports whether owner has queued work.
func (q *I2C) Pending(owner string) bool {
	found := false
	for i := 0; i < q.queue.Len(); i++ {
		j, _ := q.queue.Pop()
		q.queue.Push(j)
		if j.owner == owner {
			found = true
		}
	}
	return found
}

// Pump runs every queued transaction and delivers its callback. A bus
// timeout resets the bus. It returns the number of transactions run.
func (q *I2C) Pump() int {
	n := 0
	for {
		j, ok := q.queue.Pop()
		if !ok {
			return n
		}
		n++
		err := q.bus.Tx(j.txn.Addr, j.txn.W, j.txn.R)
		if err != nil && !j.txn.quiet() {
			q.Errors++
			q.LastError = j.txn.Name
			q.log.V(1).Info("txn failed", "txn", j.txn.Name, "err", err.Error())
		}
		if j.cb != nil && !j.cb(err, j.txn) && err == nil {
			q.Errors++
		}
		if errcode.Of(err) == errcode.Timeout {
			q.log.Info("bus hung, resetting", "txn", j.txn.Name)
			q.reset(j.owner)
			return n
		}
	}
}

// Check resets the bus when a transaction has waited too long.
func (q *I2C) Check() bool {
	j, ok := q.queue.Peek()
	if !ok || j.txn.quiet() {
		return false
	}
	if timex.WouldSuppress(q.clk.Seconds(), j.began, i2cHungAfter) {
		return false
	}
	q.log.Info("txn hung, resetting", "txn", j.txn.Name)
	q.Errors++
	q.Reset()
	return true
}

// Reset drops all queued work, releases every user and tells the reset
// hooks which owners lost work. Callbacks of dropped transactions see
// errcode.BusReset.
func (q *I2C) Reset() { q.reset() }

func (q *I2C) reset(owners ...string) {
	for {
		j, ok := q.queue.Pop()
		if !ok {
			break
		}
		if j.cb != nil {
			j.cb(errcode.BusReset, j.txn)
		}
		owners = append(owners, j.owner)
	}
	for q.Term() {
	}
	for _, fn := range q.onReset {
		for _, o := range owners {
			fn(o)
		}
		if len(owners) == 0 {
			fn("")
		}
	}
}
