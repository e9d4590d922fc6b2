package sensor

import (
	"testing"

	"github.com/go-logr/logr/testr"

	"sensornode-go/services/config"
	"sensornode-go/services/hal"
	"sensornode-go/services/stats"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

type fakeSettings struct {
	st    config.Settings
	saved int
}

func (f *fakeSettings) Current() config.Settings  { return f.st }
func (f *fakeSettings) Update(st config.Settings) { f.st = st }
func (f *fakeSettings) Save() error               { f.saved++; return nil }

type fakePower struct {
	on  map[hal.Rail]bool
	log []string
}

func (f *fakePower) Set(r hal.Rail, on bool) {
	if f.on == nil {
		f.on = map[hal.Rail]bool{}
	}
	f.on[r] = on
	s := "-"
	if on {
		s = "+"
	}
	f.log = append(f.log, s+r.String())
}

type fakeUART struct {
	cur     types.UART
	selects []types.UART
	lines   []string
}

func (f *fakeUART) Select(u types.UART) { f.cur = u; f.selects = append(f.selects, u) }
func (f *fakeUART) Current() types.UART { return f.cur }

func (f *fakeUART) SendLine(owner types.UART, line string) bool {
	if owner != f.cur {
		return false
	}
	f.lines = append(f.lines, line)
	return true
}

type fakeComm struct {
	mode       types.CommMode
	deselected bool
	switching  bool
	buffered   bool
	mtu        int
	updates    int
}

func (f *fakeComm) Mode() types.CommMode       { return f.mode }
func (f *fakeComm) Deselected() bool           { return f.deselected }
func (f *fakeComm) SwitchingAllowed() bool     { return f.switching }
func (f *fakeComm) WouldBeBuffered() bool      { return f.buffered }
func (f *fakeComm) MTU() int                   { return f.mtu }
func (f *fakeComm) InitiateServiceUpdate(bool) { f.updates++ }

type fakeLocator struct {
	status  types.GPSStatus
	loc     types.Location
	active  bool
	updates int
}

func (f *fakeLocator) Value() (types.GPSStatus, types.Location) { return f.status, f.loc }
func (f *fakeLocator) Update()                                  { f.updates++ }
func (f *fakeLocator) Active() bool                             { return f.active }

type fakeResetter struct{ hooks []func(string) }

func (f *fakeResetter) OnReset(fn func(owner string)) { f.hooks = append(f.hooks, fn) }

// fakeQueue holds scheduled transactions until the test runs them.
type fakeQueue struct {
	users int
	jobs  []fakeJob
	err   error
}

type fakeJob struct {
	owner string
	cb    hal.Callback
	txn   *hal.Txn
}

func (q *fakeQueue) Init() { q.users++ }

func (q *fakeQueue) Term() bool {
	if q.users == 0 {
		return false
	}
	q.users--
	return true
}

func (q *fakeQueue) Schedule(owner string, cb hal.Callback, t *hal.Txn) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, fakeJob{owner, cb, t})
	return nil
}

// run completes the oldest job, copying data into its read buffer.
func (q *fakeQueue) run(t *testing.T, data []byte, err error) *hal.Txn {
	t.Helper()
	if len(q.jobs) == 0 {
		t.Fatal("no job queued")
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	copy(j.txn.R, data)
	j.cb(err, j.txn)
	return j.txn
}

// probe is a scripted Handler.
type probe struct {
	Base
	finishAfter int
	upload      bool
	unconfigure bool

	inits, terms, measures, polls int
	settled, groupSettled         int
}

func (p *probe) InitPower(*Sensor) bool           { p.inits++; return true }
func (p *probe) TermPower(*Sensor) bool           { p.terms++; return true }
func (p *probe) DoneSettling(*Sensor)             { p.settled++ }
func (p *probe) DoneGroupSettling(*Sensor)        { p.groupSettled++ }
func (p *probe) Poll(*Sensor)                     { p.polls++ }
func (p *probe) UploadNeeded(types.Readings) bool { return p.upload }

func (p *probe) Measure(s *Sensor) {
	p.measures++
	if p.unconfigure {
		s.Unconfigure()
		return
	}
	if p.finishAfter != 0 && p.measures >= p.finishAfter {
		s.Completed()
	}
}

type rig struct {
	s        *Scheduler
	clk      *timex.Manual
	settings *fakeSettings
	power    *fakePower
	uart     *fakeUART
	stats    *stats.Stats
	bus      *fakeResetter
}

func newRig(t *testing.T, gps Locator, groups ...*Group) *rig {
	t.Helper()
	r := &rig{
		clk:      &timex.Manual{Now: 1000},
		settings: &fakeSettings{st: config.Settings{Product: ProductSolarcast, Sensors: ^uint32(0)}},
		power:    &fakePower{},
		uart:     &fakeUART{},
		stats:    &stats.Stats{},
		bus:      &fakeResetter{},
	}
	r.s = New(Deps{
		Clock:    r.clk,
		Power:    r.power,
		UART:     r.uart,
		Settings: r.settings,
		Stats:    r.stats,
		Bus:      r.bus,
		GPS:      gps,
		Delay:    func(uint32) {},
		Log:      testr.New(t),
		Groups:   groups,
	})
	return r
}

// tick advances the clock by one second and polls.
func (r *rig) tick(n int) {
	for i := 0; i < n; i++ {
		r.clk.Advance(1)
		r.s.Poll()
	}
}

// simpleGroup is due at boot, runs under any battery and comm mode and
// repeats every ten minutes.
func simpleGroup(name string, sensors ...*Sensor) *Group {
	return &Group{
		Name:        name,
		Battery:     types.BatAll,
		Comm:        types.CommAll,
		SenseAtBoot: true,
		Repeat:      []Repeat{{types.BatAll, 600}},
		Sensors:     sensors,
	}
}
