// Package sensor is the sensor scheduler. Sensors are grouped by the
// resource they share (a power rail, the I2C bus, the switchable UART) and
// each group runs a power-up, settle, measure, power-down cycle on its own
// repeat interval. The shared resources are not locked: a group starts only
// after the exclusivity predicates say nothing else would contend with it.
//
// Everything runs on the node loop. Timers are emulated by Poll, which
// fires each running poller once its period has elapsed.
package sensor

import (
	"github.com/go-logr/logr"

	"sensornode-go/services/hal"
	"sensornode-go/services/stats"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

// Configuration bits in the settings' sensors mask.
const (
	MaskBattery uint32 = 1 << iota
	MaskAir
	MaskGeiger
	MaskGPS
)

// Handler is what a sensor can do. Embed Base and override what applies.
type Handler interface {
	// InitOnce runs at boot. Returning false leaves the sensor unconfigured.
	InitOnce(s *Sensor) bool
	// InitPower runs after the group's power comes up. False counts a failure.
	InitPower(s *Sensor) bool
	// TermPower runs before the group's power goes down. False counts a failure.
	TermPower(s *Sensor) bool
	DoneSettling(s *Sensor)
	DoneGroupSettling(s *Sensor)
	// Measure is called every tick until the sensor reports Completed.
	Measure(s *Sensor)
	// Poll runs on the sensor's timer while polling is valid.
	Poll(s *Sensor)
	// UploadNeeded reports whether pending holds an unsent value from this
	// sensor.
	UploadNeeded(pending types.Readings) bool
	Show() string
}

// Base is the no-op Handler.
type Base struct{}

func (Base) InitOnce(*Sensor) bool            { return true }
func (Base) InitPower(*Sensor) bool           { return true }
func (Base) TermPower(*Sensor) bool           { return true }
func (Base) DoneSettling(*Sensor)             {}
func (Base) DoneGroupSettling(*Sensor)        {}
func (Base) Measure(*Sensor)                  {}
func (Base) Poll(*Sensor)                     {}
func (Base) UploadNeeded(types.Readings) bool { return false }
func (Base) Show() string                     { return "" }

// Poller describes a periodic timer. A zero Seconds means none.
type Poller struct {
	Seconds uint32

	// DuringSettling starts the timer at power-up instead of after settling.
	DuringSettling bool

	// Continuously starts the timer at boot and never stops it.
	Continuously bool
}

type timer struct {
	running bool
	valid   bool
	last    uint32
}

func (t *timer) start(now uint32) {
	t.running, t.valid, t.last = true, true, now
}

func (t *timer) stop() { t.running, t.valid = false, false }

// due reports whether a running, valid timer of period iv fires now.
func (t *timer) due(now, iv uint32) bool {
	if !t.running || !t.valid || iv == 0 {
		return false
	}
	return !timex.ShouldSuppress(now, &t.last, iv)
}

// Sensor is one measurement source within a group.
type Sensor struct {
	Name          string
	Mask          uint32
	SettleSeconds uint32
	Poller        Poller
	Handler       Handler

	configured    bool
	processing    bool
	settling      bool
	completed     bool
	testing       bool
	deconfigure   bool
	lastSettled   uint32
	timer         timer
	InitFailures  uint32
	TermFailures  uint32

	group *Group
	sched *Scheduler
}

// Configured reports whether the sensor is in rotation.
func (s *Sensor) Configured() bool { return s.configured }

// Completed marks the current measurement done and stops polling.
func (s *Sensor) Completed() {
	s.completed = true
	s.timer.valid = false
	s.sched.log.V(1).Info("measured", "sensor", s.Name)
}

// Unconfigure drops the sensor from rotation at the end of the group's
// cycle. In burn-in the sensor is kept so that faulty hardware keeps being
// exercised.
func (s *Sensor) Unconfigure() {
	s.completed = true
	s.timer.valid = false
	if s.sched.OpMode() == types.OpTestBurn {
		s.sched.log.Info("would deconfigure, kept for burn-in", "sensor", s.Name)
		return
	}
	s.deconfigure = true
	s.sched.log.Info("deconfiguring", "sensor", s.Name)
}

// PollingValid reports whether the sensor's timer may do work.
func (s *Sensor) PollingValid() bool { return s.timer.valid }

// Report merges r into the measurements waiting for upload.
func (s *Sensor) Report(r types.Readings) { s.sched.pending.Merge(r) }

func (s *Sensor) Now() uint32                  { return s.sched.clk.Seconds() }
func (s *Sensor) OpMode() types.OpMode         { return s.sched.OpMode() }
func (s *Sensor) Battery() types.BatteryStatus { return s.sched.Battery() }
func (s *Sensor) Stats() *stats.Stats          { return s.sched.stats }
func (s *Sensor) Log() logr.Logger             { return s.sched.log.WithName(s.Name) }
func (s *Sensor) Group() *Group                { return s.group }
func (s *Sensor) Scheduler() *Scheduler        { return s.sched }

// Repeat maps battery states to a repeat interval. A group's table is
// searched in order and the first entry whose mask intersects the current
// status wins.
type Repeat struct {
	Battery types.BatteryStatus
	Seconds uint32
}

// Group is a set of sensors sharing power and scheduling.
type Group struct {
	Name    string
	Product string
	Battery types.BatteryStatus
	Comm    types.CommMode

	// Exclusive groups run only when no other group is processing.
	// PowerExclusive groups wait for other power-exclusive groups to power
	// off, TWIExclusive groups for other TWI-exclusive groups to finish.
	Exclusive      bool
	PowerExclusive bool
	TWIExclusive   bool

	SenseAtBoot   bool
	Rails         []hal.Rail
	PowerDelayMS  uint32
	UARTRequired  types.UART
	UARTRequested types.UART
	SettleSeconds uint32
	Repeat        []Repeat
	Sensors       []*Sensor

	Poller Poller
	Poll   func(g *Group)

	// Skip vetoes a start. It is ignored in sensor test mode.
	Skip func(g *Group) bool

	configured  bool
	processing  bool
	settling    bool
	poweredOn   bool
	testing     bool
	deconfigure bool
	override    uint32
	lastRepeat  uint32
	lastSettled uint32
	timer       timer
	claimedUART types.UART

	sched *Scheduler
}

func (g *Group) Configured() bool      { return g.configured }
func (g *Group) Processing() bool      { return g.processing }
func (g *Group) PoweredOn() bool       { return g.poweredOn }
func (g *Group) Scheduler() *Scheduler { return g.sched }

// Unconfigure drops the whole group once it is idle, except in burn-in.
func (g *Group) Unconfigure() {
	if g.sched.OpMode() == types.OpTestBurn {
		g.sched.log.Info("would deconfigure, kept for burn-in", "group", g.Name)
		return
	}
	g.deconfigure = true
	g.sched.log.Info("deconfiguring", "group", g.Name)
}

// PollingValid reports whether the group's timer may do work.
func (g *Group) PollingValid() bool { return g.timer.valid }

// Sensor finds a member by name.
func (g *Group) Sensor(name string) *Sensor {
	for _, s := range g.Sensors {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// complete marks every configured, unfinished sensor done. It reports
// whether anything changed.
func (g *Group) complete() bool {
	g.timer.valid = false
	changed := false
	for _, s := range g.Sensors {
		if s.configured && !s.completed {
			s.completed = true
			s.timer.valid = false
			changed = true
		}
	}
	return changed
}
