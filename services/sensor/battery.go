package sensor

import (
	"fmt"

	"sensornode-go/drivers/max17043"
	"sensornode-go/services/hal"
	"sensornode-go/services/stats"
	"sensornode-go/types"
)

// I2C is the shared bus queue as the I2C sensors use it.
type I2C interface {
	Init()
	Term() bool
	Schedule(owner string, cb hal.Callback, t *hal.Txn) error
}

// Gauge reads one register of the MAX17043 fuel gauge. The state of charge
// register also feeds the battery classifier.
type Gauge struct {
	Base
	Bus I2C
	Reg byte

	txn      hal.Txn
	w        [1]byte
	r        [2]byte
	inFlight bool
	busUser  bool
	reported bool
	value    float32
}

// NewGauge returns a handler for reg, either max17043.RegVCell or RegSOC.
func NewGauge(bus I2C, reg byte) *Gauge { return &Gauge{Bus: bus, Reg: reg} }

// Value is the last reading, in volts or percent.
func (g *Gauge) Value() (float32, bool) { return g.value, g.reported }

func (g *Gauge) InitPower(s *Sensor) bool {
	g.Bus.Init()
	g.busUser = true
	g.inFlight = false
	return true
}

func (g *Gauge) TermPower(s *Sensor) bool {
	if g.busUser {
		g.busUser = false
		g.Bus.Term()
	}
	return true
}

func (g *Gauge) Measure(s *Sensor) {
	if g.inFlight {
		return
	}
	g.w[0] = g.Reg
	g.txn = hal.Txn{Name: s.Name, Addr: max17043.Address, W: g.w[:], R: g.r[:]}
	cb := func(err error, t *hal.Txn) bool { return g.done(s, err) }
	if err := g.Bus.Schedule(s.Name, cb, &g.txn); err != nil {
		s.Log().Info("schedule failed", "err", err.Error())
		s.Unconfigure()
		return
	}
	g.inFlight = true
}

func (g *Gauge) done(s *Sensor, err error) bool {
	g.inFlight = false
	defer s.Completed()
	if err != nil {
		s.Stats().Inc(stats.ErrorsBattery)
		return false
	}
	var v float32
	if g.Reg == max17043.RegSOC {
		v, err = max17043.DecodeSOC(g.r[:])
	} else {
		v, err = max17043.DecodeVCell(g.r[:])
	}
	if err != nil {
		return false
	}
	g.value, g.reported = v, true
	if g.Reg == max17043.RegSOC {
		s.Scheduler().SetSOC(v)
		s.Report(types.Readings{HasBattery: true, BatterySOC: v})
		s.Stats().Battery = fmt.Sprintf("%.1f%% %s", v, s.Battery())
	}
	return true
}

// UploadNeeded holds the group back while a state of charge is unsent.
func (g *Gauge) UploadNeeded(pending types.Readings) bool { return pending.HasBattery }

func (g *Gauge) Show() string {
	if !g.reported {
		return ""
	}
	if g.Reg == max17043.RegSOC {
		return fmt.Sprintf("%.1f%%", g.value)
	}
	return fmt.Sprintf("%.3fV", g.value)
}
