package sensor

import (
	"errors"
	"fmt"

	"sensornode-go/drivers/aht20"
	"sensornode-go/services/hal"
	"sensornode-go/services/stats"
	"sensornode-go/types"
	"sensornode-go/x/mathx"
)

// Air sample cadence: one conversion per poll, averaged over the settling
// period.
const (
	AirSampleSeconds = 20
	AirPeriodSeconds = AirSampleSeconds * 8
)

// Air averages AHT20 temperature and humidity samples taken while the
// sensor settles. Each poll collects the conversion started by the previous
// one and starts the next, so nothing waits on the bus.
type Air struct {
	Base
	Bus I2C

	initTxn hal.Txn
	trigTxn hal.Txn
	readTxn hal.Txn
	r       [aht20.SampleLen]byte

	initializing bool
	triggering   bool
	reading      bool
	triggered    bool
	busUser      bool

	temps  []float32
	humids []float32

	reported bool
	tempC    float32
	humidity float32
}

func NewAir(bus I2C) *Air { return &Air{Bus: bus} }

func (a *Air) InitPower(s *Sensor) bool {
	a.Bus.Init()
	a.busUser = true
	a.triggered = false
	a.temps, a.humids = a.temps[:0], a.humids[:0]
	if a.initializing {
		return true
	}
	a.initTxn = hal.Txn{Name: s.Name + "-init", Addr: aht20.Address, W: aht20.InitCommand()}
	cb := func(err error, t *hal.Txn) bool {
		a.initializing = false
		return err == nil
	}
	if err := a.Bus.Schedule(s.Name, cb, &a.initTxn); err != nil {
		return false
	}
	a.initializing = true
	return true
}

func (a *Air) TermPower(s *Sensor) bool {
	if a.busUser {
		a.busUser = false
		a.Bus.Term()
	}
	return true
}

func (a *Air) Poll(s *Sensor) {
	if !s.PollingValid() {
		return
	}
	if a.triggered && !a.reading {
		a.readTxn = hal.Txn{Name: s.Name + "-read", Addr: aht20.Address, R: a.r[:]}
		if err := a.Bus.Schedule(s.Name, func(err error, t *hal.Txn) bool { return a.collect(s, err) }, &a.readTxn); err != nil {
			s.Unconfigure()
			return
		}
		a.reading = true
	}
	if !a.triggering {
		a.trigTxn = hal.Txn{Name: s.Name + "-trigger", Addr: aht20.Address, W: aht20.TriggerCommand()}
		cb := func(err error, t *hal.Txn) bool {
			a.triggering = false
			a.triggered = err == nil
			return err == nil
		}
		if err := a.Bus.Schedule(s.Name, cb, &a.trigTxn); err != nil {
			s.Unconfigure()
			return
		}
		a.triggering = true
	}
}

func (a *Air) collect(s *Sensor, err error) bool {
	a.reading = false
	a.triggered = false
	if err != nil {
		return false
	}
	sample, err := aht20.ParseSample(a.r[:])
	if errors.Is(err, aht20.ErrNotReady) {
		return true
	}
	if err != nil {
		return false
	}
	a.temps = append(a.temps, mathx.Clamp(sample.Celsius(), -40, 85))
	a.humids = append(a.humids, mathx.Clamp(sample.RelHumidity(), 0, 100))
	return true
}

// Measure reports the average once any collect in flight has landed.
func (a *Air) Measure(s *Sensor) {
	if a.reading {
		return
	}
	if len(a.temps) == 0 {
		s.Log().Info("no samples")
		s.Stats().Inc(stats.ErrorsAir)
		s.Completed()
		return
	}
	a.tempC = float32(mathx.Mean(a.temps...))
	a.humidity = float32(mathx.Mean(a.humids...))
	a.reported = true
	s.Report(types.Readings{HasEnv: true, EnvTempC: a.tempC, EnvHumidity: a.humidity})
	s.Completed()
}

func (a *Air) UploadNeeded(pending types.Readings) bool { return pending.HasEnv }

func (a *Air) Show() string {
	if !a.reported {
		return ""
	}
	return fmt.Sprintf("%.1fC %.1f%%RH", a.tempC, a.humidity)
}
