package hal

import "sensornode-go/types"

// Battery classifies state of charge with hysteresis at both ends.
type Battery struct {
	recovery     bool
	fullRecovery bool
}

// NewBattery returns a classifier that, as after boot, holds off reporting
// full until the charge has reached the top of the full band once.
func NewBattery() Battery { return Battery{fullRecovery: true} }

// Classify maps a state of charge in percent (0 meaning unknown) and the
// operating mode to a battery status.
func (b *Battery) Classify(soc float32, op types.OpMode) types.BatteryStatus {
	if soc != 0 && soc < 10 {
		return types.BatDead
	}
	switch op {
	case types.OpTestBurn:
		return types.BatBurn
	case types.OpTestFast:
		return types.BatTest
	case types.OpMobile:
		return types.BatMobile
	case types.OpTestDead:
		return types.BatNoSensors
	}
	if soc == 0 {
		return types.BatNormal
	}
	if b.recovery {
		if soc < 70 {
			return types.BatEmergency
		}
		b.recovery = false
		return types.BatNormal
	}
	if soc < 20 {
		b.recovery = true
		return types.BatEmergency
	}
	if soc < 60 {
		return types.BatLow
	}
	if soc < 40 {
		return types.BatWarning
	}
	if soc < 100 {
		b.fullRecovery = true
		return types.BatNormal
	}
	if b.fullRecovery && soc < 110 {
		return types.BatNormal
	}
	b.fullRecovery = false
	return types.BatFull
}

// Cell voltage window mapped linearly onto 0..100 percent.
const (
	socMinVolts = 3.5
	socMaxVolts = 4.0
)

// SOCFromVoltage estimates state of charge for gauges that only report
// battery voltage.
func SOCFromVoltage(v float32) float32 {
	cur := v - socMinVolts
	if cur < 0 {
		cur = 0
	}
	return cur * 100 / (socMaxVolts - socMinVolts)
}
