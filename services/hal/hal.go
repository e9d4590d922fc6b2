// Package hal owns the node's singleton hardware resources: the power rails,
// the switchable UART and the I2C bus. Nothing here locks; callers consult
// the predicates before acting and everything runs on the node loop except
// the UART byte pump.
package hal

import (
	"github.com/go-logr/logr"
	"tinygo.org/x/drivers"

	"sensornode-go/x/timex"
)

// Board bundles the resources of one node.
type Board struct {
	Power *Power
	UART  *Mux
	I2C   *I2C
}

// NewBoard wires the resources over the platform's pins, UART switch and bus.
func NewBoard(pins Pins, sw Switch, bus drivers.I2C, clk timex.Clock, log logr.Logger) *Board {
	p := NewPower(pins)
	return &Board{
		Power: p,
		UART:  NewMux(sw, p, log.WithName("uart")),
		I2C:   NewI2C(bus, p, clk, log.WithName("i2c")),
	}
}
