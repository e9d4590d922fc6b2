//go:build rp2040

package hal

import (
	"context"
	"errors"
	"machine"
	"time"

	"github.com/go-logr/logr"
	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"sensornode-go/types"
	"sensornode-go/x/timex"
)

// Board wiring for the Pico carrier.
var (
	railPins = map[Rail]machine.Pin{
		RailLoRa:   machine.GP10,
		RailCell:   machine.GP11,
		RailGPS:    machine.GP12,
		RailAir:    machine.GP13,
		RailGeiger: machine.GP14,
		RailTWI:    machine.GP15,
		RailPS5V:   machine.GP16,
		RailPSBat:  machine.GP17,
	}
	muxSelA     = machine.GP18
	muxSelB     = machine.GP19
	muxDeselect = machine.GP20
	geigerPin   = machine.GP21

	muxCodes = map[types.UART]uint8{
		types.UARTLoRa: 1,
		types.UARTCell: 2,
		types.UARTGPS:  3,
		types.UARTPMS:  0,
	}
)

// RP2Pins drives rails from GPIOs.
type RP2Pins struct{}

func (RP2Pins) Set(r Rail, on bool) {
	if p, ok := railPins[r]; ok {
		p.Set(on)
	}
}

// RP2Switch routes UART1 through the external mux.
type RP2Switch struct{ u *uartx.UART }

func (s *RP2Switch) Route(u types.UART, baud uint32) error {
	muxDeselect.High()
	if u == types.UARTNone {
		return nil
	}
	code := muxCodes[u]
	muxSelA.Set(code&1 != 0)
	muxSelB.Set(code&2 != 0)
	s.u.SetBaudRate(baud)
	time.Sleep(100 * time.Millisecond)
	muxDeselect.Low()
	return nil
}

func (s *RP2Switch) Write(p []byte) (int, error) { return s.u.Write(p) }

func (s *RP2Switch) Read(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	n, err := s.u.RecvSomeContext(ctx, p)
	if errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return n, err
}

// NewRP2Board configures the pins, the mux UART, I2C0 and the geiger
// pulse input.
func NewRP2Board(clk timex.Clock, log logr.Logger) (*Board, *RP2Switch, *PulseCounter) {
	for _, p := range railPins {
		p.Configure(machine.PinConfig{Mode: machine.PinOutput})
		p.Low()
	}
	for _, p := range []machine.Pin{muxSelA, muxSelB, muxDeselect} {
		p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	}
	muxDeselect.High()

	u := uartx.UART1
	_ = u.Configure(uartx.UARTConfig{BaudRate: 57600, TX: machine.GP8, RX: machine.GP9})
	sw := &RP2Switch{u: u}

	i2c := machine.I2C0
	_ = i2c.Configure(machine.I2CConfig{
		Frequency: 100 * machine.KHz,
		SDA:       machine.I2C0_SDA_PIN,
		SCL:       machine.I2C0_SCL_PIN,
	})

	pulses := NewPulseCounter(200 * time.Microsecond)
	geigerPin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	if err := geigerPin.SetInterrupt(machine.PinFalling, func(machine.Pin) { pulses.Pulse(time.Now()) }); err != nil {
		log.Error(err, "geiger interrupt")
	}
	return NewBoard(RP2Pins{}, sw, i2c, clk, log), sw, pulses
}
