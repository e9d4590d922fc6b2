// Package max17043 provides a driver for the MAX17043 single-cell fuel gauge.
//
// Registers are 16 bits, big endian, read by writing the register address
// and then reading two bytes. The Decode helpers are exported so that callers
// driving the bus asynchronously can share the conversions.
package max17043

import (
	"errors"

	"tinygo.org/x/drivers"
)

// I2C address.
const Address = 0x36

// Registers.
const (
	RegVCell   = 0x02
	RegSOC     = 0x04
	RegMode    = 0x06
	RegVersion = 0x08
	RegConfig  = 0x0C
	RegCommand = 0xFE
)

const (
	modeQuickStart = 0x4000
	commandReset   = 0x5400
)

var ErrShortRead = errors.New("max17043: short read")

// Device wraps an I2C connection to a MAX17043.
type Device struct {
	bus     drivers.I2C
	Address uint16
	buf     [2]byte
}

// New creates a Device. It does not touch the bus.
func New(bus drivers.I2C) Device {
	return Device{bus: bus, Address: Address}
}

func (d *Device) read(reg byte) (uint16, error) {
	if err := d.bus.Tx(d.Address, []byte{reg}, d.buf[:]); err != nil {
		return 0, err
	}
	return uint16(d.buf[0])<<8 | uint16(d.buf[1]), nil
}

func (d *Device) write(reg byte, v uint16) error {
	return d.bus.Tx(d.Address, []byte{reg, byte(v >> 8), byte(v)}, nil)
}

// QuickStart restarts the fuel-gauge calculations from the present voltage.
func (d *Device) QuickStart() error { return d.write(RegMode, modeQuickStart) }

// Reset is a power-on reset of the gauge.
func (d *Device) Reset() error { return d.write(RegCommand, commandReset) }

// Version returns the production version register.
func (d *Device) Version() (uint16, error) { return d.read(RegVersion) }

// Voltage returns the cell voltage in volts.
func (d *Device) Voltage() (float32, error) {
	if _, err := d.read(RegVCell); err != nil {
		return 0, err
	}
	return DecodeVCell(d.buf[:])
}

// SOC returns the state of charge in percent.
func (d *Device) SOC() (float32, error) {
	if _, err := d.read(RegSOC); err != nil {
		return 0, err
	}
	return DecodeSOC(d.buf[:])
}

// DecodeVCell converts a VCELL register (12 bits, 1.25 mV per count) to volts.
func DecodeVCell(b []byte) (float32, error) {
	if len(b) < 2 {
		return 0, ErrShortRead
	}
	raw := (uint16(b[0])<<8 | uint16(b[1])) >> 4
	return float32(raw) / 800, nil
}

// DecodeSOC converts an SOC register (percent in the high byte, 1/256ths in
// the low byte) to percent.
func DecodeSOC(b []byte) (float32, error) {
	if len(b) < 2 {
		return 0, ErrShortRead
	}
	return float32(b[0]) + float32(b[1])/256, nil
}
