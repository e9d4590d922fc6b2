// Package aht20 drives the AHT20 temperature and humidity sensor.
//
// A measurement is split in two so the caller never sleeps on the bus:
//
//	d.Trigger()          // start a conversion (about 80 ms)
//	err := d.Collect(&s) // ErrNotReady while the conversion runs
//
// Callers that queue bus transactions themselves use TriggerCommand and
// ParseSample instead of the Device.
package aht20

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"
)

// I2C address.
const Address = 0x38

const (
	cmdTrigger    = 0xAC
	cmdInitialize = 0xBE
	cmdSoftReset  = 0xBA
	cmdStatus     = 0x71

	statusBusy       = 0x80
	statusCalibrated = 0x08
)

// SampleLen is the length of a measurement read.
const SampleLen = 7

// ConversionTime is the nominal delay between Trigger and a ready sample.
const ConversionTime = 80 * time.Millisecond

var (
	ErrNotReady = errors.New("aht20: not ready")
	ErrProtocol = errors.New("aht20: protocol error")
)

// TriggerCommand starts a conversion.
func TriggerCommand() []byte { return []byte{cmdTrigger, 0x33, 0x00} }

// InitCommand loads the calibration.
func InitCommand() []byte { return []byte{cmdInitialize, 0x08, 0x00} }

// Calibrated reports whether a status byte shows a calibrated device.
func Calibrated(status byte) bool { return status&statusCalibrated != 0 }

// Device wraps an I2C connection to an AHT20.
type Device struct {
	bus     drivers.I2C
	Address uint16
	buf     [SampleLen]byte
	last    Sample
}

// New creates a Device. It does not touch the bus.
func New(bus drivers.I2C) Device {
	return Device{bus: bus, Address: Address}
}

// Configure loads the calibration unless the device reports it already has.
func (d *Device) Configure() error {
	st, err := d.Status()
	if err == nil && Calibrated(st) {
		return nil
	}
	return d.bus.Tx(d.Address, InitCommand(), nil)
}

// Reset issues a soft reset. The device needs about 20 ms afterwards.
func (d *Device) Reset() error {
	return d.bus.Tx(d.Address, []byte{cmdSoftReset}, nil)
}

// Status reads the status byte.
func (d *Device) Status() (byte, error) {
	b := []byte{0}
	if err := d.bus.Tx(d.Address, []byte{cmdStatus}, b); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Trigger starts a measurement without waiting for it.
func (d *Device) Trigger() error {
	return d.bus.Tx(d.Address, TriggerCommand(), nil)
}

// Collect reads a finished measurement into out.
func (d *Device) Collect(out *Sample) error {
	if err := d.bus.Tx(d.Address, nil, d.buf[:]); err != nil {
		return err
	}
	s, err := ParseSample(d.buf[:])
	if err != nil {
		return err
	}
	d.last = s
	if out != nil {
		*out = s
	}
	return nil
}

// Last is the most recent sample collected.
func (d *Device) Last() Sample { return d.last }

// ParseSample decodes a measurement read. It returns ErrNotReady while the
// device is busy or uncalibrated.
func ParseSample(b []byte) (Sample, error) {
	if len(b) < SampleLen-1 {
		return Sample{}, ErrProtocol
	}
	if !Calibrated(b[0]) || b[0]&statusBusy != 0 {
		return Sample{}, ErrNotReady
	}
	return Sample{
		RawHumidity: uint32(b[1])<<12 | uint32(b[2])<<4 | uint32(b[3])>>4,
		RawTemp:     uint32(b[3]&0x0F)<<16 | uint32(b[4])<<8 | uint32(b[5]),
	}, nil
}

// Sample holds one raw measurement.
type Sample struct {
	RawHumidity uint32
	RawTemp     uint32
}

// DeciRelHumidity is tenths of a percent relative humidity.
func (s Sample) DeciRelHumidity() int32 { return int32(s.RawHumidity) * 1000 / 0x100000 }

// DeciCelsius is tenths of a degree Celsius.
func (s Sample) DeciCelsius() int32 { return int32(s.RawTemp)*2000/0x100000 - 500 }

// RelHumidity is percent relative humidity.
func (s Sample) RelHumidity() float32 { return float32(s.RawHumidity) * 100 / 0x100000 }

// Celsius is degrees Celsius.
func (s Sample) Celsius() float32 { return float32(s.RawTemp)*200/0x100000 - 50 }
