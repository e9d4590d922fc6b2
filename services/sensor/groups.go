package sensor

import (
	"sensornode-go/drivers/max17043"
	"sensornode-go/services/hal"
	"sensornode-go/types"
)

// ProductSolarcast is the fixed-site product all default groups belong to.
const ProductSolarcast = "solarcast"

// Board is the default sensor complement and the handlers the node loop
// talks to directly.
type Board struct {
	Voltage *Gauge
	SOC     *Gauge
	Air     *Air
	Geiger  *Geiger
	GPS     *UGPS
	Groups  []*Group
}

// DefaultBoard builds the groups for the fixed-site product.
func DefaultBoard(bus I2C, power Power, pulses *hal.PulseCounter, uart LineSender) *Board {
	b := &Board{
		Voltage: NewGauge(bus, max17043.RegVCell),
		SOC:     NewGauge(bus, max17043.RegSOC),
		Air:     NewAir(bus),
		Geiger:  NewGeiger(power, pulses),
		GPS:     NewUGPS(uart),
	}

	basics := &Group{
		Name:         "g-basics",
		Product:      ProductSolarcast,
		Battery:      types.BatAll,
		Comm:         types.CommAll,
		Exclusive:    true,
		TWIExclusive: true,
		SenseAtBoot:  true,
		Repeat: []Repeat{
			{types.BatTest | types.BatBurn, 5 * 60},
			{types.BatMobile, 15 * 60},
			{types.BatAll, 30 * 60},
		},
		Sensors: []*Sensor{
			{Name: "s-max43v", Mask: MaskBattery, Handler: b.Voltage},
			{Name: "s-max43s", Mask: MaskBattery, Handler: b.SOC},
		},
	}

	air := &Group{
		Name:           "g-air",
		Product:        ProductSolarcast,
		Battery:        types.BatHealthy,
		Comm:           types.CommAll,
		Skip:           mobileSkip,
		Rails:          []hal.Rail{hal.RailAir},
		PowerExclusive: true,
		TWIExclusive:   true,
		Repeat: []Repeat{
			{types.BatTest | types.BatBurn, 5 * 60},
			{types.BatFull, 10 * 60},
			{types.BatNormal, 30 * 60},
			{types.BatLow, 60 * 60},
			{types.BatAll, 120 * 60},
		},
		Sensors: []*Sensor{{
			Name:          "s-air",
			Mask:          MaskAir,
			SettleSeconds: AirPeriodSeconds,
			Poller:        Poller{Seconds: AirSampleSeconds},
			Handler:       b.Air,
		}},
	}

	geigerSensor := &Sensor{
		Name:    "s-geiger",
		Mask:    MaskGeiger,
		Poller:  Poller{Seconds: GeigerBucketSeconds, DuringSettling: true},
		Handler: b.Geiger,
	}
	geiger := &Group{
		Name:    "g-geiger",
		Product: ProductSolarcast,
		Battery: types.BatNotDead,
		Comm:    types.CommAll,
		Skip:    geigerSkip,
		Repeat: []Repeat{
			{types.BatMobile, 5},
			{types.BatMobile | types.BatTest | types.BatBurn, 5 * 60},
			{types.BatFull, 10 * 60},
			{types.BatAll, 15 * 60},
		},
		Poller:  Poller{Seconds: GeigerBucketSeconds, Continuously: true},
		Poll:    func(g *Group) { b.Geiger.MobilePoll(geigerSensor) },
		Sensors: []*Sensor{geigerSensor},
	}

	gps := &Group{
		Name:         GroupGPS,
		Product:      ProductSolarcast,
		Battery:      types.BatAll,
		Comm:         types.CommAll,
		Skip:         b.GPS.Skip,
		SenseAtBoot:  true,
		UARTRequired: types.UARTGPS,
		Repeat: []Repeat{
			{types.BatMobile, 5},
			{types.BatAll, 10 * 60},
		},
		Sensors: []*Sensor{{
			Name:    "s-ugps",
			Mask:    MaskGPS,
			Poller:  Poller{Seconds: GPSPollSeconds, DuringSettling: true},
			Handler: b.GPS,
		}},
	}

	b.Groups = []*Group{basics, geiger, gps, air}
	return b
}

// mobileSkip holds a group back for the whole of a mobile session.
func mobileSkip(g *Group) bool { return g.Scheduler().OpMode() == types.OpMobile }

// geigerSkip keeps a mobile session from flooding the radio: nothing is
// measured while the transport is up, or while the GPS has gone quiet on
// cellular.
func geigerSkip(g *Group) bool {
	s := g.Scheduler()
	if s.OpMode() != types.OpMobile {
		return false
	}
	if s.comm != nil && !s.comm.Deselected() {
		return true
	}
	if s.commMode() != types.CommCell {
		return false
	}
	return !s.GPSActive()
}
