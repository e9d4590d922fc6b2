package types

import "strings"

// BatteryStatus is a single classification, but every value is a distinct bit
// so group and oneshot tables can be keyed by a mask of several.
type BatteryStatus uint16

const (
	BatFull      BatteryStatus = 0x0001
	BatNormal    BatteryStatus = 0x0002
	BatLow       BatteryStatus = 0x0004
	BatWarning   BatteryStatus = 0x0008
	BatEmergency BatteryStatus = 0x0010
	BatDead      BatteryStatus = 0x0020
	BatTest      BatteryStatus = 0x0040
	BatMobile    BatteryStatus = 0x0080
	BatBurn      BatteryStatus = 0x0100

	BatNoSensors BatteryStatus = 0
	BatHealthy                 = BatFull | BatNormal | BatLow | BatWarning | BatTest | BatMobile | BatBurn
	BatNotDead                 = BatHealthy | BatEmergency | BatMobile
	BatAll                     = BatNotDead | BatDead
)

// Intersects reports whether any bit of o is present in s.
func (s BatteryStatus) Intersects(o BatteryStatus) bool { return s&o != 0 }

var batNames = []struct {
	bit  BatteryStatus
	name string
}{
	{BatFull, "full"}, {BatNormal, "normal"}, {BatLow, "low"}, {BatWarning, "warning"},
	{BatEmergency, "emergency"}, {BatDead, "dead"}, {BatTest, "test"}, {BatMobile, "mobile"},
	{BatBurn, "burn"},
}

func (s BatteryStatus) String() string {
	if s == BatNoSensors {
		return "none"
	}
	var parts []string
	for _, n := range batNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// BatteryValue is the retained battery reading published on the bus.
type BatteryValue struct {
	SOC    float32 `json:"soc"`
	Status string  `json:"status"`
}
