package config

import (
	"fmt"
	"strconv"
	"strings"

	"sensornode-go/types"
)

var wanShortcuts = map[string]types.WANMode{
	"auto":    types.WANAuto,
	"lora":    types.WANLoRa,
	"lorawan": types.WANLoRaWAN,
	"ttn":     types.WANLoRaWAN,
	"cell":    types.WANCell,
	"fona":    types.WANCell,
	"mobile":  types.WANCellPlusMobile,
}

// SetDeviceParams applies
// "wan.prod.flags.1shotMin.1shotCellMin.statsMin.bootDays.sensors.deviceID"
// or one of the wan shortcuts. Fields are numbers in any base strconv
// understands and trailing ones may be left off. Nothing is changed when a
// field is malformed.
func (s *Settings) SetDeviceParams(str string) error {
	if w, ok := wanShortcuts[str]; ok {
		s.WAN = w
		return nil
	}
	if str == "" {
		return nil
	}
	f := strings.FieldsFunc(str, func(r rune) bool { return r == '.' || r == '/' })
	if len(f) == 0 {
		return fmt.Errorf("config: no device fields in %q", str)
	}
	n := make([]uint64, len(f))
	for i, field := range f {
		v, err := strconv.ParseUint(field, 0, 32)
		if err != nil {
			return fmt.Errorf("config: device field %d %q: %w", i+1, field, err)
		}
		n[i] = v
	}
	if n[0] > uint64(types.WANCellPlusMobile) {
		return fmt.Errorf("config: wan %d out of range", n[0])
	}
	out := *s
	for i, v := range n {
		switch i {
		case 0:
			out.WAN = types.WANMode(v)
		case 1:
			out.Product = f[1]
		case 2:
			out.Flags = types.Flags(v)
		case 3:
			out.OneshotMinutes = uint32(v)
		case 4:
			out.OneshotCellMinutes = uint32(v)
		case 5:
			out.StatsMinutes = uint32(v)
		case 6:
			out.RestartDays = uint16(v)
		case 7:
			out.Sensors = uint32(v)
		case 8:
			out.DeviceID = uint32(v)
		}
	}
	*s = out
	return nil
}

// SetTTNParams applies "appeui/appkey". The device EUI belongs to the
// module and is left alone.
func (s *Settings) SetTTNParams(str string) {
	if str == "" {
		return
	}
	f := strings.Split(str, "/")
	s.AppEUI = f[0]
	if len(f) > 1 && f[1] != "" {
		s.AppKey = f[1]
	}
}

// SetServiceParams applies "region/apn".
func (s *Settings) SetServiceParams(str string) {
	if str == "" {
		return
	}
	f := strings.Split(str, "/")
	s.Region = f[0]
	if len(f) > 1 && f[1] != "" {
		s.APN = f[1]
	}
}

// SetGPSParams applies a static location "lat/lon/alt". Zero lat and lon
// turn the static location off.
func (s *Settings) SetGPSParams(str string) error {
	if str == "" {
		return nil
	}
	f := strings.Split(str, "/")
	if len(f) > 3 {
		f = f[:3]
	}
	v := make([]float32, len(f))
	for i, field := range f {
		x, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
		if err != nil {
			return fmt.Errorf("config: gps field %d %q: %w", i+1, field, err)
		}
		v[i] = float32(x)
	}
	s.GPSLat = v[0]
	if len(v) > 1 {
		s.GPSLon = v[1]
	}
	if len(v) > 2 {
		s.GPSAlt = v[2]
	}
	return nil
}
