package types

// Readings carries the measurements waiting for upload. Each Has* flag marks
// the field as present.
type Readings struct {
	HasBattery bool    `json:"has_battery,omitempty"`
	BatterySOC float32 `json:"battery_soc,omitempty"`

	HasEnv      bool    `json:"has_env,omitempty"`
	EnvTempC    float32 `json:"env_temp_c,omitempty"`
	EnvHumidity float32 `json:"env_humid,omitempty"`

	HasCPM bool   `json:"has_cpm,omitempty"`
	CPM    uint32 `json:"cpm,omitempty"`

	HasLocation bool    `json:"has_location,omitempty"`
	Lat         float32 `json:"lat,omitempty"`
	Lon         float32 `json:"lon,omitempty"`
	Alt         float32 `json:"alt,omitempty"`
}

// Empty reports whether nothing is present.
func (r Readings) Empty() bool {
	return !r.HasBattery && !r.HasEnv && !r.HasCPM && !r.HasLocation
}

// Merge copies every present field of o into r.
func (r *Readings) Merge(o Readings) {
	if o.HasBattery {
		r.HasBattery, r.BatterySOC = true, o.BatterySOC
	}
	if o.HasEnv {
		r.HasEnv, r.EnvTempC, r.EnvHumidity = true, o.EnvTempC, o.EnvHumidity
	}
	if o.HasCPM {
		r.HasCPM, r.CPM = true, o.CPM
	}
	if o.HasLocation {
		r.HasLocation, r.Lat, r.Lon, r.Alt = true, o.Lat, o.Lon, o.Alt
	}
}

// Clear drops every field of r that is present in o.
func (r *Readings) Clear(o Readings) {
	if o.HasBattery {
		r.HasBattery, r.BatterySOC = false, 0
	}
	if o.HasEnv {
		r.HasEnv, r.EnvTempC, r.EnvHumidity = false, 0, 0
	}
	if o.HasCPM {
		r.HasCPM, r.CPM = false, 0
	}
	if o.HasLocation {
		r.HasLocation, r.Lat, r.Lon, r.Alt = false, 0, 0, 0
	}
}
