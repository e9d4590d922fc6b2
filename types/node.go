package types

// OpMode is the node-wide operating mode.
type OpMode uint8

const (
	OpNormal OpMode = iota
	OpTestFast
	OpTestBurn
	OpTestDead
	OpMobile
)

func (m OpMode) String() string {
	switch m {
	case OpTestFast:
		return "test-fast"
	case OpTestBurn:
		return "burn"
	case OpTestDead:
		return "test-dead"
	case OpMobile:
		return "mobile"
	}
	return "normal"
}

// ParseOpMode accepts the names String produces.
func ParseOpMode(s string) (OpMode, bool) {
	for m := OpNormal; m <= OpMobile; m++ {
		if m.String() == s {
			return m, true
		}
	}
	return 0, false
}

// GPSStatus tracks location acquisition.
type GPSStatus uint8

const (
	GPSUnknown GPSStatus = iota
	GPSNotConfigured
	GPSNoData
	GPSNoLock
	GPSFull
	GPSPartial
	GPSAborted
)

// Completed reports whether acquisition has reached a terminal value.
func (g GPSStatus) Completed() bool {
	switch g {
	case GPSFull, GPSPartial, GPSNotConfigured, GPSAborted:
		return true
	}
	return false
}

func (g GPSStatus) String() string {
	switch g {
	case GPSNotConfigured:
		return "not-configured"
	case GPSNoData:
		return "no-data"
	case GPSNoLock:
		return "no-lock"
	case GPSFull:
		return "full"
	case GPSPartial:
		return "partial"
	case GPSAborted:
		return "aborted"
	}
	return "unknown"
}

// UART identifies who owns the switchable UART.
type UART uint8

const (
	UARTNone UART = iota
	UARTLoRa
	UARTCell
	UARTGPS
	UARTPMS
)

func (u UART) String() string {
	switch u {
	case UARTLoRa:
		return "lora"
	case UARTCell:
		return "cell"
	case UARTGPS:
		return "gps"
	case UARTPMS:
		return "pms"
	}
	return "none"
}

// Location is a fix, static or acquired.
type Location struct {
	Lat    float32 `json:"lat"`
	Lon    float32 `json:"lon"`
	Alt    float32 `json:"alt"`
	Status string  `json:"status"`
}

// GroupState is one sensor group in the scheduler snapshot.
type GroupState struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Next  int64  `json:"next_seconds"`
}

// SensorState is the retained snapshot the sensor scheduler publishes.
type SensorState struct {
	OpMode   string       `json:"op_mode"`
	Battery  string       `json:"battery"`
	TestMode bool         `json:"test_mode"`
	Session  string       `json:"session,omitempty"`
	Groups   []GroupState `json:"groups"`
	Pending  Readings     `json:"pending"`
}
