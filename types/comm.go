package types

import (
	"errors"
	"strconv"
)

// CommMode is a set of transports so that sensor groups can declare which
// ones they may run under.
type CommMode uint8

const (
	CommNone CommMode = 0x01
	CommLoRa CommMode = 0x02
	CommCell CommMode = 0x04

	CommAll = CommNone | CommLoRa | CommCell
)

func (m CommMode) Intersects(o CommMode) bool { return m&o != 0 }

func (m CommMode) String() string {
	switch m {
	case CommNone:
		return "none"
	case CommLoRa:
		return "lora"
	case CommCell:
		return "cell"
	}
	return "mixed"
}

// ParseCommMode accepts the names String produces.
func ParseCommMode(s string) (CommMode, bool) {
	switch s {
	case "none":
		return CommNone, true
	case "lora":
		return CommLoRa, true
	case "cell", "fona":
		return CommCell, true
	}
	return 0, false
}

// WANMode is the persisted transport preference.
type WANMode uint8

const (
	WANAuto WANMode = iota
	WANLoRa
	WANLoRaWAN
	WANCell
	WANLoRaThenLoRaWAN
	WANLoRaWANThenLoRa
	WANNone
	WANCellPlusMobile
)

var wanNames = [...]string{"auto", "lora", "lorawan", "cell", "lora-then-lorawan", "lorawan-then-lora", "none", "cell-plus-mobile"}

func (w WANMode) String() string {
	if int(w) < len(wanNames) {
		return wanNames[w]
	}
	return "invalid"
}

func ParseWANMode(s string) (WANMode, bool) {
	for i, n := range wanNames {
		if n == s {
			return WANMode(i), true
		}
	}
	return 0, false
}

func (w WANMode) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

func (w *WANMode) UnmarshalText(b []byte) error {
	v, ok := ParseWANMode(string(b))
	if !ok {
		return errors.New("types: unknown wan mode " + strconv.Quote(string(b)))
	}
	*w = v
	return nil
}

// ConnectState attributes a failed connect attempt to the phase it died in.
type ConnectState uint8

const (
	ConnectUnknown ConnectState = iota
	ConnectLoRaModule
	ConnectCellModule
	ConnectWirelessService
	ConnectDataService
	ConnectAppService
	ConnectLoRaGateway
	ConnectLoRaWANGateway
	ConnectLoRaDeselected
	ConnectCellDeselected
	ConnectLoRaActive
	ConnectLoRaWANActive
	ConnectCellActive
)

var connectNames = [...]string{
	"(not yet connected)", "Starting Lora", "Starting Cell", "Waiting for cell service",
	"Waiting for cell data", "Waiting for service", "Looking for gateway",
	"Looking for LoRaWAN gateway", "Lora idle", "Cell idle", "Lora active",
	"LoRaWAN active", "Cell active",
}

func (c ConnectState) String() string {
	if int(c) < len(connectNames) {
		return connectNames[c]
	}
	return "?"
}

// Flags are persisted behaviour switches.
type Flags uint16

const (
	FlagBTKeepAlive       Flags = 0x0001
	FlagBufferedEfficient Flags = 0x0002
	FlagRelay             Flags = 0x0004
	FlagPing              Flags = 0x0008
	FlagListen            Flags = 0x0010
	FlagConfirmAll        Flags = 0x0020
	FlagTest              Flags = 0x0040
	FlagFlip              Flags = 0x0080
)

func (f Flags) Has(o Flags) bool { return f&o != 0 }

// ReplyType is what a sender expects back from the far end.
type ReplyType uint8

const (
	ReplyNone ReplyType = iota
	ReplyTTGate
	ReplyTTServe
)

func (r ReplyType) String() string {
	switch r {
	case ReplyTTGate:
		return "gate"
	case ReplyTTServe:
		return "serve"
	}
	return "none"
}

// CommState is the retained snapshot the controller publishes.
type CommState struct {
	Mode       string `json:"mode"`
	Deselected bool   `json:"deselected"`
	Connect    string `json:"connect"`
	Reason     string `json:"reason"`
	Transport  string `json:"transport,omitempty"`
}
