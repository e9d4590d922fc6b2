// Package wire encodes and decodes Telecast uplinks. Only routing fields
// (device type and id, relay hops) are interpreted; readings ride along as
// plain fields and anything unknown is kept verbatim.
package wire

import (
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"sensornode-go/errcode"
	"sensornode-go/types"
	"sensornode-go/x/conv"
)

// DeviceType says who produced a Telecast.
type DeviceType uint32

const (
	DeviceUnknown DeviceType = iota
	DeviceSolarcast
	DeviceBGeigieNano
	DeviceTTNode
	DeviceTTGate
	DeviceTTServe
	DeviceTTApp
	DeviceTTGatePing
)

// RelaySlots is the maximum number of hops a message may be relayed.
const RelaySlots = 5

// Frame header: buffer format, message count, payload length.
const (
	formatPBArray = 0x00
	headerLen     = 3
	maxDecoded    = 256
)

const (
	fDeviceType = 1
	fDeviceID   = 2
	fMessage    = 3
	fBatterySOC = 4
	fEnvTemp    = 5
	fEnvHumid   = 6
	fCPM        = 7
	fLat        = 8
	fLon        = 9
	fAlt        = 10
	fStatsType  = 11
	fStats      = 12
	fRelay1     = 13 // relay slots occupy 13..17
)

// Telecast is one message.
type Telecast struct {
	HasDeviceType bool
	DeviceType    DeviceType
	DeviceID      uint32
	Message       string

	Readings types.Readings

	StatsType uint32
	Stats     string

	Relay [RelaySlots]uint32

	unknown []byte
}

// Marshal encodes t as protobuf.
func (t *Telecast) Marshal() []byte {
	var b []byte
	if t.HasDeviceType {
		b = protowire.AppendTag(b, fDeviceType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.DeviceType))
	}
	if t.DeviceID != 0 {
		b = protowire.AppendTag(b, fDeviceID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.DeviceID))
	}
	if t.Message != "" {
		b = protowire.AppendTag(b, fMessage, protowire.BytesType)
		b = protowire.AppendString(b, t.Message)
	}
	r := &t.Readings
	if r.HasBattery {
		b = appendFloat(b, fBatterySOC, r.BatterySOC)
	}
	if r.HasEnv {
		b = appendFloat(b, fEnvTemp, r.EnvTempC)
		b = appendFloat(b, fEnvHumid, r.EnvHumidity)
	}
	if r.HasCPM {
		b = protowire.AppendTag(b, fCPM, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.CPM))
	}
	if r.HasLocation {
		b = appendFloat(b, fLat, r.Lat)
		b = appendFloat(b, fLon, r.Lon)
		b = appendFloat(b, fAlt, r.Alt)
	}
	if t.StatsType != 0 {
		b = protowire.AppendTag(b, fStatsType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.StatsType))
	}
	if t.Stats != "" {
		b = protowire.AppendTag(b, fStats, protowire.BytesType)
		b = protowire.AppendString(b, t.Stats)
	}
	for i, id := range t.Relay {
		if id != 0 {
			b = protowire.AppendTag(b, protowire.Number(fRelay1+i), protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(id))
		}
	}
	return append(b, t.unknown...)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

// Unmarshal decodes protobuf into t.
func (t *Telecast) Unmarshal(b []byte) error {
	*t = Telecast{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errcode.Wrap(errcode.InvalidPayload, "wire.tag", protowire.ParseError(n))
		}
		field := b[:n]
		b = b[n:]
		vn := protowire.ConsumeFieldValue(num, typ, b)
		if vn < 0 {
			return errcode.Wrap(errcode.InvalidPayload, "wire.value", protowire.ParseError(vn))
		}
		val := b[:vn]
		if !t.decodeField(num, typ, val) {
			t.unknown = append(t.unknown, field...)
			t.unknown = append(t.unknown, val...)
		}
		b = b[vn:]
	}
	return nil
}

func (t *Telecast) decodeField(num protowire.Number, typ protowire.Type, val []byte) bool {
	switch typ {
	case protowire.VarintType:
		v, _ := protowire.ConsumeVarint(val)
		switch {
		case num == fDeviceType:
			t.HasDeviceType, t.DeviceType = true, DeviceType(v)
		case num == fDeviceID:
			t.DeviceID = uint32(v)
		case num == fCPM:
			t.Readings.HasCPM, t.Readings.CPM = true, uint32(v)
		case num == fStatsType:
			t.StatsType = uint32(v)
		case num >= fRelay1 && num < fRelay1+RelaySlots:
			t.Relay[num-fRelay1] = uint32(v)
		default:
			return false
		}
	case protowire.BytesType:
		s, _ := protowire.ConsumeString(val)
		switch num {
		case fMessage:
			t.Message = s
		case fStats:
			t.Stats = s
		default:
			return false
		}
	case protowire.Fixed32Type:
		u, _ := protowire.ConsumeFixed32(val)
		f := math.Float32frombits(u)
		r := &t.Readings
		switch num {
		case fBatterySOC:
			r.HasBattery, r.BatterySOC = true, f
		case fEnvTemp:
			r.HasEnv, r.EnvTempC = true, f
		case fEnvHumid:
			r.HasEnv, r.EnvHumidity = true, f
		case fLat:
			r.HasLocation, r.Lat = true, f
		case fLon:
			r.HasLocation, r.Lon = true, f
		case fAlt:
			r.HasLocation, r.Alt = true, f
		default:
			return false
		}
	default:
		return false
	}
	return true
}

// Frame wraps an encoded Telecast in the single-message array header.
func Frame(t *Telecast) ([]byte, error) {
	pb := t.Marshal()
	if len(pb) > 255 {
		return nil, &errcode.E{C: errcode.InvalidPayload, Op: "wire.frame", Msg: "message too large"}
	}
	out := make([]byte, 0, headerLen+len(pb))
	out = append(out, formatPBArray, 1, byte(len(pb)))
	return append(out, pb...), nil
}

// Kind is how an inbound message should be handled.
type Kind uint8

const (
	NotDecoded Kind = iota
	Safecast
	ReplyTTGate
	ReplyTTServe
	TelecastMsg
)

func (k Kind) String() string {
	switch k {
	case Safecast:
		return "safecast"
	case ReplyTTGate:
		return "reply-ttgate"
	case ReplyTTServe:
		return "reply-ttserve"
	case TelecastMsg:
		return "telecast"
	}
	return "not-decoded"
}

// DecodeHex parses a hex-encoded frame as received from the radio. Leading
// whitespace is skipped and decoding stops at the first non-hex pair.
func DecodeHex(s string) (Telecast, error) {
	s = strings.TrimLeft(s, " \t")
	var bin [maxDecoded]byte
	n := conv.DecodeHexPrefix(bin[:], s)
	return DecodeFrame(bin[:n])
}

// DecodeFrame parses a binary frame.
func DecodeFrame(bin []byte) (Telecast, error) {
	var t Telecast
	if len(bin) < headerLen || bin[0] != formatPBArray || bin[1] != 1 {
		return t, &errcode.E{C: errcode.NotDecoded, Op: "wire.decode", Msg: "bad header"}
	}
	n := int(bin[2])
	if headerLen+n > len(bin) {
		return t, &errcode.E{C: errcode.NotDecoded, Op: "wire.decode", Msg: "truncated"}
	}
	if err := t.Unmarshal(bin[headerLen : headerLen+n]); err != nil {
		return Telecast{}, err
	}
	return t, nil
}

// Classify decides what an inbound message is to a node whose id is self.
func Classify(t *Telecast, self uint32) Kind {
	if !t.HasDeviceType {
		return Safecast
	}
	switch t.DeviceType {
	case DeviceTTGate:
		return ReplyTTGate
	case DeviceTTServe:
		if t.DeviceID == self {
			return ReplyTTServe
		}
		return TelecastMsg
	case DeviceTTApp, DeviceTTNode:
		return TelecastMsg
	}
	return Safecast
}

// Decode is DecodeHex followed by Classify.
func Decode(s string, self uint32) (Telecast, Kind) {
	t, err := DecodeHex(s)
	if err != nil {
		return t, NotDecoded
	}
	return t, Classify(&t, self)
}

// StampRelay records self in the first free relay slot. It refuses messages
// that already carry self or have no free slot.
func StampRelay(t *Telecast, self uint32) error {
	for _, id := range t.Relay {
		if id == self {
			return &errcode.E{C: errcode.Denied, Op: "wire.relay", Msg: "already relayed"}
		}
	}
	for i := range t.Relay {
		if t.Relay[i] == 0 {
			t.Relay[i] = self
			return nil
		}
	}
	return &errcode.E{C: errcode.Denied, Op: "wire.relay", Msg: "too many hops"}
}

// Ping builds the minimal message used to probe a gateway or the service.
func Ping(reply types.ReplyType, self uint32) []byte {
	t := Telecast{HasDeviceType: true, DeviceID: self}
	switch reply {
	case types.ReplyTTServe:
		t.DeviceType = DeviceTTServe
	case types.ReplyTTGate:
		t.DeviceType = DeviceTTGatePing
	default:
		t.DeviceType = DeviceTTApp
	}
	b, _ := Frame(&t)
	return b
}

// Hex returns the uppercase hex form of a frame.
func Hex(frame []byte) string { return string(conv.AppendHex(nil, frame)) }
