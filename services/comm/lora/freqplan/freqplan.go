// Package freqplan produces the modem commands that configure a regional
// frequency plan, one command at a time.
package freqplan

import (
	"strconv"
	"strings"
)

// Region is a supported regional plan.
type Region uint8

const (
	EU868 Region = iota + 1
	US915
	AS920
)

// ParseRegion accepts the two-letter codes "eu", "us" and "as" in any case.
func ParseRegion(s string) (Region, bool) {
	switch strings.ToLower(s) {
	case "eu":
		return EU868, true
	case "us":
		return US915, true
	case "as":
		return AS920, true
	}
	return 0, false
}

func (r Region) String() string {
	switch r {
	case EU868:
		return "eu"
	case US915:
		return "us"
	case AS920:
		return "as"
	}
	return "?"
}

const (
	defaultSF  = 7
	defaultFSB = 2
	retx       = 7
)

// Kind is the variant tag of a Command.
type Kind uint8

const (
	RadioMod Kind = iota
	RadioFreq
	RadioPower
	MacRX2
	MacPowerIndex
	MacADR
	MacRetx
	MacDataRate
	ChDutyCycle
	ChDRRange
	ChFreq
	ChStatus
)

// Command is one modem command. Which fields are meaningful depends on Kind.
type Command struct {
	Kind Kind
	Ch   uint8
	A, B uint32
	On   bool
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func u(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

// String formats the command as the modem expects it.
func (c Command) String() string {
	ch := strconv.Itoa(int(c.Ch))
	switch c.Kind {
	case RadioMod:
		return "radio set mod lora"
	case RadioFreq:
		return "radio set freq " + u(c.A)
	case RadioPower:
		return "radio set pwr " + u(c.A)
	case MacRX2:
		return "mac set rx2 " + u(c.A) + " " + u(c.B)
	case MacPowerIndex:
		return "mac set pwridx " + u(c.A)
	case MacADR:
		return "mac set adr " + onOff(c.On)
	case MacRetx:
		return "mac set retx " + u(c.A)
	case MacDataRate:
		return "mac set dr " + u(c.A)
	case ChDutyCycle:
		return "mac set ch dcycle " + ch + " " + u(c.A)
	case ChDRRange:
		return "mac set ch drrange " + ch + " " + u(c.A) + " " + u(c.B)
	case ChFreq:
		return "mac set ch freq " + ch + " " + u(c.A)
	case ChStatus:
		return "mac set ch status " + ch + " " + onOff(c.On)
	}
	return ""
}

// LoRa returns the point-to-point radio setup for r.
func LoRa(r Region) []Command {
	var freq, pwr uint32
	switch r {
	case EU868:
		freq, pwr = 868100000, 15
	case US915:
		freq, pwr = 915000000, 20
	case AS920:
		freq, pwr = 920000000, 20
	default:
		return nil
	}
	return []Command{{Kind: RadioMod}, {Kind: RadioFreq, A: freq}, {Kind: RadioPower, A: pwr}}
}

// LoRaWAN returns the channel plan, retransmit count and data rate for r.
func LoRaWAN(r Region) []Command {
	var cmds []Command
	switch r {
	case EU868:
		cmds = eu868()
	case US915:
		cmds = us915(defaultFSB)
	case AS920:
		cmds = as920()
	default:
		return nil
	}
	cmds = append(cmds, Command{Kind: MacRetx, A: retx})
	return append(cmds, Command{Kind: MacDataRate, A: dataRate(r, defaultSF)})
}

func eu868() []Command {
	cmds := []Command{
		{Kind: MacRX2, A: 3, B: 869525000},
		{Kind: ChDRRange, Ch: 1, A: 0, B: 6},
	}
	freq := uint32(867100000)
	for ch := uint8(0); ch < 8; ch++ {
		cmds = append(cmds, Command{Kind: ChDutyCycle, Ch: ch, A: 799})
		if ch > 2 {
			cmds = append(cmds,
				Command{Kind: ChFreq, Ch: ch, A: freq},
				Command{Kind: ChDRRange, Ch: ch, A: 0, B: 5},
				Command{Kind: ChStatus, Ch: ch, On: true})
			freq += 200000
		}
	}
	return append(cmds, Command{Kind: MacPowerIndex, A: 1})
}

func us915(fsb uint8) []Command {
	chLow, chHigh := uint8(0), uint8(71)
	if fsb > 0 {
		chLow = (fsb - 1) * 8
		chHigh = chLow + 7
	}
	ch500 := fsb + 63
	var cmds []Command
	for ch := uint8(0); ch < 72; ch++ {
		if ch == ch500 || (ch >= chLow && ch <= chHigh) {
			cmds = append(cmds, Command{Kind: ChStatus, Ch: ch, On: true})
			if ch < 63 {
				cmds = append(cmds, Command{Kind: ChDRRange, Ch: ch, A: 0, B: 3})
			}
		} else {
			cmds = append(cmds, Command{Kind: ChStatus, Ch: ch, On: false})
		}
	}
	return append(cmds, Command{Kind: MacPowerIndex, A: 5})
}

func as920() []Command {
	cmds := []Command{
		{Kind: MacADR, On: false},
		{Kind: MacRX2, A: 2, B: 923200000},
	}
	freq := uint32(922000000)
	for ch := uint8(0); ch < 8; ch++ {
		cmds = append(cmds, Command{Kind: ChDutyCycle, Ch: ch, A: 799})
		if ch > 1 {
			cmds = append(cmds,
				Command{Kind: ChFreq, Ch: ch, A: freq},
				Command{Kind: ChDRRange, Ch: ch, A: 0, B: 5},
				Command{Kind: ChStatus, Ch: ch, On: true})
			freq += 200000
		}
	}
	return append(cmds, Command{Kind: MacPowerIndex, A: 1})
}

func dataRate(r Region, sf uint32) uint32 {
	if r == US915 {
		return 10 - sf
	}
	return 12 - sf
}

// Plan caches the command list for one region and mode.
type Plan struct {
	cmds []Command
}

// New returns the plan for a region code, or false when the code is unknown.
func New(region string, lorawan bool) (Plan, bool) {
	r, ok := ParseRegion(region)
	if !ok {
		return Plan{}, false
	}
	if lorawan {
		return Plan{cmds: LoRaWAN(r)}, true
	}
	return Plan{cmds: LoRa(r)}, true
}

// Len is the number of commands in the plan.
func (p Plan) Len() int { return len(p.cmds) }

// Command returns command n, or false once the plan is exhausted.
func (p Plan) Command(n int) (string, bool) {
	if n < 0 || n >= len(p.cmds) {
		return "", false
	}
	return p.cmds[n].String(), true
}
