package hal

// Rail is a switchable power output.
type Rail uint8

const (
	RailLoRa Rail = iota
	RailCell
	RailGPS
	RailAir
	RailGeiger
	RailTWI
	RailPS5V
	RailPSBat
	railCount
)

var railNames = [railCount]string{"lora", "cell", "gps", "air", "geiger", "twi", "ps-5v", "ps-bat"}

func (r Rail) String() string {
	if r < railCount {
		return railNames[r]
	}
	return "?"
}

// Pins drives the physical outputs.
type Pins interface {
	Set(r Rail, on bool)
}

// Supplies that must be up while any rail depending on them is on.
var derived = []struct {
	supply Rail
	needs  uint32
}{
	{RailTWI, 1 << RailAir},
	{RailPS5V, 1<<RailAir | 1<<RailCell},
	{RailPSBat, 1<<RailLoRa | 1<<RailGPS},
}

// Power tracks which rails are on and brings shared supplies up and down
// with the rails that need them.
type Power struct {
	pins    Pins
	enabled uint32

	// ForceOn keeps rails up when asked to turn off, ForceOff the reverse.
	ForceOn, ForceOff bool
}

func NewPower(pins Pins) *Power { return &Power{pins: pins} }

// Set switches rail r.
func (p *Power) Set(r Rail, on bool) {
	if on && p.ForceOff || !on && p.ForceOn {
		return
	}
	before := p.enabled
	if on {
		p.enabled |= 1 << r
	} else {
		p.enabled &^= 1 << r
	}
	for _, d := range derived {
		was, is := before&d.needs != 0, p.enabled&d.needs != 0
		if was != is {
			p.pins.Set(d.supply, is)
		}
	}
	p.pins.Set(r, on)
}

// On reports whether rail r was last switched on.
func (p *Power) On(r Rail) bool { return p.enabled&(1<<r) != 0 }
