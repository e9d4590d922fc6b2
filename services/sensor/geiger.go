package sensor

import (
	"fmt"

	"sensornode-go/services/hal"
	"sensornode-go/services/stats"
	"sensornode-go/types"
	"sensornode-go/x/mathx"
)

// Geiger tube timing. Counts are taken into a bucket every
// GeigerBucketSeconds; the first GeigerSettlingSeconds of buckets after
// power-up are discarded.
const (
	GeigerBucketSeconds   = 5
	GeigerSettlingSeconds = 45
	GeigerMobileSeconds   = 60
	GeigerFixedSeconds    = 300

	geigerBuckets = GeigerFixedSeconds / GeigerBucketSeconds
	// A tube is present once it has produced more than this many pulses.
	geigerPresentPulses = 5
	geigerMaxCPM        = 500
	geigerDeadTime      = 1.8833e-6
	geigerGiveUp        = GeigerFixedSeconds * 4
)

// Geiger integrates tube pulses into counts per minute. It switches its own
// rail so that in mobile mode the tube can stay up between group cycles,
// with the group poller filling buckets instead of the sensor's.
type Geiger struct {
	Base
	Power   Power
	Counter *hal.PulseCounter

	poweredOn bool
	available bool
	total     uint32

	buckets [geigerBuckets]uint32
	valid   [geigerBuckets]bool
	cur     int

	settleLeft uint32
	fillLeft   uint32
	began      uint32

	reportable     bool
	everReportable bool
	last           uint32
	cpm            uint32
}

func NewGeiger(p Power, c *hal.PulseCounter) *Geiger { return &Geiger{Power: p, Counter: c} }

func integrationSeconds(op types.OpMode) uint32 {
	if op == types.OpMobile {
		return GeigerMobileSeconds
	}
	return GeigerFixedSeconds
}

func (g *Geiger) powerOn(s *Sensor) {
	if g.poweredOn {
		return
	}
	g.Power.Set(hal.RailGeiger, true)
	g.poweredOn = true
	g.cur = 0
	g.valid = [geigerBuckets]bool{}
	g.settleLeft = mathx.CeilDiv[uint32](GeigerSettlingSeconds, GeigerBucketSeconds)
	g.fillLeft = integrationSeconds(s.OpMode())/GeigerBucketSeconds + g.settleLeft
	g.Counter.Take()
	g.reportable = false
	s.Log().V(1).Info("power on")
}

func (g *Geiger) powerOff(s *Sensor) {
	if !g.poweredOn {
		return
	}
	g.Power.Set(hal.RailGeiger, false)
	g.poweredOn = false
	s.Log().V(1).Info("power off")
}

func (g *Geiger) InitPower(s *Sensor) bool {
	g.began = s.Now()
	g.powerOn(s)
	return true
}

func (g *Geiger) TermPower(s *Sensor) bool {
	if s.OpMode() != types.OpMobile {
		g.powerOff(s)
	}
	return true
}

// Poll fills a bucket while the group runs outside mobile mode.
func (g *Geiger) Poll(s *Sensor) {
	if !s.PollingValid() || !g.poweredOn || s.OpMode() == types.OpMobile {
		return
	}
	g.bucket(s)
}

// MobilePoll keeps the tube running and fills a bucket in mobile mode. It
// is driven by the group's continuous poller.
func (g *Geiger) MobilePoll(s *Sensor) {
	if s.OpMode() != types.OpMobile {
		return
	}
	g.powerOn(s)
	g.bucket(s)
}

func (g *Geiger) bucket(s *Sensor) {
	n := g.Counter.Take()
	g.total += n
	if !g.available && g.total > geigerPresentPulses {
		g.available = true
		s.Log().Info("tube detected")
	}

	if g.fillLeft > 0 {
		g.fillLeft--
		if g.settleLeft > 0 {
			g.settleLeft--
			s.Log().V(2).Info("settling", "pulses", n)
			return
		}
	} else if skip := s.Group().Skip; skip != nil && skip(s.Group()) {
		return
	}

	g.cur = (g.cur + 1) % geigerBuckets
	g.buckets[g.cur], g.valid[g.cur] = n, true
	if !g.available {
		return
	}

	window := int(integrationSeconds(s.OpMode()) / GeigerBucketSeconds)
	var sum, used uint32
	reportable := true
	for i := 0; i < window; i++ {
		j := (g.cur - i + geigerBuckets) % geigerBuckets
		if !g.valid[j] {
			reportable = false
			continue
		}
		sum += g.buckets[j]
		used++
	}
	g.last = compensatedCPM(sum, used)
	if reportable {
		g.reportable, g.everReportable = true, true
		g.cpm = g.last
	}
	s.Log().V(2).Info("bucket", "pulses", n, "cpm", g.last, "reportable", reportable)
}

// compensatedCPM scales sum over used buckets to a minute and corrects for
// tube dead time.
func compensatedCPM(sum, used uint32) uint32 {
	if used == 0 {
		return 0
	}
	minutes := float64(used) * GeigerBucketSeconds / 60
	mean := float64(sum) / minutes
	div := 1 - mean*geigerDeadTime
	if div <= 0 {
		return 0
	}
	return uint32(mean / div)
}

func (g *Geiger) Measure(s *Sensor) {
	if !g.reportable {
		if s.OpMode() != types.OpMobile && s.Now()-g.began >= geigerGiveUp {
			s.Log().Info("no reportable value")
			s.Stats().Inc(stats.ErrorsGeiger)
			s.Completed()
		}
		return
	}
	if !g.available || g.cpm > geigerMaxCPM {
		s.Stats().Inc(stats.ErrorsGeiger)
	}
	s.Report(types.Readings{HasCPM: true, CPM: g.cpm})
	s.Completed()
}

func (g *Geiger) UploadNeeded(pending types.Readings) bool { return pending.HasCPM }

func (g *Geiger) Show() string {
	if !g.everReportable {
		return "cpm not yet measured"
	}
	return fmt.Sprintf("%dcpm", g.cpm)
}
