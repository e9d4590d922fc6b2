package sensor

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"sensornode-go/bus"
	"sensornode-go/errcode"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

// Busy reports whether any group is processing, or whether the radio is up
// for a oneshot, which counts the same.
func (s *Scheduler) Busy() bool {
	if !s.initialized || s.testMode {
		return false
	}
	if s.active() != 0 {
		return true
	}
	return s.settings.Current().OneshotMinutes != 0 && s.comm != nil && !s.comm.Deselected()
}

// ExclusiveBusy reports whether an exclusive group is processing.
func (s *Scheduler) ExclusiveBusy() bool {
	if !s.initialized || s.testMode {
		return false
	}
	for _, g := range s.groups {
		if g.configured && g.processing && g.Exclusive {
			return true
		}
	}
	return false
}

// ExclusivePoweredOn reports whether a power-exclusive group has its rails up.
func (s *Scheduler) ExclusivePoweredOn() bool {
	if !s.initialized || s.testMode {
		return false
	}
	for _, g := range s.groups {
		if g.configured && len(g.Rails) != 0 && g.PowerExclusive && g.poweredOn {
			return true
		}
	}
	return false
}

func (s *Scheduler) exclusiveTWIOn() bool {
	for _, g := range s.groups {
		if g.configured && g.processing && g.TWIExclusive {
			return true
		}
	}
	return false
}

// UploadNeeded reports whether any sensor holds a measurement not yet sent.
func (s *Scheduler) UploadNeeded() bool {
	if !s.initialized || s.testMode {
		return false
	}
	for _, g := range s.groups {
		if !g.configured {
			continue
		}
		for _, sn := range g.Sensors {
			if sn.configured && sn.Handler.UploadNeeded(s.pending) {
				return true
			}
		}
	}
	return false
}

// Measurements are the readings waiting for upload.
func (s *Scheduler) Measurements() types.Readings { return s.pending }

// ClearMeasurements drops the readings present in r once they were sent.
func (s *Scheduler) ClearMeasurements(r types.Readings) { s.pending.Clear(r) }

// SetSOC records the latest state of charge in percent.
func (s *Scheduler) SetSOC(soc float32) { s.soc = soc }

func (s *Scheduler) SOC() float32 { return s.soc }

// Battery classifies the last state of charge under the current op mode.
func (s *Scheduler) Battery() types.BatteryStatus {
	return s.classifier.Classify(s.soc, s.OpMode())
}

// OpMode is the effective operating mode. A dead battery forces normal
// behaviour whatever was asked for, and a temporary mode wins until it
// expires.
func (s *Scheduler) OpMode() types.OpMode {
	if s.soc != 0 && s.soc < 10 {
		return types.OpNormal
	}
	if s.tempSeconds != 0 {
		if timex.ShouldSuppress(s.now(), &s.tempSetAt, s.tempSeconds) {
			return s.tempOp
		}
		s.tempSeconds = 0
	}
	return s.op
}

// SetOpMode changes the operating mode. Entering mobile mode starts a new
// session, asks for a fresh fix and announces the session to the service.
func (s *Scheduler) SetOpMode(m types.OpMode) error {
	if m == types.OpMobile && s.op != m {
		if s.settings.Current().StaticGPS() {
			return &errcode.E{C: errcode.Unsupported, Op: "sensor.mode", Msg: "mobile with static location"}
		}
		s.session = uuid.New()
		s.log.Info("mobile session", "id", s.session.String())
		s.updateGPS()
		s.ScheduleGroup(GroupGPS)
		if s.comm != nil {
			s.comm.InitiateServiceUpdate(true)
		}
	}
	s.op = m
	if s.onOpMode != nil {
		s.onOpMode(m)
	}
	return nil
}

// SetTemporaryOpMode overrides the mode for seconds; zero cancels.
func (s *Scheduler) SetTemporaryOpMode(m types.OpMode, seconds uint32) {
	s.tempOp = m
	s.tempSetAt = s.now()
	s.tempSeconds = seconds
	s.log.Info("temporary op mode", "mode", m.String(), "seconds", seconds)
}

// Session identifies the current mobile drive. It is zero before the first.
func (s *Scheduler) Session() uuid.UUID { return s.session }

// TestMode reports whether single-sensor test mode is on or pending.
func (s *Scheduler) TestMode() bool { return s.testRequested || s.testMode }

// TestSensor asks for single-sensor test mode on the named sensor. New
// groups stop starting and, once the running ones drain, only the sensor's
// group runs, without skips or repeat intervals. An empty or unknown name
// leaves test mode. It reports whether the sensor was found.
func (s *Scheduler) TestSensor(name string) bool {
	s.op = types.OpNormal
	s.testRequested, s.testMode = false, false
	for _, g := range s.groups {
		g.testing = false
		for _, sn := range g.Sensors {
			sn.testing = sn.Name == name
			if sn.testing {
				g.testing = true
				s.testRequested = true
				s.log.Info("sensor test requested", "group", g.Name, "sensor", sn.Name)
			}
		}
	}
	if !s.testRequested && name != "" {
		s.log.Info("sensor not found", "sensor", name)
	}
	return s.testRequested
}

// ScheduleNow makes every configured group but the GPS due immediately.
func (s *Scheduler) ScheduleNow() bool {
	if !s.initialized {
		return false
	}
	for _, g := range s.groups {
		if g.configured && g.Name != GroupGPS {
			g.lastRepeat = 0
		}
	}
	s.log.Info("sensor timings accelerated")
	return true
}

// ScheduleGroup makes one group due immediately.
func (s *Scheduler) ScheduleGroup(name string) bool {
	g := s.Group(name)
	if g == nil {
		return false
	}
	g.lastRepeat = 0
	return true
}

func (s *Scheduler) updateGPS() {
	if s.comm != nil && s.comm.MTU() < 64 {
		return
	}
	if s.settings.Current().StaticGPS() || s.gps == nil {
		return
	}
	s.gps.Update()
}

// gpsAborted falls back to the last known good location.
func (s *Scheduler) gpsAborted() {
	s.everAborted = true
	if !s.useLKG {
		st := s.settings.Current()
		s.log.Info("gps using last known good", "lat", st.LKGLat, "lon", st.LKGLon)
		s.useLKG = true
	}
}

// saveLKG remembers a fix across restarts.
func (s *Scheduler) saveLKG(loc types.Location) {
	st := s.settings.Current()
	st.LKGLat, st.LKGLon, st.LKGAlt = loc.Lat, loc.Lon, loc.Alt
	s.settings.Update(st)
	if err := s.settings.Save(); err != nil {
		s.log.Error(err, "saving last known good location")
	}
}

// GPS is the node's location: the configured one, else an acquired fix,
// else the last known good one after acquisition gave up.
func (s *Scheduler) GPS() (types.GPSStatus, types.Location) {
	st := s.settings.Current()
	if st.StaticGPS() {
		s.useLKG = false
		return types.GPSFull, types.Location{Lat: st.GPSLat, Lon: st.GPSLon, Alt: st.GPSAlt, Status: "static"}
	}
	if s.gps == nil {
		return types.GPSNotConfigured, types.Location{}
	}
	status, loc := s.gps.Value()
	if status == types.GPSFull || status == types.GPSPartial {
		s.useLKG = false
		if loc.Lat != 0 || loc.Lon != 0 {
			return status, loc
		}
	}
	if s.useLKG {
		if st.LKGLat != 0 && st.LKGLon != 0 {
			return types.GPSFull, types.Location{Lat: st.LKGLat, Lon: st.LKGLon, Alt: st.LKGAlt, Status: "last-known-good"}
		}
		loc = types.Location{}
	}
	if loc.Lat == 0 && loc.Lon == 0 && (s.everAborted || status == types.GPSFull || status == types.GPSPartial) {
		return types.GPSAborted, types.Location{Status: types.GPSAborted.String()}
	}
	return status, loc
}

func (g *Group) stateName() string {
	switch {
	case !g.configured:
		return "unconfigured"
	case g.settling:
		return "settling"
	case g.processing:
		return "processing"
	}
	return "idle"
}

// State is the published snapshot of the scheduler.
func (s *Scheduler) State() types.SensorState {
	now := s.now()
	st := types.SensorState{
		OpMode:   s.OpMode().String(),
		Battery:  s.Battery().String(),
		TestMode: s.TestMode(),
		Pending:  s.pending,
	}
	if s.session != uuid.Nil {
		st.Session = s.session.String()
	}
	for _, g := range s.groups {
		gs := types.GroupState{Name: g.Name, State: g.stateName()}
		if g.configured {
			gs.Next = int64(s.repeatSeconds(g)) - (int64(now) - int64(g.lastRepeat))
		}
		st.Groups = append(st.Groups, gs)
	}
	return st
}

// Publish retains the current state on the bus.
func (s *Scheduler) Publish(conn *bus.Connection) {
	conn.Publish(conn.NewMessage(TopicState, s.State(), true))
}

// ShowState describes every group for the console, with the reason a due
// group is being held back.
func (s *Scheduler) ShowState() string {
	if !s.initialized {
		return "sensor: not yet initialized\n"
	}
	var b strings.Builder
	now := s.now()
	bat := s.Battery()
	fmt.Fprintf(&b, "sensor: %s %s uart=%s", s.OpMode(), bat, s.uart.Current())
	if s.TestMode() {
		b.WriteString(" (test)")
	}
	b.WriteByte('\n')
	for _, g := range s.groups {
		fmt.Fprintf(&b, "  %s: %s", g.Name, g.stateName())
		if !g.configured {
			b.WriteByte('\n')
			continue
		}
		if !g.processing && bat.Intersects(g.Battery) {
			due := int64(s.repeatSeconds(g)) - (int64(now) - int64(g.lastRepeat))
			switch {
			case g.lastRepeat == 0:
				b.WriteString(", next up")
			case due < 0:
				fmt.Fprintf(&b, ", overdue by %dm%ds", -due/60, -due%60)
			default:
				fmt.Fprintf(&b, ", next in %dm%ds", due/60, due%60)
			}
			s.showHolds(&b, g)
		}
		b.WriteByte('\n')
		for _, sn := range g.Sensors {
			if !sn.configured {
				continue
			}
			fmt.Fprintf(&b, "    %s", sn.Name)
			if sn.testing {
				b.WriteString(" (being tested)")
			}
			if sn.InitFailures != 0 || sn.TermFailures != 0 {
				fmt.Fprintf(&b, " failures=%d/%d", sn.InitFailures, sn.TermFailures)
			}
			if v := sn.Handler.Show(); v != "" {
				b.WriteString(" ")
				b.WriteString(v)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (s *Scheduler) showHolds(b *strings.Builder, g *Group) {
	switch {
	case g.Skip != nil && g.Skip(g):
		b.WriteString(" when not skipped")
	case g.Exclusive && s.Busy():
		b.WriteString(" when all idle")
	case g.PowerExclusive && s.ExclusivePoweredOn():
		b.WriteString(" when power available")
	case g.TWIExclusive && s.exclusiveTWIOn():
		b.WriteString(" when i2c available")
	case g.UARTRequired != types.UARTNone && s.uart.Current() != types.UARTNone:
		b.WriteString(" when uart available")
	case !s.commMode().Intersects(g.Comm):
		b.WriteString(" when comm mode allows")
	}
}

// GPSActive reports whether the receiver is powered and talking.
func (s *Scheduler) GPSActive() bool { return s.gps != nil && s.gps.Active() }
