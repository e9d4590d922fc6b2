package sensor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"sensornode-go/services/cmdbuf"
	"sensornode-go/services/stats"
	"sensornode-go/types"
	"sensornode-go/x/mathx"
	"sensornode-go/x/timex"
)

// GPS acquisition limits.
const (
	GPSPollSeconds     = 10
	GPSAbortFirst      = 15 * 60
	GPSAbortImprove    = 3 * 60
	GPSAbortBurn       = 30
	GPSRetrySeconds    = 3 * 60
	gpsMinSentences    = 5
	gpsCmdUpdateRate   = "$PMTK300,2000,0,0,0,0*18"
	gpsCmdAntennaState = "$PGCMD,33,1*6C"
)

// LineSender writes a line on the switchable UART when owner holds it.
type LineSender interface {
	SendLine(owner types.UART, line string) bool
	Current() types.UART
}

// UGPS acquires a fix from an NMEA receiver on the switchable UART. It keeps
// polling until it has a full location and a plausible date, or gives up
// and lets the scheduler fall back to the last known good location.
type UGPS struct {
	Base
	UART LineSender

	sensor *Sensor
	buf    *cmdbuf.Buffer

	initialized     bool
	initializedEver bool
	shutdown        bool
	skip            bool
	antennaShown    bool
	savedLKG        bool

	sentences     uint32
	sentencesLast uint32
	active        bool
	seconds       uint32
	lastRetry     uint32

	reported        bool
	haveLocation    bool
	haveFull        bool
	haveImproved    bool
	haveTimeDate    bool
	tryingToImprove bool
	lat, lon, alt   float32
	when            time.Time
}

func NewUGPS(u LineSender) *UGPS { return &UGPS{UART: u, buf: cmdbuf.New()} }

func (u *UGPS) InitOnce(s *Sensor) bool {
	u.sensor = s
	return true
}

// okToUpdate is false when the battery can't afford a search or a test is
// running.
func (u *UGPS) okToUpdate() bool {
	if u.sensor == nil {
		return false
	}
	switch u.sensor.Battery() {
	case types.BatBurn, types.BatTest, types.BatEmergency, types.BatWarning, types.BatLow:
		return false
	}
	return true
}

// Update asks for an improved fix on the next cycle.
func (u *UGPS) Update() {
	if !u.okToUpdate() || u.initialized {
		return
	}
	u.skip = false
	u.tryingToImprove = true
	u.haveImproved = false
}

// Active reports whether sentences arrived since the previous poll.
func (u *UGPS) Active() bool { return u.initialized && u.active }

// Shutdown ends acquisition at the next poll when the GPS holds the UART.
func (u *UGPS) Shutdown() {
	if !u.shutdown && u.UART.Current() == types.UARTGPS {
		u.shutdown = true
	}
}

// Timestamp is the first plausible date and time the receiver reported.
func (u *UGPS) Timestamp() (time.Time, bool) { return u.when, u.haveTimeDate }

func (u *UGPS) InitPower(s *Sensor) bool {
	if u.initializedEver && !u.okToUpdate() {
		return false
	}
	if u.initialized {
		return false
	}
	u.buf.Clear()
	u.sentences, u.sentencesLast = 0, 0
	u.initialized, u.initializedEver = true, true
	u.seconds = 0
	u.shutdown = false
	s.Log().Info("initializing")
	u.UART.SendLine(types.UARTGPS, gpsCmdUpdateRate)
	if !u.antennaShown {
		u.UART.SendLine(types.UARTGPS, gpsCmdAntennaState)
	}
	return true
}

func (u *UGPS) TermPower(s *Sensor) bool {
	if !u.initialized {
		return false
	}
	u.initialized = false
	return true
}

func (u *UGPS) DoneSettling(s *Sensor) { u.haveImproved = false }

// Received takes one byte from the UART.
func (u *UGPS) Received(c byte) {
	if !u.initialized || !u.buf.Append(c) {
		return
	}
	for {
		line := u.buf.Take()
		u.sentence(line.String())
		if !u.buf.Reset() {
			return
		}
	}
}

func (u *UGPS) sentence(line string) {
	u.sentences++
	if end := strings.IndexByte(line, '*'); end >= 0 {
		line = line[:end]
	}
	f := strings.Split(line, ",")
	if len(f[0]) != 6 || f[0][0] != '$' {
		return
	}
	switch f[0][3:] {
	case "GGA":
		u.gga(f)
	case "RMC":
		u.rmc(f)
	case "TOP":
		u.antenna(f)
	}
}

func field(f []string, i int) string {
	if i < len(f) {
		return f[i]
	}
	return ""
}

func (u *UGPS) gga(f []string) {
	fix := field(f, 6)
	if fix != "1" && fix != "2" {
		return
	}
	lat, ok1 := nmeaDegrees(field(f, 2), field(f, 3))
	lon, ok2 := nmeaDegrees(field(f, 4), field(f, 5))
	if !ok1 || !ok2 || lat == 0 && lon == 0 {
		return
	}
	u.haveLocation = true
	u.lat, u.lon = lat, lon
	if a, err := strconv.ParseFloat(field(f, 9), 32); err == nil {
		u.alt = float32(a)
		u.haveFull, u.haveImproved = true, true
		u.tryingToImprove = false
	}
	u.saveLKG()
}

func (u *UGPS) rmc(f []string) {
	if field(f, 2) != "A" {
		return
	}
	lat, ok1 := nmeaDegrees(field(f, 3), field(f, 4))
	lon, ok2 := nmeaDegrees(field(f, 5), field(f, 6))
	if ok1 && ok2 && (lat != 0 || lon != 0) {
		u.haveLocation = true
		u.lat, u.lon = lat, lon
		u.haveImproved = true
		u.tryingToImprove = false
		u.saveLKG()
	}
	hms, date := field(f, 1), field(f, 9)
	if u.haveTimeDate || len(hms) < 6 || len(date) != 6 {
		return
	}
	t, err := time.Parse("020106150405", date+hms[:6])
	if err != nil {
		return
	}
	if yy := t.Year() % 100; !mathx.Between(yy, 17, 49) {
		u.log().Info("implausible year", "year", t.Year())
		return
	}
	u.when, u.haveTimeDate = t, true
}

func (u *UGPS) antenna(f []string) {
	if u.antennaShown || field(f, 2) == "" {
		return
	}
	u.antennaShown = true
	switch field(f, 2)[0] {
	case '1':
		u.log().Info("antenna failure")
		if u.sensor != nil {
			u.sensor.Stats().Inc(stats.AntFails)
		}
	case '2':
		u.log().Info("using internal antenna")
	case '3':
		u.log().Info("using external antenna")
	}
}

func (u *UGPS) saveLKG() {
	if u.savedLKG || u.sensor == nil {
		return
	}
	u.savedLKG = true
	u.sensor.Scheduler().saveLKG(types.Location{Lat: u.lat, Lon: u.lon, Alt: u.alt})
}

func (u *UGPS) log() logr.Logger {
	if u.sensor == nil {
		return logr.Discard()
	}
	return u.sensor.Log()
}

// nmeaDegrees converts ddmm.mmmm and a hemisphere to signed degrees.
func nmeaDegrees(v, hemi string) (float32, bool) {
	if v == "" || hemi == "" {
		return 0, false
	}
	a, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	d := float64(int(a) / 100)
	r := d + (a-d*100)/60
	switch hemi[0] {
	case 'S', 's', 'W', 'w':
		r = -r
	}
	return float32(r), true
}

// Value is the acquired location.
func (u *UGPS) Value() (types.GPSStatus, types.Location) {
	if !u.reported {
		if u.sentences < gpsMinSentences {
			return types.GPSNoData, types.Location{}
		}
		return types.GPSNoLock, types.Location{}
	}
	st := types.GPSPartial
	if u.haveFull {
		st = types.GPSFull
	}
	return st, types.Location{Lat: u.lat, Lon: u.lon, Alt: u.alt, Status: st.String()}
}

func (u *UGPS) abort(s *Sensor, why string) {
	u.skip = true
	s.Scheduler().gpsAborted()
	s.Completed()
	s.Log().Info("aborted", "reason", why)
}

func (u *UGPS) Poll(s *Sensor) {
	if !s.PollingValid() {
		return
	}
	u.active = u.sentences != u.sentencesLast
	u.sentencesLast = u.sentences
	u.seconds += GPSPollSeconds

	sched := s.Scheduler()
	status, _ := u.Value()
	if s.OpMode() == types.OpTestBurn && status != types.GPSNoData {
		u.abort(s, "burn-in")
		return
	}
	if s.Battery() == types.BatTest {
		u.abort(s, "battery test")
		return
	}
	if s.OpMode() == types.OpMobile && sched.comm != nil && sched.comm.WouldBeBuffered() {
		return
	}

	abortAfter := uint32(GPSAbortFirst)
	if u.haveFull && !u.haveImproved {
		abortAfter = GPSAbortImprove
	}
	if u.haveLocation && u.haveTimeDate {
		if u.seconds > abortAfter || u.haveFull && u.haveImproved {
			u.reported = true
			u.skip = true
			s.Log().V(1).Info("fix", "lat", u.lat, "lon", u.lon, "alt", u.alt)
		}
	}
	if u.shutdown {
		u.skip = true
		s.Completed()
		return
	}
	if !u.tryingToImprove {
		if st, _ := sched.GPS(); st == types.GPSFull {
			u.skip = true
			s.Completed()
			return
		}
	}
	if s.OpMode() == types.OpTestBurn {
		abortAfter = GPSAbortBurn
	}
	if u.seconds > abortAfter {
		if status, _ := u.Value(); status == types.GPSNoData {
			s.Stats().Inc(stats.ErrorsUGPS)
			u.abort(s, "no data")
		} else {
			u.abort(s, "no lock")
		}
		return
	}
	s.Log().V(1).Info("waiting", "seconds", u.seconds, "flags", u.flags())
}

func (u *UGPS) flags() string {
	b := []byte("----")
	for i, on := range []bool{u.haveLocation, u.haveFull, u.haveImproved, u.haveTimeDate} {
		if on {
			b[i] = "lLIT"[i]
		}
	}
	return string(b)
}

// Skip holds the GPS group back once a location is known, except for the
// periodic retry after an abort and in mobile mode.
func (u *UGPS) Skip(g *Group) bool {
	sched := g.Scheduler()
	st, _ := sched.GPS()
	if !u.reported && st == types.GPSFull {
		return true
	}
	if sched.OpMode() != types.OpTestBurn && st == types.GPSAborted {
		if !timex.ShouldSuppress(sched.now(), &u.lastRetry, GPSRetrySeconds) {
			u.reported = false
			u.skip = false
			return false
		}
	}
	if sched.OpMode() == types.OpMobile {
		return false
	}
	return u.skip
}

func (u *UGPS) Show() string {
	st, loc := u.Value()
	if !u.reported {
		return fmt.Sprintf("%s (%d sentences)", st, u.sentences)
	}
	return fmt.Sprintf("%s %.4f/%.4f/%.0f", st, loc.Lat, loc.Lon, loc.Alt)
}
