package sensor

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"sensornode-go/bus"
	"sensornode-go/services/config"
	"sensornode-go/services/hal"
	"sensornode-go/services/stats"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

var TopicState = bus.T("sensor", "state")

// Group names referred to outside their definition.
const GroupGPS = "g-ugps"

// Power switches rails.
type Power interface {
	Set(r hal.Rail, on bool)
}

// UART is the switchable UART as the scheduler uses it.
type UART interface {
	Select(u types.UART)
	Current() types.UART
}

// Comm is what the scheduler needs from the comm controller.
type Comm interface {
	Mode() types.CommMode
	Deselected() bool
	SwitchingAllowed() bool
	WouldBeBuffered() bool
	MTU() int
	InitiateServiceUpdate(full bool)
}

// Settings is the config service as seen from here.
type Settings interface {
	Current() config.Settings
	Update(st config.Settings)
	Save() error
}

// Locator is an acquired location source.
type Locator interface {
	Value() (types.GPSStatus, types.Location)
	// Update asks for a fresh fix at the next opportunity.
	Update()
	// Active reports whether sentences are still arriving.
	Active() bool
}

// BusResetter reports I2C bus resets.
type BusResetter interface {
	OnReset(fn func(owner string))
}

type Deps struct {
	Clock    timex.Clock
	Power    Power
	UART     UART
	Settings Settings
	Stats    *stats.Stats
	Bus      BusResetter
	GPS      Locator
	Delay    func(ms uint32)
	OnOpMode func(m types.OpMode)
	Log      logr.Logger
	Groups   []*Group
}

// Scheduler owns the groups and runs them from Poll.
type Scheduler struct {
	log      logr.Logger
	clk      timex.Clock
	power    Power
	uart     UART
	settings Settings
	stats    *stats.Stats
	gps      Locator
	delay    func(ms uint32)
	onOpMode func(m types.OpMode)
	comm     Comm

	groups      []*Group
	initialized bool
	inPoll      bool
	pending     types.Readings

	classifier hal.Battery
	soc        float32

	op          types.OpMode
	tempOp      types.OpMode
	tempSetAt   uint32
	tempSeconds uint32
	session     uuid.UUID

	testRequested bool
	testMode      bool

	useLKG      bool
	everAborted bool
}

func New(d Deps) *Scheduler {
	s := &Scheduler{
		log:      d.Log.WithName("sensor"),
		clk:      d.Clock,
		power:    d.Power,
		uart:     d.UART,
		settings: d.Settings,
		stats:    d.Stats,
		gps:      d.GPS,
		delay:    d.Delay,
		onOpMode: d.OnOpMode,
		groups:   d.Groups,

		classifier: hal.NewBattery(),
	}
	if s.stats == nil {
		s.stats = &stats.Stats{}
	}
	if s.delay == nil {
		s.delay = func(ms uint32) { time.Sleep(time.Duration(ms) * time.Millisecond) }
	}
	for _, g := range s.groups {
		g.sched = s
		for _, sn := range g.Sensors {
			sn.group, sn.sched = g, s
			if sn.Handler == nil {
				sn.Handler = Base{}
			}
		}
	}
	if d.Bus != nil {
		d.Bus.OnReset(s.busReset)
	}
	return s
}

// Attach connects the comm controller, which is built after the scheduler.
func (s *Scheduler) Attach(c Comm) { s.comm = c }

func (s *Scheduler) now() uint32 { return s.clk.Seconds() }

// Groups lists every group, configured or not.
func (s *Scheduler) Groups() []*Group { return s.groups }

// Group finds a group by name.
func (s *Scheduler) Group(name string) *Group {
	for _, g := range s.groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Init configures groups and sensors from the settings, powers every group
// down and starts the continuous pollers.
func (s *Scheduler) Init() {
	st := s.settings.Current()
	overrides := config.ParseSensorParams(st.SensorParams)
	now := s.now()
	for _, g := range s.groups {
		g.deconfigure = false
		g.configured = g.Product == "" || g.Product == st.Product
		if !g.configured {
			continue
		}
		g.override = overrides[g.Name]
		g.processing, g.settling = false, false
		g.timer = timer{}
		g.lastRepeat = now
		if g.SenseAtBoot {
			g.lastRepeat = 0
		}
		s.setPower(g, false)
		if g.Poll != nil && g.Poller.Seconds != 0 {
			g.SettleSeconds = settleForPoller(g.SettleSeconds, g.Poller)
			if g.Poller.Continuously {
				g.timer.start(now)
			}
		}

		configured := 0
		for _, sn := range g.Sensors {
			sn.deconfigure = false
			sn.configured = sn.Mask&st.Sensors != 0
			if !sn.configured {
				continue
			}
			sn.processing, sn.settling, sn.completed = false, false, false
			sn.timer = timer{}
			if sn.Poller.Seconds != 0 {
				sn.SettleSeconds = settleForPoller(sn.SettleSeconds, sn.Poller)
				if sn.Poller.Continuously {
					sn.timer.start(now)
				}
			}
			if !sn.Handler.InitOnce(sn) {
				s.log.Info("not present", "sensor", sn.Name)
				sn.configured = false
				continue
			}
			configured++
		}
		if configured == 0 {
			g.configured = false
		}
		s.log.V(1).Info("init", "group", g.Name, "configured", g.configured, "sensors", configured)
	}
	s.initialized = true
}

// A poller must get at least one tick in before settling ends.
func settleForPoller(settle uint32, p Poller) uint32 {
	if least := p.Seconds + 5; settle != 0 && settle < least {
		return least
	}
	return settle
}

func (s *Scheduler) setPower(g *Group, on bool) {
	if len(g.Rails) == 0 {
		return
	}
	for _, r := range g.Rails {
		s.power.Set(r, on)
	}
	g.poweredOn = on
	if on && g.PowerDelayMS != 0 {
		s.delay(g.PowerDelayMS)
	}
}

// Poll advances every group by one tick. It is not re-entrant.
func (s *Scheduler) Poll() {
	if !s.initialized || s.inPoll {
		return
	}
	s.inPoll = true
	defer func() { s.inPoll = false }()

	now := s.now()
	s.fireTimers(now)
	for _, g := range s.groups {
		s.step(g, now)
	}
	if s.testRequested && s.active() == 0 {
		s.testRequested = false
		s.testMode = true
		s.log.Info("sensor test mode entered")
	}
}

func (s *Scheduler) fireTimers(now uint32) {
	for _, g := range s.groups {
		if !g.configured {
			continue
		}
		if g.Poll != nil && g.timer.due(now, g.Poller.Seconds) {
			g.Poll(g)
		}
		for _, sn := range g.Sensors {
			if sn.configured && sn.timer.due(now, sn.Poller.Seconds) {
				sn.Handler.Poll(sn)
			}
		}
	}
}

func (s *Scheduler) active() int {
	n := 0
	for _, g := range s.groups {
		if g.configured && g.processing {
			n++
		}
	}
	return n
}

func (s *Scheduler) step(g *Group, now uint32) {
	if !g.configured || s.testMode && !g.testing {
		return
	}
	if !g.processing && !g.settling {
		if !s.startable(g, now) {
			return
		}
		s.start(g, now)
	}

	if g.processing && g.settling {
		if g.SettleSeconds != 0 && timex.ShouldSuppress(now, &g.lastSettled, g.SettleSeconds) {
			return
		}
		g.settling = false
		for _, sn := range g.Sensors {
			if sn.configured {
				sn.Handler.DoneGroupSettling(sn)
			}
		}
		s.startTimers(g, now, false)
	}

	if !g.processing || g.settling {
		return
	}
	s.measure(g, now)

	for _, sn := range g.Sensors {
		if sn.configured && !sn.completed && (!s.testMode || sn.testing) {
			return
		}
	}
	s.finish(g)
}

// startable applies every gate a group must pass before it powers up.
func (s *Scheduler) startable(g *Group, now uint32) bool {
	if s.testRequested {
		return false
	}
	if g.Skip != nil && !s.testMode && g.Skip(g) {
		return false
	}

	members, allPending := 0, true
	for _, sn := range g.Sensors {
		if !sn.configured {
			continue
		}
		members++
		if !sn.Handler.UploadNeeded(s.pending) {
			allPending = false
			break
		}
	}
	if members == 0 {
		g.configured = false
		s.log.Info("no sensors left", "group", g.Name)
		return false
	}
	if allPending && !s.testMode {
		return false
	}

	if g.Exclusive {
		if s.Busy() {
			return false
		}
	} else if s.ExclusiveBusy() {
		return false
	}
	if g.PowerExclusive && s.ExclusivePoweredOn() {
		return false
	}
	if g.TWIExclusive && s.exclusiveTWIOn() {
		return false
	}
	if g.UARTRequired != types.UARTNone && s.uart.Current() != types.UARTNone {
		return false
	}
	if g.UARTRequested != types.UARTNone && s.switchingAllowed() && s.uart.Current() != types.UARTNone {
		return false
	}
	if !s.Battery().Intersects(g.Battery) {
		return false
	}
	if !s.commMode().Intersects(g.Comm) {
		return false
	}
	if !s.testMode && timex.ShouldSuppressConsistently(now, &g.lastRepeat, s.repeatSeconds(g)) {
		return false
	}
	return true
}

func (s *Scheduler) start(g *Group, now uint32) {
	for _, sn := range g.Sensors {
		if sn.configured {
			sn.settling, sn.processing, sn.completed = false, false, false
		}
	}
	g.processing = true
	s.log.V(1).Info("start", "group", g.Name)
	s.setPower(g, true)

	claim := g.UARTRequired
	if claim == types.UARTNone && g.UARTRequested != types.UARTNone && s.switchingAllowed() {
		claim = g.UARTRequested
	}
	if claim != types.UARTNone {
		s.uart.Select(claim)
		g.claimedUART = claim
	}

	for _, sn := range g.Sensors {
		if !sn.configured {
			continue
		}
		if sn.Handler.InitPower(sn) {
			sn.InitFailures = 0
		} else {
			sn.InitFailures++
			s.log.V(1).Info("init failed", "sensor", sn.Name, "failures", sn.InitFailures)
		}
	}

	g.lastSettled = now
	g.settling = true
	s.startTimers(g, now, true)
}

// startTimers starts the group's and sensors' pollers that run either during
// or only after settling.
func (s *Scheduler) startTimers(g *Group, now uint32, duringSettling bool) {
	if g.Poll != nil && g.Poller.Seconds != 0 && !g.Poller.Continuously && g.Poller.DuringSettling == duringSettling {
		g.timer.start(now)
	}
	for _, sn := range g.Sensors {
		if sn.configured && sn.Poller.Seconds != 0 && !sn.Poller.Continuously && sn.Poller.DuringSettling == duringSettling {
			sn.timer.start(now)
		}
	}
}

// measure walks the sensors in order. A sensor still in progress holds back
// the ones after it.
func (s *Scheduler) measure(g *Group, now uint32) {
	for _, sn := range g.Sensors {
		if !sn.configured || s.testMode && !sn.testing {
			continue
		}
		if !sn.processing && !sn.completed {
			sn.processing = true
			sn.lastSettled = now
			sn.settling = true
			if sn.testing {
				s.log.Info("testing", "sensor", sn.Name)
			}
		}
		if sn.processing && sn.settling {
			if sn.SettleSeconds != 0 && timex.ShouldSuppress(now, &sn.lastSettled, sn.SettleSeconds) {
				break
			}
			sn.settling = false
			sn.Handler.DoneSettling(sn)
		}
		if sn.processing && !sn.completed && !sn.settling {
			sn.Handler.Measure(sn)
		}
		if sn.processing && !sn.completed {
			break
		}
	}
}

// finish powers the group down and applies deconfiguration requests.
func (s *Scheduler) finish(g *Group) {
	if !g.Poller.Continuously {
		g.timer.stop()
	}
	for _, sn := range g.Sensors {
		if sn.configured && !sn.Poller.Continuously {
			sn.timer.stop()
		}
	}
	for _, sn := range g.Sensors {
		if !sn.configured {
			continue
		}
		if sn.Handler.TermPower(sn) {
			sn.TermFailures = 0
		} else {
			sn.TermFailures++
			s.log.V(1).Info("term failed", "sensor", sn.Name, "failures", sn.TermFailures)
		}
	}
	if g.claimedUART != types.UARTNone {
		s.uart.Select(types.UARTNone)
		g.claimedUART = types.UARTNone
	}
	s.setPower(g, false)
	g.processing = false

	remaining := 0
	for _, sn := range g.Sensors {
		if !sn.configured {
			continue
		}
		if sn.deconfigure {
			sn.configured = false
			s.log.Info("deconfigured", "sensor", sn.Name)
			continue
		}
		remaining++
	}
	if remaining == 0 {
		g.deconfigure = true
	}
	if g.deconfigure {
		g.configured = false
		s.log.Info("deconfigured", "group", g.Name)
	}
	s.log.V(1).Info("done", "group", g.Name)
}

// repeatSeconds is the group's interval for the current battery status,
// halved while testing, unless the settings override it.
func (s *Scheduler) repeatSeconds(g *Group) uint32 {
	if g.override != 0 {
		return g.override
	}
	bat := s.Battery()
	var secs uint32
	for _, r := range g.Repeat {
		if bat.Intersects(r.Battery) {
			secs = r.Seconds
			break
		}
	}
	if secs == 0 {
		s.log.V(1).Info("no repeat interval", "group", g.Name, "battery", bat.String())
	}
	if bat == types.BatTest {
		secs /= 2
	}
	return secs
}

func (s *Scheduler) busReset(owner string) {
	for _, g := range s.groups {
		if g.configured && g.processing && g.complete() {
			s.log.Info("aborted by bus reset", "group", g.Name, "owner", owner)
		}
	}
}

func (s *Scheduler) commMode() types.CommMode {
	if s.comm == nil {
		return types.CommNone
	}
	return s.comm.Mode()
}

func (s *Scheduler) switchingAllowed() bool {
	return s.comm != nil && s.comm.SwitchingAllowed()
}
