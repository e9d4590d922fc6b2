// Package comm is the communications mode controller. It decides which radio
// is claimed, powers it up and down around uploads in oneshot mode, and owns
// the path every uplink takes to the service: batching, offline buffering and
// the periodic stats sequence.
//
// Everything here runs on the node loop. Transports report back through the
// link.Host adapter, which may call into the controller while one of its own
// operations is still on the stack; the controller's state is kept
// consistent across those calls.
package comm

import (
	"time"

	"github.com/go-logr/logr"

	"sensornode-go/bus"
	"sensornode-go/services/buffer"
	"sensornode-go/services/comm/cell"
	"sensornode-go/services/comm/link"
	"sensornode-go/services/comm/lora"
	"sensornode-go/services/config"
	"sensornode-go/services/stats"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

const (
	oneshotFastMinutes      = 10
	failoverRestartMinutes  = 1440
	oneshotUpdateSeconds    = 180
	oneshotAbortSeconds     = 300
	fastDeviceUpdateBegin   = 60
	bootDelayUntilInit      = 30
	pingServiceSeconds      = 60
	defaultMTU              = 512
	nextMessageAllowance    = 150
	defaultBurnMinutes      = 60
	burnServiceUpdateMinute = 15
	testCellSeconds         = 10 * 60
)

var TopicState = bus.T("comm", "state")

// UART is the switchable UART as the controller drives it.
type UART interface {
	Select(u types.UART)
	Current() types.UART
	EnableTransmit(on bool)
	SendLine(owner types.UART, line string) bool
	Write(owner types.UART, b []byte) bool
}

// Sensors is what the controller needs from the sensor scheduler.
type Sensors interface {
	UploadNeeded() bool
	ExclusivePoweredOn() bool
	ExclusiveBusy() bool
	TestMode() bool
	OpMode() types.OpMode
	SetTemporaryOpMode(m types.OpMode, seconds uint32)
	GPS() (types.GPSStatus, types.Location)
	Measurements() types.Readings
	ClearMeasurements(r types.Readings)
}

// Settings is the config service as seen from here.
type Settings interface {
	Current() config.Settings
	Update(st config.Settings)
	Save() error
}

// Deps are the collaborators of a Controller. LoRa and Cell default to the
// real transports driven through the controller's host adapter.
type Deps struct {
	Clock    timex.Clock
	UART     UART
	Sensors  Sensors
	Settings Settings
	Stats    *stats.Stats
	Store    *buffer.Store
	Battery  func() types.BatteryStatus
	Restart  func(reason string)
	Delay    func(ms uint32)
	Log      logr.Logger

	LoRa link.Transport
	Cell link.Transport
}

// Controller owns the choice of transport.
type Controller struct {
	log      logr.Logger
	clk      timex.Clock
	uart     UART
	sensors  Sensors
	settings Settings
	stats    *stats.Stats
	store    *buffer.Store
	batch    *buffer.Batch
	battery  func() types.BatteryStatus
	restart  func(reason string)
	delay    func(ms uint32)

	lora link.Transport
	cell link.Transport

	mode       types.CommMode
	deselected bool
	connect    types.ConnectState
	reason     string

	initialized        bool
	waitingFirstSelect bool
	oneshotNextPoll    bool
	oneshotCompleted   bool
	oneshotDisabled    bool
	callNow            bool
	forceCell          bool
	burnToggle         bool
	flush              bool
	modeRequest        types.CommMode

	selectInProgress bool
	lastSelect       uint32
	failedSelects    uint32
	totalSelects     uint32

	poweredUp     uint32
	poweredDown   uint32
	lastPoweredUp uint32
	lastOneshot   uint32
	lastUpdate    uint32
	lastPing      uint32

	failedOver   bool
	failoverTime uint32

	mtuTest      int
	mtuCount     uint32
	mtuMax       int
	transmitting bool

	seq updateSequence
}

func New(d Deps) *Controller {
	c := &Controller{
		log:      d.Log.WithName("comm"),
		clk:      d.Clock,
		uart:     d.UART,
		sensors:  d.Sensors,
		settings: d.Settings,
		stats:    d.Stats,
		store:    d.Store,
		batch:    buffer.NewBatch(),
		battery:  d.Battery,
		restart:  d.Restart,
		delay:    d.Delay,
		lora:     d.LoRa,
		cell:     d.Cell,
		mode:     types.CommNone,
	}
	if c.stats == nil {
		c.stats = &stats.Stats{}
	}
	if c.store == nil {
		c.store = buffer.NewStore(0)
	}
	if c.battery == nil {
		c.battery = func() types.BatteryStatus { return types.BatNormal }
	}
	if c.restart == nil {
		c.restart = func(string) {}
	}
	if c.delay == nil {
		c.delay = func(ms uint32) { time.Sleep(time.Duration(ms) * time.Millisecond) }
	}
	h := &host{c: c}
	current := func() config.Settings { return c.settings.Current() }
	if c.lora == nil {
		c.lora = lora.New(h, c.clk, current, d.Log)
	}
	if c.cell == nil {
		c.cell = cell.New(h, c, c.clk, current, d.Log)
	}
	return c
}

var _ cell.Controller = (*Controller)(nil)

func (c *Controller) now() uint32 { return c.clk.Seconds() }

func (c *Controller) transport() link.Transport {
	switch c.mode {
	case types.CommLoRa:
		return c.lora
	case types.CommCell:
		return c.cell
	}
	return nil
}

// Init resets the stats, leaves every radio off and schedules the first
// oneshot two thirds of an interval from now. The first real selection
// happens in Poll.
func (c *Controller) Init() {
	c.stats.Reset()
	c.Select(types.CommNone, "init")
	now := c.now()
	c.poweredDown = now
	c.poweredUp, c.lastPoweredUp = 0, 0
	c.lastOneshot = now + 2*c.OneshotInterval()/3
	c.initialized = true
	c.waitingFirstSelect = true
}

// Mode is the claimed transport, which stays claimed while deselected.
func (c *Controller) Mode() types.CommMode { return c.mode }

// Deselected reports whether the claimed transport is powered off.
func (c *Controller) Deselected() bool { return c.deselected }

// ConnectState is the diagnostic phase of the current connect attempt.
func (c *Controller) ConnectState() types.ConnectState { return c.connect }

func (c *Controller) SetConnectState(s types.ConnectState) { c.connect = s }

// Select terminates the current transport and brings up which, after the
// override policy has had its say. A select still in progress is counted as
// a failure of the phase it had reached.
func (c *Controller) Select(which types.CommMode, reason string) {
	c.reason = reason
	requested := which
	which = c.override(which)
	if which != requested {
		c.log.Info("select overridden", "requested", requested.String(), "mode", which.String())
	}
	if c.sensors.TestMode() && which != types.CommNone {
		return
	}
	if c.selectInProgress {
		c.selectInProgress = false
		c.failedSelects++
		c.countFailedSelect()
	}
	if which == types.CommNone {
		c.oneshotCompleted = true
	}

	now := c.now()
	c.lastSelect = 0
	c.poweredUp = 0
	c.poweredDown = now
	c.deselected = true
	c.connect = types.ConnectUnknown
	switch c.mode {
	case types.CommLoRa:
		c.lora.Term(true)
		c.connect = types.ConnectLoRaDeselected
	case types.CommCell:
		c.cell.Term(true)
		c.connect = types.ConnectCellDeselected
	}

	if which != types.CommNone {
		c.lastSelect = now
		c.selectInProgress = true
		c.totalSelects++
		c.callNow = false
	}
	c.mode = which
	c.deselected = which == types.CommNone
	c.log.V(1).Info("select", "mode", which.String(), "reason", reason)

	t := c.transport()
	if t == nil {
		return
	}
	c.uart.Select(t.UART())
	c.lastPoweredUp, c.poweredUp = now, now
	c.poweredDown = 0
	if which == types.CommLoRa {
		c.connect = types.ConnectLoRaModule
	} else {
		c.connect = types.ConnectCellModule
	}
	t.Init()
}

func (c *Controller) countFailedSelect() {
	switch c.connect {
	case types.ConnectLoRaModule:
		c.stats.Inc(stats.ConnectLoRa)
	case types.ConnectLoRaGateway, types.ConnectLoRaWANGateway:
		c.stats.Inc(stats.ConnectGateway)
	case types.ConnectCellModule:
		c.stats.Inc(stats.ConnectCell)
		if r, ok := c.cell.(interface{ RequestFullReset() }); ok {
			r.RequestFullReset()
		}
	case types.ConnectWirelessService:
		c.stats.Inc(stats.ConnectWireless)
	case types.ConnectDataService:
		c.stats.Inc(stats.ConnectData)
	case types.ConnectAppService:
		c.stats.Inc(stats.ConnectService)
	}
}

// override applies, in order: the burn-in toggle in AUTO, the mobile
// redirect to cellular, a pending request from the console, and the rule
// that LoRa is not chosen while buffered data waits for cellular.
func (c *Controller) override(m types.CommMode) types.CommMode {
	if m == types.CommNone {
		return m
	}
	wan := c.settings.Current().WAN
	if c.burnToggle && wan == types.WANAuto {
		switch m {
		case types.CommLoRa:
			m, c.burnToggle = types.CommCell, false
		case types.CommCell:
			m, c.burnToggle = types.CommLoRa, false
		}
	}
	if m == types.CommLoRa && c.sensors.OpMode() == types.OpMobile {
		switch wan {
		case types.WANAuto, types.WANCell, types.WANCellPlusMobile:
			m = types.CommCell
		}
	}
	if c.modeRequest != 0 {
		m, c.modeRequest = c.modeRequest, 0
	}
	if m == types.CommLoRa && (!c.batch.Empty() || c.store.Len() != 0) {
		m = types.CommCell
	}
	return m
}

// Deselect powers the transport off but keeps it claimed.
func (c *Controller) Deselect(reason string) {
	m := c.mode
	c.Select(types.CommNone, reason)
	c.mode = m
}

// Reselect powers the claimed transport back up.
func (c *Controller) Reselect() {
	if c.deselected {
		c.Select(c.mode, "reselect")
	}
	c.oneshotCompleted = false
}

// RequestModeOnReselect makes the next non-None select pick m. CommNone
// withdraws the request.
func (c *Controller) RequestModeOnReselect(m types.CommMode) {
	if m == types.CommNone {
		m = 0
	}
	c.modeRequest = m
}

// SelectCompleted records how long the transport took to come up.
func (c *Controller) SelectCompleted() {
	c.selectInProgress = false
	if c.lastSelect == 0 {
		return
	}
	if now := c.now(); now > c.lastSelect {
		c.stats.LogSelectTime(now, now-c.lastSelect)
	}
	c.lastSelect = 0
}

// OneshotCompleted takes effect on the next Poll.
func (c *Controller) OneshotCompleted() { c.oneshotNextPoll = true }

// ForceCell makes AUTO fail over to cellular.
func (c *Controller) ForceCell() { c.forceCell = true }

// CallNow makes the next oneshot happen immediately.
func (c *Controller) CallNow() {
	c.callNow = true
	c.lastOneshot = 0
	c.InitiateServiceUpdate(false)
}

// DisableOneshot keeps the transport powered, except after a failover.
func (c *Controller) DisableOneshot() { c.oneshotDisabled = true }

// InitiateServiceUpdate makes the next update go out now. full restarts the
// stats sequence from the top.
func (c *Controller) InitiateServiceUpdate(full bool) {
	if full {
		c.seq.restart()
	}
	c.lastUpdate = 0
	c.flush = true
}

// StartMTUTest sends stats messages of growing size, from start bytes, until
// the transport fails them.
func (c *Controller) StartMTUTest(start int) { c.mtuTest = start }

// EnterCommandMode keeps the active module awake for console commands.
func (c *Controller) EnterCommandMode() {
	if t := c.transport(); t != nil && !c.deselected {
		t.EnterCommandMode()
	}
}

// Received feeds a byte read from the UART to the transport that holds it.
// A deselected LoRaWAN module keeps the UART until it has saved its session.
func (c *Controller) Received(b byte) {
	switch c.uart.Current() {
	case c.lora.UART():
		c.lora.Received(b)
	case c.cell.UART():
		c.cell.Received(b)
	}
}

// Reset resets the active transport.
func (c *Controller) Reset(force bool) {
	if t := c.transport(); t != nil {
		t.Reset(force)
	}
}
