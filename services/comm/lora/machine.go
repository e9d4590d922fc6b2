package lora

import (
	"strconv"
	"strings"

	"sensornode-go/services/cmdbuf"
	"sensornode-go/services/comm/link"
	"sensornode-go/services/comm/lora/freqplan"
	"sensornode-go/services/stats"
	"sensornode-go/services/wire"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

const (
	longDelayMs  = 1500
	settleMs     = 250
	sleepMs      = 7000
	listenWDTMs  = 30000
	relayWDTMs   = 60000
	relayDelayMs = 5000

	joinRetries          = 3
	gatewayWaitSeconds   = 30
	bootDelaySeconds     = 30
	watchdogSeconds      = 60
	sleepWatchdogSeconds = 20
	failoverCheckSeconds = 30 * 60

	retriesLoRaWAN = 1
	retriesLoRa    = 3

	mtuLoRaWAN = 51
	mtuLoRa    = 125

	zeroKey = "00000000000000000000000000000000"
)

// Env is what a transition reads but does not own.
type Env struct {
	Now    uint32
	WAN    types.WANMode
	Flags  types.Flags
	Region string
	DevEUI string
	AppEUI string
	AppKey string
	Self   uint32
	Jitter uint32 // random milliseconds
}

// Session is the machine's own state.
type Session struct {
	State State
	Since uint32 // last state change, for the watchdog

	Active         bool
	LoRaWAN        bool
	DesiredLoRaWAN bool
	TryOther       bool
	ReceiveMode    bool
	SleepDisabled  bool

	InitEver       bool
	InitInProgress bool
	InitCompleted  bool
	FirstReset     bool
	TermAfterSleep bool

	Module  string
	Region  string
	DevEUI  string
	FPIndex int

	JoinRetries int
	XmitRetries int

	AwaitingGate      bool
	GateSince         uint32
	AwaitingServe     bool
	LastFailoverCheck uint32

	Deferred    string
	HasDeferred bool

	Relay     []byte
	RelayFrom uint32
	RelaySNR  int
	RelayAt   uint32
}

// NewSession is the power-on state: LoRa first, falling back to LoRaWAN.
func NewSession() Session { return Session{TryOther: true} }

// MTU is the largest frame the current mode carries.
func (s *Session) MTU() int {
	if s.LoRaWAN {
		return mtuLoRaWAN
	}
	return mtuLoRa
}

// Busy reports whether a send now would be refused.
func (s *Session) Busy() bool {
	sleeping := s.State.sleeping()
	if s.State != Idle && !sleeping {
		return true
	}
	if sleeping && s.HasDeferred {
		return true
	}
	return s.State == RxRpl
}

type EventKind uint8

const (
	EvLine EventKind = iota
	EvInit
	EvTerm
	EvReset
	EvTick
	EvSend
	EvCommandMode
)

// Event drives one transition. An EvLine with an empty Line continues into
// a state without waiting for the modem.
type Event struct {
	Kind    EventKind
	Line    cmdbuf.Line
	Force   bool
	Payload []byte
	Reply   types.ReplyType
}

// Outcome is what a transition asks of the world. Again means run the new
// state immediately.
type Outcome struct {
	Effects link.Effects
	Again   bool
	OK      bool
}

type machine struct {
	s   Session
	env Env
	out Outcome
}

func transition(s Session, env Env, ev Event) (Session, Outcome) {
	m := machine{s: s, env: env}
	switch ev.Kind {
	case EvLine:
		m.line(ev.Line)
	case EvInit:
		m.init()
	case EvTerm:
		m.term(ev.Force)
	case EvReset:
		m.reset(ev.Force)
	case EvTick:
		m.out.OK = m.tick()
	case EvSend:
		m.out.OK = m.sendToService(ev.Payload, ev.Reply)
	case EvCommandMode:
		m.s.SleepDisabled = true
		m.s.ReceiveMode = false
	}
	return m.s, m.out
}

func (m *machine) fx() *link.Effects { return &m.out.Effects }

func (m *machine) send(line string) { m.out.Effects.Send(line) }

func (m *machine) set(st State) {
	if m.s.State != st {
		m.s.Since = m.env.Now
	}
	m.s.State = st
}

func (m *machine) enter(st State) {
	m.set(st)
	m.out.Again = true
}

func (m *machine) init() {
	m.set(ResetReq)
	m.s.Active = true
	m.s.AwaitingGate = false
	m.s.AwaitingServe = false
	m.s.InitInProgress = false
	m.s.InitCompleted = false
	m.s.FirstReset = true
	m.s.TermAfterSleep = false
	m.send("sys get ver")
}

func (m *machine) term(powerdown bool) {
	if !powerdown {
		return
	}
	if m.s.InitCompleted && m.s.LoRaWAN {
		m.s.TermAfterSleep = true
		return
	}
	m.doTerm()
}

func (m *machine) doTerm() {
	m.fx().Do(link.ReleaseUART)
	m.s.HasDeferred = false
	m.fx().TxEnable(true)
	m.set(Idle)
	m.s.Active = false
}

func (m *machine) reset(force bool) {
	if !force && m.s.InitInProgress {
		return
	}
	if force {
		m.s.InitEver = false
	}
	m.enter(ResetReq)
}

func (m *machine) tick() bool {
	if !m.s.Active {
		return false
	}
	now := m.env.Now
	if !m.s.InitCompleted && !m.s.InitInProgress && now > bootDelaySeconds {
		m.reset(false)
		return true
	}
	if m.s.Since >= now {
		m.s.Since = now
	}
	if m.s.State == RelayWait && now >= m.s.RelayAt {
		m.relayNow()
		return false
	}
	if now >= sleepWatchdogSeconds && now-m.s.Since > sleepWatchdogSeconds && m.s.State == SleepRpl {
		m.fx().TxEnable(true)
		m.send("sys get ver")
		m.set(Idle)
		return false
	}
	if now >= watchdogSeconds && now-m.s.Since > watchdogSeconds {
		if m.s.State == GetVerRpl && m.env.WAN == types.WANAuto {
			m.fx().Count(stats.ErrorsLoRa)
			m.fx().Text(link.Handoff, "module failure - lora handoff")
			return true
		}
		if m.s.State != Idle {
			m.reset(true)
			m.fx().Count(stats.ErrorsLoRa)
			return true
		}
	}
	return false
}

func (m *machine) receiveModeActive() bool {
	return m.s.ReceiveMode || m.s.AwaitingGate || m.s.AwaitingServe
}

// restartReceive leaves the modem asleep, or listening when a reply or a
// relayed message may arrive.
func (m *machine) restartReceive() {
	if m.s.LoRaWAN || !m.receiveModeActive() {
		if m.s.SleepDisabled || !m.s.InitCompleted {
			m.set(Idle)
			return
		}
		if m.s.State == SleepRpl {
			return
		}
		m.send("sys sleep " + strconv.Itoa(sleepMs))
		m.set(SleepRpl)
		m.fx().TxEnable(false)
		return
	}
	m.send("radio rx 0")
	m.set(RxRpl)
	m.fx().TxEnable(false)
}

func (m *machine) setIdle() { m.restartReceive() }

func (m *machine) sentPendingOutbound() bool {
	if !m.s.HasDeferred || m.s.State == SleepRpl {
		return false
	}
	m.s.HasDeferred = false
	m.send(m.s.Deferred)
	m.set(TxRpl1)
	return true
}

func (m *machine) sendToService(payload []byte, reply types.ReplyType) bool {
	if !m.s.Active {
		return false
	}
	now := m.env.Now
	if reply == types.ReplyNone && !timex.ShouldSuppress(now, &m.s.LastFailoverCheck, failoverCheckSeconds) {
		reply = types.ReplyTTServe
	}
	m.s.AwaitingGate, m.s.AwaitingServe = false, false
	switch reply {
	case types.ReplyTTGate:
		m.fx().Connect(types.ConnectLoRaGateway)
		m.s.AwaitingGate = true
		m.s.GateSince = now
	case types.ReplyTTServe:
		m.s.AwaitingServe = true
	}
	if m.s.Busy() {
		return false
	}

	m.s.XmitRetries = 0
	var cmd string
	if m.s.LoRaWAN {
		if reply == types.ReplyNone {
			cmd = "mac tx uncnf 1 "
		} else {
			cmd = "mac tx cnf 1 "
			m.s.XmitRetries = retriesLoRaWAN
		}
	} else {
		cmd = "radio tx "
		if reply == types.ReplyTTGate {
			m.s.XmitRetries = retriesLoRa
		}
	}
	cmd += wire.Hex(payload)
	m.fx().IO(len(payload), 0)

	if m.s.State.sleeping() {
		m.s.Deferred, m.s.HasDeferred = cmd, true
		return true
	}
	m.s.HasDeferred = false
	m.send(cmd)
	m.set(TxRpl1)
	return true
}

func (m *machine) ping(reply types.ReplyType) bool {
	return m.sendToService(wire.Ping(reply, m.env.Self), reply)
}

// nextPlanCommand sends the next frequency plan command, if any is left.
func (m *machine) nextPlanCommand(lorawan bool) bool {
	plan, ok := freqplan.New(m.s.Region, lorawan)
	if !ok {
		return false
	}
	cmd, ok := plan.Command(m.s.FPIndex)
	if !ok {
		return false
	}
	m.s.FPIndex++
	m.send(cmd)
	return true
}

func (m *machine) devEUI() string {
	if m.s.DevEUI != "" {
		return m.s.DevEUI
	}
	return m.env.DevEUI
}

func (m *machine) line(l cmdbuf.Line) {
	if !m.s.Active {
		return
	}
	if m.s.State == Idle {
		m.s.State = Unsolicited
	}
	fx := m.fx()

	switch m.s.State {
	case ResetReq:
		if m.s.FirstReset {
			m.s.FirstReset = false
		} else {
			fx.Count(stats.Resets)
		}
		m.s.Since = m.env.Now
		m.s.InitCompleted = false
		m.s.InitInProgress = true
		fx.TxEnable(true)
		m.set(Idle)
		m.send("sys get ver")
		m.set(GetVerRpl)

	case GetVerRpl:
		fx.Delay(longDelayMs)
		region := m.env.Region
		switch {
		case l.Is("rn2483"):
			fx.Module("RN2483")
			if region == "" {
				region = "eu"
			}
		case l.Is("rn2903"):
			fx.Module("RN2903")
			if region == "" {
				region = "us"
			}
		default:
			// garbage or invalid_param while resyncing
			m.send("sys get ver")
			return
		}
		m.s.Region = region
		m.s.ReceiveMode = m.env.Flags.Has(types.FlagListen | types.FlagRelay)
		if m.s.InitEver {
			if m.s.LoRaWAN {
				m.enter(LoRaWANReq)
			} else {
				m.enter(LoRaReq)
			}
			return
		}
		switch m.env.WAN {
		case types.WANLoRa, types.WANLoRaWAN:
			m.s.TryOther = false
		}
		switch m.env.WAN {
		case types.WANLoRaThenLoRaWAN, types.WANAuto, types.WANLoRa:
			m.enter(LoRaReq)
		default:
			m.enter(LoRaWANReq)
		}

	case SysResetRpl:
		fx.Delay(longDelayMs)
		if m.s.InitEver {
			m.enter(HWEUIDone)
			return
		}
		m.send("sys get hweui")
		m.set(HWEUIRpl)

	case HWEUIRpl:
		eui := strings.TrimSpace(l.Rest())
		if eui != "" && eui != m.env.DevEUI {
			fx.Text(link.SaveDevEUI, eui)
			fx.Delay(longDelayMs)
			m.s.DevEUI = eui
		}
		m.enter(HWEUIDone)

	case HWEUIDone:
		m.s.LoRaWAN = true
		if m.s.DesiredLoRaWAN {
			m.enter(MacResumeRpl)
			return
		}
		m.send("mac pause")
		m.set(MacPauseRpl)
		m.s.LoRaWAN = false

	case InitCompleted:
		m.s.TryOther = false
		m.s.InitInProgress = false
		m.s.InitCompleted = true
		m.s.InitEver = true
		fx.Do(link.SelectCompleted)
		if m.s.LoRaWAN {
			fx.Connect(types.ConnectLoRaWANActive)
		} else {
			fx.Connect(types.ConnectLoRaActive)
		}
		fx.Delay(settleMs)
		m.setIdle()
		fx.Do(link.UpdateService)

	case LoRaReq:
		m.s.FPIndex = 0
		m.s.DesiredLoRaWAN = false
		m.set(Idle)
		m.send("sys reset")
		m.set(SysResetRpl)

	case MacPauseRpl:
		wdt := listenWDTMs
		if m.env.Flags.Has(types.FlagRelay) {
			wdt = relayWDTMs
		}
		m.send("radio set wdt " + strconv.Itoa(wdt))
		m.set(SetWDTRpl)

	case SetWDTRpl:
		if m.nextPlanCommand(false) {
			return
		}
		m.sendFQ()

	case SendFQRpl:
		m.sendFQ()

	case LoRaWANReq:
		m.s.FPIndex = 0
		m.s.DesiredLoRaWAN = true
		m.set(Idle)
		if m.s.InitEver {
			m.send("mac join abp")
			m.set(RestoreStateRpl)
			return
		}
		m.send("sys reset")
		m.set(SysResetRpl)

	case MacResumeRpl:
		m.s.JoinRetries = 0
		m.send("mac set deveui " + m.devEUI())
		m.set(SetDevEUIRpl)

	case SetDevEUIRpl:
		m.send("mac set appeui " + m.env.AppEUI)
		m.set(SetAppEUIRpl)

	case SetAppEUIRpl:
		m.send("mac set appkey " + m.env.AppKey)
		m.set(SetAppKeyRpl)

	case SetAppKeyRpl:
		if m.nextPlanCommand(true) {
			return
		}
		m.sendFP()

	case SendFPRpl:
		m.sendFP()

	// Clearing the session keys makes the following otaa join a fresh one.
	case Rejoin1:
		m.send("mac set nwkskey " + zeroKey)
		m.set(Rejoin2)

	case Rejoin2:
		m.send("mac set appskey " + zeroKey)
		m.set(Rejoin3)

	case Rejoin3:
		m.send("mac set adr off")
		m.set(SetADRRpl)

	case SaveStateRpl:
		m.doTerm()

	case RestoreStateRpl:
		switch {
		case l.Is("ok"):
		case l.Is("accepted"):
			m.enter(InitCompleted)
		default:
			m.enter(ResetReq)
		}

	case SetADRRpl, RetryJoin:
		fx.Connect(types.ConnectLoRaWANGateway)
		m.send("mac join otaa")
		m.set(JoinRpl)

	case JoinRpl:
		m.join(l)

	case Idle:

	case SleepRpl:
		m.set(Idle)
		fx.TxEnable(true)
		if m.s.TermAfterSleep {
			m.s.TermAfterSleep = false
			m.send("mac save")
			m.set(SaveStateRpl)
			return
		}
		if !m.sentPendingOutbound() {
			m.restartReceive()
		}

	case GetSNRRpl:
		m.s.RelaySNR, _ = strconv.Atoi(strings.TrimSpace(l.Rest()))
		delay := uint32(relayDelayMs) + m.env.Jitter%relayDelayMs
		m.s.RelayAt = m.env.Now + (delay+999)/1000
		m.set(RelayWait)

	case RelayWait:
		// the modem is idle while we wait; nothing is expected

	case TxRpl1:
		if l.Is("ok") {
			m.set(TxRpl2)
		} else {
			m.setIdle()
		}

	case TxRpl2:
		m.txDone(l)

	case RxRpl:
		m.rxDone(l)

	case Unsolicited:
		m.setIdle()
	}
}

func (m *machine) sendFQ() {
	m.set(Idle)
	if m.s.TryOther {
		m.ping(types.ReplyTTGate)
		return
	}
	m.enter(InitCompleted)
}

func (m *machine) sendFP() {
	m.send("mac set devaddr 00000000")
	m.set(Rejoin1)
}

func (m *machine) join(l cmdbuf.Line) {
	retry := false
	switch {
	case l.Is("ok"):
	case l.Is("accepted"):
		m.fx().Count(stats.Joins)
		m.enter(InitCompleted)
	case l.Is("busy"), l.Is("no_free_ch"):
		retry = true
	case l.Is("denied"):
		m.fx().Count(stats.Denies)
		retry = true
	default:
		m.fx().Delay(longDelayMs)
	}
	if !retry {
		return
	}
	m.s.JoinRetries++
	if m.s.JoinRetries < joinRetries {
		m.enter(RetryJoin)
		return
	}
	// A rejoin that keeps failing may mean the network forgot us.
	m.s.InitEver = false
	switch {
	case !m.s.TryOther:
		m.enter(ResetReq)
	case m.env.WAN == types.WANAuto:
		m.setIdle()
		m.fx().Text(link.Handoff, "handoff from lora")
	default:
		m.enter(LoRaReq)
	}
}

func (m *machine) txDone(l cmdbuf.Line) {
	switch {
	case l.Is("radio_tx_ok"), l.Is("mac_tx_ok"):
		m.setIdle()
	case l.Is("mac_rx"):
		l.Next()
		l.Is("*") // port
		l.Next()
		l.Is("*")
		rx := l.Next()
		switch {
		case rx != "":
			m.processRx(rx)
		case m.s.XmitRetries > 0:
			left := m.s.XmitRetries
			m.set(Idle)
			m.ping(types.ReplyNone)
			m.s.XmitRetries = left - 1
		default:
			m.setIdle()
		}
	default:
		// the caller believes this went out
		m.fx().Count(stats.ErrorsLoRa)
		m.setIdle()
	}
	if m.s.InitEver && !m.s.AwaitingServe {
		m.fx().Do(link.OneshotCompleted)
	}
}

func (m *machine) rxDone(l cmdbuf.Line) {
	fx := m.fx()
	switch {
	case l.Is("ok"):
	case l.Is("radio_err"):
		// receive window closed without a message
		fx.TxEnable(true)
		if m.s.AwaitingServe {
			fx.Do(link.OneshotCompleted)
		}
		m.s.AwaitingServe = false
		if !m.s.AwaitingGate {
			if !m.sentPendingOutbound() {
				m.restartReceive()
			}
			break
		}
		m.s.AwaitingGate = false
		if m.s.XmitRetries > 0 {
			left := m.s.XmitRetries
			m.set(Idle)
			m.ping(types.ReplyTTGate)
			m.s.XmitRetries = left - 1
		} else if m.s.TryOther {
			m.enter(LoRaWANReq)
		} else {
			m.enter(LoRaReq)
		}
	case l.Is("busy"):
		fx.TxEnable(true)
		fx.Delay(longDelayMs)
		m.restartReceive()
	case l.Is("radio_rx"):
		fx.TxEnable(true)
		l.Next()
		m.processRx(l.Rest())
		fx.Do(link.OneshotCompleted)
	default:
		fx.TxEnable(true)
		m.restartReceive()
	}
	m.s.Since = m.env.Now
}

// processRx handles a hex message received over the air.
func (m *machine) processRx(hex string) {
	m.s.AwaitingServe = false
	t, kind := wire.Decode(hex, m.env.Self)
	if kind == wire.NotDecoded {
		m.setIdle()
		return
	}
	m.fx().IO(0, len(strings.TrimSpace(hex))/2)

	if kind == wire.ReplyTTGate {
		m.s.AwaitingGate = false
		m.enter(InitCompleted)
		return
	}
	if m.s.AwaitingGate {
		// Probe only for a while, or nodes hunting for a gateway keep each
		// other busy forever.
		m.set(Idle)
		if !timex.ShouldSuppress(m.env.Now, &m.s.GateSince, gatewayWaitSeconds) {
			m.setIdle()
			return
		}
		began := m.s.GateSince
		m.ping(types.ReplyTTGate)
		m.s.GateSince = began
		return
	}

	switch kind {
	case wire.ReplyTTServe:
		m.s.AwaitingGate = false
		m.setIdle()
		m.fx().Text(link.ServiceMessage, t.Message)
		return
	case wire.TelecastMsg:
		m.s.AwaitingGate = false
		m.fx().Text(link.Display, t.Message)
		m.setIdle()
		return
	}

	if m.s.LoRaWAN || !m.env.Flags.Has(types.FlagRelay) || t.DeviceID == 0 {
		m.setIdle()
		return
	}
	if err := wire.StampRelay(&t, m.env.Self); err != nil {
		m.setIdle()
		return
	}
	frame, err := wire.Frame(&t)
	if err != nil {
		m.setIdle()
		return
	}
	m.s.Relay, m.s.RelayFrom = frame, t.DeviceID
	m.send("radio get snr")
	m.set(GetSNRRpl)
}

// relayNow transmits the message held since the SNR reply.
func (m *machine) relayNow() {
	m.set(Idle)
	frame := m.s.Relay
	m.s.Relay = nil
	if m.s.InitCompleted && m.sendToService(frame, types.ReplyNone) {
		return
	}
	if !m.sentPendingOutbound() {
		m.restartReceive()
	}
}
