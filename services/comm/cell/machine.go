package cell

import (
	"fmt"
	"strconv"
	"strings"

	"sensornode-go/services/cmdbuf"
	"sensornode-go/services/comm/link"
	"sensornode-go/services/stats"
	"sensornode-go/services/wire"
	"sensornode-go/types"
	"sensornode-go/x/conv"
	"sensornode-go/x/timex"
)

const (
	MTU      = 512
	maxFrame = MTU + 256

	bootDelaySeconds        = 30
	watchdogSeconds         = 60
	extendedWatchdogSeconds = 300
	serviceWaitSeconds      = 240
	sendTimeoutSeconds      = 60
	dnsLookupSeconds        = 48 * 60 * 60
	openRetries             = 8
	pbDoneDelayMs           = 1000

	DefaultUDPHost = "tt-udp.safecast.org"
	DefaultUDPPort = 8081
	DefaultTCPHost = "tt.safecast.org"
	DefaultTCPPort = 8082
)

// carriers maps ICCID issuer prefixes to the APN their SIMs need.
var carriers = []struct{ prefix, name, apn string }{
	{"890126", "Twilio", "wireless.twilio.com"},
	{"891030", "Soracom Beta", "openroamer.com"},
	{"894230", "Soracom", "soracom.io"},
	{"890117", "AT&T", "m2m005267.attz"},
}

// Env is what a transition reads but does not own.
type Env struct {
	Now        uint32
	Self       uint32
	APN        string
	UDPHost    string
	UDPPort    int
	TCPHost    string
	TCPPort    int
	Deselected bool
	Oneshot    bool
}

// Session is the modem conversation state.
type Session struct {
	State State
	Since uint32
	Seen  uint8 // replies recognised in the current state

	Active         bool
	Heard          bool // any byte since power-up
	InitInProgress bool
	InitCompleted  bool
	InitStarted    uint32
	FirstReset     bool
	NoNetwork      bool
	ForceFull      bool
	Recording      bool
	Locked         bool
	Extend         bool

	APN     string
	UDPAddr string
	TCPAddr string
	LastDNS uint32

	AwaitingServe bool
	OpenRetries   int

	Deferred          []byte
	HasDeferred       bool
	DeferredSince     uint32
	CallbackRequested bool
	DoneAfterCallback bool

	Rx []byte
}

type EventKind uint8

const (
	EvLine EventKind = iota
	EvInit
	EvTerm
	EvReset
	EvTick
	EvSend
	EvPrompt
	EvBusy
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

// Outcome is what a transition asks of the world.
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
	case EvPrompt:
		m.prompt()
	case EvBusy:
		m.out.OK = m.busy()
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
	m.s.Seen = 0
}

func (m *machine) enter(st State) {
	m.set(st)
	m.out.Again = true
}

func (m *machine) seen(mask uint8) bool { return m.s.Seen&mask == mask }

// expect sends cmd and moves to next once the modem acknowledges.
func (m *machine) expect(l cmdbuf.Line, cmd string, next State) {
	if m.commonReply(&l) {
		return
	}
	if l.Is("ok") {
		m.send(cmd)
		m.set(next)
	}
}

func (m *machine) clearDeferred() {
	m.s.HasDeferred = false
	m.s.CallbackRequested = false
	m.s.DoneAfterCallback = false
}

func (m *machine) init() {
	m.s.Active = true
	m.set(ResetReq)
	m.s.NoNetwork = false
	m.clearDeferred()
	m.s.AwaitingServe = false
	m.s.InitInProgress = false
	m.s.InitCompleted = false
	m.s.FirstReset = true
	m.s.Heard = false
}

func (m *machine) term(powerdown bool) {
	if powerdown {
		m.fx().Do(link.ReleaseUART)
		m.s.Active = false
	}
	m.fx().TxEnable(true)
	m.clearDeferred()
	m.s.AwaitingServe = false
	m.s.Since = m.env.Now
	m.set(Idle)
}

func (m *machine) reset(force bool) {
	if m.env.Deselected {
		m.s.InitCompleted = true
		m.s.InitInProgress = false
		m.set(Idle)
		return
	}
	if !force && m.s.InitInProgress {
		return
	}
	m.enter(ResetReq)
}

func (m *machine) tick() bool {
	if !m.s.Active {
		return false
	}
	now := m.env.Now
	if !m.s.Heard && timex.Elapsed(now, m.s.InitStarted) > bootDelaySeconds && !m.s.Locked && !m.s.InitCompleted && m.s.InitInProgress {
		// module missing or unpowered
		m.s.NoNetwork = true
		m.fx().Text(link.Deselect, "cell not responding")
		m.fx().Do(link.OneshotCompleted)
		return true
	}
	if !m.s.InitCompleted && !m.s.InitInProgress && now > bootDelaySeconds {
		m.reset(false)
		return true
	}
	if m.s.Since >= now {
		m.s.Since = now
	}
	if now < watchdogSeconds {
		return false
	}
	limit := uint32(watchdogSeconds)
	if m.s.Extend {
		limit = extendedWatchdogSeconds
	}
	if now-m.s.Since <= limit || m.s.State == Idle {
		return false
	}
	m.s.ForceFull = true
	if m.env.Oneshot {
		m.fx().Text(link.Deselect, "cell reset")
		m.fx().Do(link.Reselect)
	} else {
		m.reset(true)
	}
	if m.s.Recording {
		m.fx().Count(stats.ErrorsCell)
	}
	return true
}

// busy also gives up on a send whose modem prompt never came.
func (m *machine) busy() bool {
	if m.s.State != Idle {
		return true
	}
	if !m.s.HasDeferred {
		return false
	}
	if timex.WouldSuppress(m.env.Now, m.s.DeferredSince, sendTimeoutSeconds) {
		return true
	}
	m.clearDeferred()
	return false
}

func (m *machine) sendToService(frame []byte, reply types.ReplyType) bool {
	if !m.s.Active || m.busy() || len(frame) > maxFrame {
		return false
	}
	m.s.AwaitingServe = reply != types.ReplyNone
	m.s.Deferred = append(m.s.Deferred[:0], frame...)
	m.s.HasDeferred = true
	m.s.DeferredSince = m.env.Now
	m.fx().IO(len(frame), 0)

	if reply == types.ReplyNone {
		m.s.CallbackRequested = true
		m.s.DoneAfterCallback = true
		m.send(fmt.Sprintf(`at+cipsend=0,%d,"%s",%d`, len(frame), m.s.UDPAddr, m.env.UDPPort))
		m.set(MiscRpl)
		return true
	}
	m.s.OpenRetries = openRetries
	m.openTCP()
	return true
}

func (m *machine) openTCP() {
	m.fx().Connect(types.ConnectAppService)
	m.send(fmt.Sprintf(`at+cipopen=1,"TCP","%s",%d`, m.s.TCPAddr, m.env.TCPPort))
	m.set(CIPOpenRpl2)
}

// prompt writes the held payload once the modem asks for it with '>'.
func (m *machine) prompt() {
	if !m.s.CallbackRequested {
		return
	}
	m.fx().Raw(m.s.Deferred)
	m.s.CallbackRequested = false
	if m.s.DoneAfterCallback {
		m.s.HasDeferred = false
		m.fx().Do(link.OneshotCompleted)
	}
}

// commonReply handles the replies that mean the same in every state.
func (m *machine) commonReply(l *cmdbuf.Line) bool {
	fx := m.fx()
	switch {
	case l.Is("error"), l.Is("+ciperror:"):
		// only a hardware reset closes the sessions left open
		m.s.ForceFull = true
		m.enter(ResetReq)
		return true

	case m.s.State != Idle && l.Is("start"):
		if m.s.Recording {
			if m.s.State == CPSIRpl {
				fx.Count(stats.AntFails)
			} else {
				fx.Count(stats.PowerFails)
			}
			fx.Count(stats.ErrorsCell)
		}
		m.enter(StartRpl)
		return true

	case l.Is("+ipd*"):
		l.Next()
		l.Is("*")
		n, _ := strconv.Atoi(l.Next())
		n = min(n, cmdbuf.MaxLine)
		m.s.Rx = m.s.Rx[:0]
		m.send("at+ciprxget=3,1," + strconv.Itoa(n))
		m.set(CIPRxGetRpl2)
		return true

	case l.Is("+cme"):
		l.Next()
		if l.Is("error:") {
			l.Next()
			if strings.HasPrefix(l.Rest(), "SIM failure") {
				m.s.NoNetwork = true
			}
		}
		return true

	case l.Is("+iccid:"):
		l.Next()
		iccid := strings.TrimSpace(l.Rest())
		fx.Note("iccid", iccid)
		for _, c := range carriers {
			if strings.HasPrefix(iccid, c.prefix) {
				m.s.APN = c.apn
				fx.Note("carrier", c.name)
			}
		}
		return true
	}
	return false
}

func (m *machine) line(l cmdbuf.Line) {
	if !m.s.Active {
		return
	}
	if m.s.State != ResetReq && !m.s.InitInProgress && !m.s.InitCompleted {
		m.set(Idle)
		return
	}
	fx := m.fx()

	switch m.s.State {
	case ResetReq:
		if m.env.Deselected {
			m.reset(true)
			return
		}
		if m.s.FirstReset {
			m.s.FirstReset = false
		} else {
			fx.Count(stats.Resets)
		}
		m.s.Since = m.env.Now
		m.s.NoNetwork = false
		m.s.InitCompleted = false
		m.s.InitInProgress = true
		m.s.InitStarted = m.env.Now
		m.clearDeferred()
		m.s.AwaitingServe = false
		fx.TxEnable(true)
		if m.s.APN == "" {
			m.s.APN = m.env.APN
		}
		m.send("at+cgfunc=11,0")
		m.set(CGFuncRpl1)

	case CGFuncRpl1:
		full := m.s.ForceFull
		m.s.ForceFull = false
		if full {
			m.send("at+creset")
			m.set(CResetRpl)
			return
		}
		m.send("ate0")
		m.set(EchoRpl)

	case CResetRpl:
		switch {
		case l.Is("start"):
			m.s.Seen |= 0x01
			m.s.Recording = true
		case l.Is("+cpin: ready"):
			m.s.Seen |= 0x02
		case l.Is("pb done"):
			fx.Delay(pbDoneDelayMs)
			m.s.Seen |= 0x04
		case m.commonReply(&l):
			return
		}
		if m.seen(0x07) {
			m.send("ate0")
			m.set(EchoRpl)
		}

	case StartRpl:
		m.send("ate0")
		m.set(EchoRpl)

	case EchoRpl:
		m.expect(l, "at+cgfunc=11,0", CGFuncRpl2)

	case CGFuncRpl2:
		// no hardware flow control to negotiate
		m.enter(IFCRpl)

	case IFCRpl:
		if m.commonReply(&l) {
			return
		}
		m.send("at+cgfunc=1,0")
		m.set(NoLEDRpl1)

	case NoLEDRpl1:
		if m.commonReply(&l) {
			return
		}
		m.send("at+cleditst=0,0")
		m.set(NoLEDRpl2)

	case NoLEDRpl2:
		if m.commonReply(&l) {
			return
		}
		m.waitForService()

	case CPSIRpl:
		m.cpsi(l)

	case CPSI0Rpl:
		if m.commonReply(&l) {
			return
		}
		if !l.Is("ok") {
			return
		}
		if m.s.APN != "" {
			m.enter(CICCIDRpl)
			return
		}
		m.send("ati")
		m.set(ATIRpl)

	case ATIRpl:
		if l.Is("ok") {
			m.send("at+ciccid")
			m.set(CICCIDRpl)
			return
		}
		if model, ok := strings.CutPrefix(l.String(), "Model: "); ok {
			fx.Module(model)
		}

	case CICCIDRpl:
		if m.commonReply(&l) || m.s.APN == "" {
			return
		}
		m.send(`at+cgsockcont=1,"IP","` + m.s.APN + `"`)
		m.set(CGSockContRpl)

	case CGSockContRpl:
		m.expect(l, "at+csocksetpn=1", CSockSetPNRpl)

	case CSockSetPNRpl:
		m.expect(l, "at+cipmode=0", CIPModeRpl)

	case CIPModeRpl:
		m.expect(l, "at+ciptimeout=120000,30000,120000", CIPTimeoutRpl)

	case CIPTimeoutRpl:
		if m.commonReply(&l) {
			return
		}
		if l.Is("ok") {
			fx.Connect(types.ConnectDataService)
			m.s.Extend = true
			m.send("at+netopen")
			m.set(NetOpenRpl)
		}

	case NetOpenRpl:
		m.netOpen(l)

	case CDNSGIPRpl:
		if m.commonReply(&l) {
			return
		}
		m.resolved(&l, &m.s.UDPAddr)
		if m.seen(0x01) {
			m.send(`at+cdnsgip="` + m.s.TCPAddr + `"`)
			m.set(CDNSGIPRpl2)
		}

	case CDNSGIPRpl2:
		if m.commonReply(&l) {
			return
		}
		m.resolved(&l, &m.s.TCPAddr)
		if m.seen(0x01) {
			m.send("at+ciphead=1")
			m.set(CIPHeadRpl)
		}

	case CIPHeadRpl:
		m.expect(l, "at+cipsrip=0", CIPSRIPRpl)

	case CIPSRIPRpl:
		m.expect(l, "at+ciprxget=1", CIPRxGetRpl)

	case CIPRxGetRpl:
		m.expect(l, `at+cipopen=0,"UDP",,,9000`, CIPOpenRpl)

	case CIPOpenRpl:
		if m.commonReply(&l) {
			return
		}
		if l.Is("ok") {
			m.enter(InitCompleted)
		}

	case InitCompleted:
		if m.s.NoNetwork {
			fx.Text(link.Deselect, "cell no network")
			fx.Do(link.OneshotCompleted)
		} else {
			fx.Connect(types.ConnectCellActive)
			fx.Do(link.SelectCompleted)
		}
		m.s.InitInProgress = false
		m.s.InitCompleted = true
		m.set(Idle)
		if !m.s.NoNetwork {
			m.s.Locked = true
			fx.Do(link.UpdateService)
		}

	case CIPOpenRpl2:
		m.cipOpen(l)

	case CIPSendRpl:
		switch {
		case l.Is("error"), l.Is("ok"):
			m.s.Seen |= 0x01
		case m.commonReply(&l):
			return
		case l.Is("+ipclose:"):
			m.s.Seen |= 0x02
		}
		if m.seen(0x03) {
			m.s.Extend = false
			m.send("at+cipclose=1")
			m.set(CIPCloseRpl)
		}

	case CIPCloseRpl:
		switch {
		case l.Is("error"), l.Is("ok"):
			m.set(Idle)
		default:
			m.commonReply(&l)
		}

	case CIPRxGetRpl2:
		if m.commonReply(&l) {
			return
		}
		if l.Is("ok") || l.Is("+ciprxget:") || l.Is("+ipclose:") {
			return
		}
		m.appendHex(l.String())
		m.processReceived()
		m.set(Idle)

	case MiscRpl:
		if m.commonReply(&l) {
			return
		}
		if l.Is("ok") {
			m.set(Idle)
		}

	case Idle:
		if m.commonReply(&l) {
			return
		}
		m.set(Idle)
	}
}

func (m *machine) waitForService() {
	m.fx().Connect(types.ConnectWirelessService)
	m.send("at+cpsi=5")
	m.set(CPSIRpl)
}

// cpsi waits for the periodic system information report to say the modem
// is registered.
func (m *machine) cpsi(l cmdbuf.Line) {
	if m.commonReply(&l) {
		return
	}
	if m.s.NoNetwork {
		m.enter(InitCompleted)
		return
	}
	retry := false
	switch {
	case l.Is("ok"):
		m.s.Seen |= 0x01
	case l.Is("+cpsi:"):
		l.Next()
		if l.Is("no service") {
			waited := timex.Elapsed(m.env.Now, m.s.InitStarted)
			if waited >= serviceWaitSeconds {
				m.s.NoNetwork = true
				m.enter(InitCompleted)
				return
			}
			retry = true
			break
		}
		l.Is("*")
		mode := l.Next()
		if !l.Is("online") {
			retry = true
			break
		}
		m.s.Seen |= 0x02
		l.Is("*")
		l.Next()
		var parts [4]string
		for i := range parts {
			l.Is("*")
			parts[i] = l.Next()
		}
		m.fx().Note("cpsi", mode+","+strings.Join(parts[:], ","))
	}
	switch {
	case m.seen(0x03):
		m.send("at+cpsi=0")
		m.set(CPSI0Rpl)
	case retry && m.env.Deselected:
		m.reset(true)
	case retry:
		m.s.Since = m.env.Now
	}
}

func (m *machine) netOpen(l cmdbuf.Line) {
	if m.commonReply(&l) {
		return
	}
	switch {
	case l.Is("ok"):
		m.s.Seen |= 0x01
	case l.Is("+netopen: 0"):
		m.s.Seen |= 0x02
	case l.Is("+netopen: 1"):
		m.s.Extend = false
		m.waitForService()
		return
	}
	if !m.seen(0x03) {
		return
	}
	m.s.Extend = false
	if !timex.ShouldSuppress(m.env.Now, &m.s.LastDNS, dnsLookupSeconds) {
		m.s.UDPAddr, m.s.TCPAddr = "", ""
	}
	if m.s.UDPAddr == "" {
		m.s.UDPAddr = m.env.UDPHost
	}
	if m.s.TCPAddr == "" {
		m.s.TCPAddr = m.env.TCPHost
	}
	if numeric(m.s.UDPAddr) && numeric(m.s.TCPAddr) {
		m.send("at+ciphead=1")
		m.set(CIPHeadRpl)
		return
	}
	m.send(`at+cdnsgip="` + m.s.UDPAddr + `"`)
	m.set(CDNSGIPRpl)
}

// resolved records the address in a +CDNSGIP reply.
func (m *machine) resolved(l *cmdbuf.Line, addr *string) {
	if l.Is("ok") {
		m.s.Seen |= 0x01
		return
	}
	if !l.Is("+cdnsgip: *") {
		return
	}
	l.Next()
	l.Is("*")
	status := l.Next()
	l.Is("*")
	l.Next()
	l.Is("*")
	to := strings.Trim(l.Next(), `"`)
	if status == "1" && to != "" {
		*addr = to
	}
}

func (m *machine) cipOpen(l cmdbuf.Line) {
	if m.commonReply(&l) {
		return
	}
	switch {
	case l.Is("ok"):
		m.s.Since = m.env.Now
	case l.Is("+cipopen: 1,0"):
		m.s.Seen |= 0x01
	case l.Is("+cipopen:"):
		if m.s.OpenRetries == 0 {
			m.set(Idle)
			return
		}
		m.s.OpenRetries--
		// the cached address may be stale
		m.s.TCPAddr = m.env.TCPHost
		m.s.LastDNS = 0
		m.s.Since = m.env.Now
		m.openTCP()
		return
	}
	if !m.seen(0x01) {
		return
	}
	m.fx().Connect(types.ConnectUnknown)
	m.s.CallbackRequested = true
	m.s.DoneAfterCallback = true
	m.s.Extend = true
	m.send("at+cipsend=1," + strconv.Itoa(len(m.s.Deferred)))
	m.set(CIPSendRpl)
}

// appendHex keeps a received line only if all of it is hex digits.
func (m *machine) appendHex(s string) {
	compact := strings.Join(strings.Fields(s), "")
	if len(compact)%2 != 0 {
		return
	}
	if conv.DecodeHexPrefix(make([]byte, len(compact)/2), compact) != len(compact)/2 {
		return
	}
	room := maxFrame - len(m.s.Rx)
	if len(compact) > room {
		compact = compact[:room]
	}
	m.s.Rx = append(m.s.Rx, compact...)
}

func (m *machine) processReceived() {
	// one receive window per send
	m.s.AwaitingServe = false
	if len(m.s.Rx) != 0 {
		m.fx().IO(0, len(m.s.Rx))
		if t, kind := wire.Decode(string(m.s.Rx), m.env.Self); kind == wire.ReplyTTServe {
			m.fx().Text(link.ServiceMessage, t.Message)
		}
	}
	m.s.Rx = m.s.Rx[:0]
	m.s.HasDeferred = false
	m.fx().Do(link.OneshotCompleted)
}

func numeric(addr string) bool {
	for i := 0; i < len(addr); i++ {
		if c := addr[i]; (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}
