// Package cell drives a SIMCom 3G/LTE modem over AT commands.
//
// Like the LoRa transport it keeps the conversation in a Session advanced by
// a pure transition function. Uploads that expect no reply go out as UDP
// datagrams; uploads that expect one open a TCP connection to the service
// and read the reply back in hex.
package cell

import (
	"fmt"
	"net"
	"strconv"

	"github.com/go-logr/logr"

	"sensornode-go/services/cmdbuf"
	"sensornode-go/services/comm/link"
	"sensornode-go/services/config"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

// Controller reports the comm controller state the modem logic depends on.
type Controller interface {
	Deselected() bool
	OneshotEnabled() bool
}

// Transport implements link.Transport for the cellular modem.
type Transport struct {
	log      logr.Logger
	host     link.Host
	ctl      Controller
	clk      timex.Clock
	settings func() config.Settings

	cmd      *cmdbuf.Buffer
	prompted bool
	s        Session
}

var _ link.Transport = (*Transport)(nil)

func New(host link.Host, ctl Controller, clk timex.Clock, settings func() config.Settings, log logr.Logger) *Transport {
	return &Transport{
		log:      log.WithName("cell"),
		host:     host,
		ctl:      ctl,
		clk:      clk,
		settings: settings,
		cmd:      cmdbuf.New(),
	}
}

// Endpoints resolves the service addresses. A configured service
// "host[:port]" replaces the TCP endpoint and the UDP host.
func Endpoints(service string) (udpHost string, udpPort int, tcpHost string, tcpPort int) {
	udpHost, udpPort, tcpHost, tcpPort = DefaultUDPHost, DefaultUDPPort, DefaultTCPHost, DefaultTCPPort
	if service == "" {
		return
	}
	host, port, err := net.SplitHostPort(service)
	if err != nil {
		host, port = service, ""
	}
	if host != "" {
		udpHost, tcpHost = host, host
	}
	if p, err := strconv.Atoi(port); err == nil && p > 0 {
		tcpPort = p
	}
	return
}

func (t *Transport) env() Env {
	st := t.settings()
	e := Env{
		Now:        t.clk.Seconds(),
		Self:       st.DeviceID,
		APN:        st.APN,
		Deselected: t.ctl.Deselected(),
		Oneshot:    t.ctl.OneshotEnabled(),
	}
	e.UDPHost, e.UDPPort, e.TCPHost, e.TCPPort = Endpoints(st.Service)
	return e
}

func (t *Transport) step(ev Event) bool {
	first, ok := true, false
	for {
		prev := t.s.State
		s, out := transition(t.s, t.env(), ev)
		t.s = s
		if s.State != prev {
			t.log.V(1).Info("state", "from", prev.String(), "to", s.State.String())
		}
		if first {
			ok, first = out.OK, false
		}
		link.Apply(t.host, out.Effects)
		if !out.Again {
			return ok
		}
		ev = Event{Kind: EvLine}
	}
}

func (t *Transport) Name() string     { return "cell" }
func (t *Transport) UART() types.UART { return types.UARTCell }

// Init prepares for a freshly powered modem. The conversation starts with
// the first line it sends or once the boot delay has passed.
func (t *Transport) Init() {
	t.cmd.Clear()
	t.step(Event{Kind: EvInit})
}

func (t *Transport) Term(powerdown bool) { t.step(Event{Kind: EvTerm, Force: powerdown}) }

// Reset restarts the modem. Without force it is ignored while an init runs.
func (t *Transport) Reset(force bool) { t.step(Event{Kind: EvReset, Force: force}) }

// NeededToBeReset runs the watchdogs and reports whether it acted.
func (t *Transport) NeededToBeReset() bool { return t.step(Event{Kind: EvTick}) }

// Received feeds one byte from the modem. A '>' while a payload is pending
// is the modem's prompt for it.
func (t *Transport) Received(b byte) {
	if !t.s.Active || t.ctl.Deselected() {
		return
	}
	t.s.Heard = true
	if t.s.CallbackRequested && b == '>' {
		t.prompted = true
		t.step(Event{Kind: EvPrompt})
		return
	}
	if t.prompted {
		// the prompt is "> "
		t.prompted = false
		if b == ' ' {
			return
		}
	}
	if !t.cmd.Append(b) {
		return
	}
	for {
		l := t.cmd.Take()
		t.log.V(2).Info("<", "state", t.s.State.String(), "line", l.String())
		t.step(Event{Kind: EvLine, Line: l})
		if !t.cmd.Reset() {
			return
		}
	}
}

func (t *Transport) SendToService(frame []byte, reply types.ReplyType) bool {
	return t.step(Event{Kind: EvSend, Payload: frame, Reply: reply})
}

func (t *Transport) IsBusy() bool  { return t.step(Event{Kind: EvBusy}) }
func (t *Transport) CanSend() bool { return !t.s.NoNetwork && t.s.InitCompleted }
func (t *Transport) MTU() int      { return MTU }

// EnterCommandMode has nothing to hold awake on the modem.
func (t *Transport) EnterCommandMode() {}

func (t *Transport) State() string {
	return fmt.Sprintf("cell st=%s init=%v nonet=%v apn=%q deferred=%v dropped=%d",
		t.s.State, t.s.InitCompleted, t.s.NoNetwork, t.s.APN, t.s.HasDeferred, t.cmd.Dropped())
}

// RequestFullReset makes the next reset power-cycle the modem instead of
// just re-running the AT setup.
func (t *Transport) RequestFullReset() { t.s.ForceFull = true }

func (t *Transport) Session() Session { return t.s }
