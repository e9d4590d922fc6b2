// Package lora drives a Microchip RN2483/RN2903 module in raw LoRa or
// LoRaWAN mode.
//
// The conversation with the module is a state machine kept in a Session.
// transition is pure: it maps a Session, an Env snapshot and an Event to the
// next Session and a list of effects. Transport owns the Session, feeds it
// modem lines and controller requests, and applies the effects against the
// host, rerunning the machine while a transition asks to continue.
package lora

import (
	"fmt"
	"math/rand/v2"

	"github.com/go-logr/logr"

	"sensornode-go/services/cmdbuf"
	"sensornode-go/services/comm/link"
	"sensornode-go/services/config"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

// Transport implements link.Transport for the LoRa module.
type Transport struct {
	log      logr.Logger
	host     link.Host
	clk      timex.Clock
	settings func() config.Settings
	jitter   func() uint32

	cmd *cmdbuf.Buffer
	s   Session
}

var _ link.Transport = (*Transport)(nil)

func New(host link.Host, clk timex.Clock, settings func() config.Settings, log logr.Logger) *Transport {
	return &Transport{
		log:      log.WithName("lora"),
		host:     host,
		clk:      clk,
		settings: settings,
		jitter:   func() uint32 { return rand.Uint32N(relayDelayMs) },
		cmd:      cmdbuf.New(),
		s:        NewSession(),
	}
}

func (t *Transport) env() Env {
	st := t.settings()
	return Env{
		Now:    t.clk.Seconds(),
		WAN:    st.WAN,
		Flags:  st.Flags,
		Region: st.Region,
		DevEUI: st.DevEUI,
		AppEUI: st.AppEUI,
		AppKey: st.AppKey,
		Self:   st.DeviceID,
		Jitter: t.jitter(),
	}
}

// step runs the machine on ev and on every continuation it asks for. The
// result is the OK of the first transition.
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

func (t *Transport) Name() string     { return "lora" }
func (t *Transport) UART() types.UART { return types.UARTLoRa }

// Init starts talking to a freshly powered module.
func (t *Transport) Init() {
	t.cmd.Clear()
	t.step(Event{Kind: EvInit})
}

// Term releases the module. In LoRaWAN the session is saved first, once the
// module reports that it has gone to sleep.
func (t *Transport) Term(powerdown bool) { t.step(Event{Kind: EvTerm, Force: powerdown}) }

// Reset reinitialises the module. force also forgets the LoRaWAN session.
func (t *Transport) Reset(force bool) { t.step(Event{Kind: EvReset, Force: force}) }

// NeededToBeReset runs the watchdogs and reports whether a reset or handoff
// happened.
func (t *Transport) NeededToBeReset() bool { return t.step(Event{Kind: EvTick}) }

// Received feeds one byte from the module.
func (t *Transport) Received(b byte) {
	if !t.s.Active || !t.cmd.Append(b) {
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

// SendToService transmits a frame, or defers it while the module sleeps.
func (t *Transport) SendToService(frame []byte, reply types.ReplyType) bool {
	return t.step(Event{Kind: EvSend, Payload: frame, Reply: reply})
}

func (t *Transport) IsBusy() bool  { return t.s.Busy() }
func (t *Transport) CanSend() bool { return t.s.InitCompleted }
func (t *Transport) MTU() int      { return t.s.MTU() }

// EnterCommandMode keeps the module awake for interactive commands.
func (t *Transport) EnterCommandMode() { t.step(Event{Kind: EvCommandMode}) }

func (t *Transport) State() string {
	mode := "lora"
	if t.s.LoRaWAN {
		mode = "lorawan"
	}
	return fmt.Sprintf("%s st=%s init=%v deferred=%v dropped=%d", mode, t.s.State, t.s.InitCompleted, t.s.HasDeferred, t.cmd.Dropped())
}

// Session returns a copy of the machine state.
func (t *Transport) Session() Session { return t.s }
