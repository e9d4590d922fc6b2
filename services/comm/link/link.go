// Package link is the contract between the comm controller and the radio
// transports. A transport's state machine is pure: it returns Effects, and
// Apply carries them out against the Host.
package link

import (
	"sensornode-go/services/stats"
	"sensornode-go/types"
)

// Host is what a transport needs from the node around it.
type Host interface {
	SendLine(line string) bool
	SendRaw(b []byte) bool
	EnableTransmit(on bool)
	Delay(ms uint32)
	Count(c stats.Counter)
	IO(tx, rx int)
	SetModule(name string)
	SetConnectState(c types.ConnectState)
	SelectCompleted()
	UpdateService()
	OneshotCompleted()
	Handoff(reason string)
	ServiceMessage(text string)
	Display(text string)
	SaveDevEUI(eui string)
	ReleaseUART()
	Note(key, value string)
	Deselect(reason string)
	Reselect()
}

// Transport is implemented by each radio.
type Transport interface {
	Name() string
	UART() types.UART
	Init()
	Term(powerdown bool)
	Reset(force bool)
	NeededToBeReset() bool
	Received(b byte)
	SendToService(frame []byte, reply types.ReplyType) bool
	IsBusy() bool
	CanSend() bool
	MTU() int
	EnterCommandMode()
	State() string
}

// Kind selects which Effect fields are meaningful.
type Kind uint8

const (
	Send Kind = iota + 1
	Delay
	TxEnable
	Count
	IO
	Module
	Connect
	SelectCompleted
	UpdateService
	OneshotCompleted
	Handoff
	ServiceMessage
	Display
	SaveDevEUI
	ReleaseUART
	Raw
	Note
	Deselect
	Reselect
)

// Effect is one side effect requested by a transition.
type Effect struct {
	Kind    Kind
	Text    string
	Key     string
	N       uint32
	On      bool
	Counter stats.Counter
	Connect types.ConnectState
	Tx, Rx  int
}

// Effects accumulates the side effects of one transition.
type Effects []Effect

func (e *Effects) Send(line string)      { *e = append(*e, Effect{Kind: Send, Text: line}) }
func (e *Effects) Delay(ms uint32)       { *e = append(*e, Effect{Kind: Delay, N: ms}) }
func (e *Effects) TxEnable(on bool)      { *e = append(*e, Effect{Kind: TxEnable, On: on}) }
func (e *Effects) Count(c stats.Counter) { *e = append(*e, Effect{Kind: Count, Counter: c}) }
func (e *Effects) IO(tx, rx int)         { *e = append(*e, Effect{Kind: IO, Tx: tx, Rx: rx}) }
func (e *Effects) Module(name string)    { *e = append(*e, Effect{Kind: Module, Text: name}) }
func (e *Effects) Connect(c types.ConnectState) {
	*e = append(*e, Effect{Kind: Connect, Connect: c})
}
func (e *Effects) Raw(b []byte) { *e = append(*e, Effect{Kind: Raw, Text: string(b)}) }
func (e *Effects) Note(key, value string) {
	*e = append(*e, Effect{Kind: Note, Key: key, Text: value})
}
func (e *Effects) Do(k Kind)             { *e = append(*e, Effect{Kind: k}) }
func (e *Effects) Text(k Kind, s string) { *e = append(*e, Effect{Kind: k, Text: s}) }

// Has reports whether an effect of kind k is present.
func (e Effects) Has(k Kind) bool {
	for _, x := range e {
		if x.Kind == k {
			return true
		}
	}
	return false
}

// Lines returns the text of every Send effect in order.
func (e Effects) Lines() []string {
	var out []string
	for _, x := range e {
		if x.Kind == Send {
			out = append(out, x.Text)
		}
	}
	return out
}

// Apply performs effs against h in order.
func Apply(h Host, effs Effects) {
	for _, x := range effs {
		switch x.Kind {
		case Send:
			h.SendLine(x.Text)
		case Delay:
			h.Delay(x.N)
		case TxEnable:
			h.EnableTransmit(x.On)
		case Count:
			h.Count(x.Counter)
		case IO:
			h.IO(x.Tx, x.Rx)
		case Module:
			h.SetModule(x.Text)
		case Connect:
			h.SetConnectState(x.Connect)
		case SelectCompleted:
			h.SelectCompleted()
		case UpdateService:
			h.UpdateService()
		case OneshotCompleted:
			h.OneshotCompleted()
		case Handoff:
			h.Handoff(x.Text)
		case ServiceMessage:
			h.ServiceMessage(x.Text)
		case Display:
			h.Display(x.Text)
		case SaveDevEUI:
			h.SaveDevEUI(x.Text)
		case ReleaseUART:
			h.ReleaseUART()
		case Raw:
			h.SendRaw([]byte(x.Text))
		case Note:
			h.Note(x.Key, x.Text)
		case Deselect:
			h.Deselect(x.Text)
		case Reselect:
			h.Reselect()
		}
	}
}
