package cell

import (
	"strconv"
	"testing"

	"github.com/go-logr/logr/testr"

	"sensornode-go/services/config"
	"sensornode-go/services/stats"
	"sensornode-go/services/wire"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

const self = 0x4321

type fakeHost struct {
	lines     []string
	raw       [][]byte
	notes     map[string]string
	counts    map[stats.Counter]int
	connect   []types.ConnectState
	module    string
	messages  []string
	deselects []string
	reselects int
	selected  int
	updates   int
	oneshots  int
	released  int
	tx, rx    int
}

func newFakeHost() *fakeHost {
	return &fakeHost{notes: map[string]string{}, counts: map[stats.Counter]int{}}
}

func (h *fakeHost) SendLine(line string) bool {
	h.lines = append(h.lines, line)
	return true
}

func (h *fakeHost) SendRaw(b []byte) bool {
	h.raw = append(h.raw, append([]byte(nil), b...))
	return true
}

func (h *fakeHost) EnableTransmit(on bool)               {}
func (h *fakeHost) Delay(ms uint32)                      {}
func (h *fakeHost) Count(c stats.Counter)                { h.counts[c]++ }
func (h *fakeHost) IO(tx, rx int)                        { h.tx += tx; h.rx += rx }
func (h *fakeHost) SetModule(name string)                { h.module = name }
func (h *fakeHost) SetConnectState(c types.ConnectState) { h.connect = append(h.connect, c) }
func (h *fakeHost) SelectCompleted()                     { h.selected++ }
func (h *fakeHost) UpdateService()                       { h.updates++ }
func (h *fakeHost) OneshotCompleted()                    { h.oneshots++ }
func (h *fakeHost) Handoff(reason string)                {}
func (h *fakeHost) ServiceMessage(text string)           { h.messages = append(h.messages, text) }
func (h *fakeHost) Display(text string)                  {}
func (h *fakeHost) SaveDevEUI(eui string)                {}
func (h *fakeHost) ReleaseUART()                         { h.released++ }
func (h *fakeHost) Note(key, value string)               { h.notes[key] = value }
func (h *fakeHost) Deselect(reason string)               { h.deselects = append(h.deselects, reason) }
func (h *fakeHost) Reselect()                            { h.reselects++ }

func (h *fakeHost) last() string {
	if len(h.lines) == 0 {
		return ""
	}
	return h.lines[len(h.lines)-1]
}

type fakeCtl struct {
	deselected bool
	oneshot    bool
}

func (c *fakeCtl) Deselected() bool     { return c.deselected }
func (c *fakeCtl) OneshotEnabled() bool { return c.oneshot }

type rig struct {
	t    *testing.T
	host *fakeHost
	ctl  *fakeCtl
	clk  *timex.Manual
	st   config.Settings
	tr   *Transport
}

func newRig(t *testing.T) *rig {
	r := &rig{t: t, host: newFakeHost(), ctl: &fakeCtl{}, clk: &timex.Manual{Now: 40}}
	r.st = config.Settings{WAN: types.WANCell, DeviceID: self}
	r.tr = New(r.host, r.ctl, r.clk, func() config.Settings { return r.st }, testr.New(t))
	return r
}

func (r *rig) feed(line string) {
	for _, b := range []byte(line + "\r\n") {
		r.tr.Received(b)
	}
}

func (r *rig) want(st State) {
	r.t.Helper()
	if got := r.tr.Session().State; got != st {
		r.t.Fatalf("state=%v want %v (last sent %q)", got, st, r.host.last())
	}
}

func (r *rig) reply(line string, sent string, next State) {
	r.t.Helper()
	r.feed(line)
	if r.host.last() != sent {
		r.t.Fatalf("after %q sent %q want %q", line, r.host.last(), sent)
	}
	r.want(next)
}

// online walks a freshly powered modem to an open data session.
func (r *rig) online() {
	r.t.Helper()
	r.tr.Init()
	r.reply("START", "at+cgfunc=11,0", CGFuncRpl1)
	r.reply("OK", "ate0", EchoRpl)
	r.reply("OK", "at+cgfunc=11,0", CGFuncRpl2)
	r.reply("OK", "at+cgfunc=1,0", NoLEDRpl1)
	r.reply("OK", "at+cleditst=0,0", NoLEDRpl2)
	r.reply("OK", "at+cpsi=5", CPSIRpl)
	r.feed("OK")
	r.feed("+CPSI: NO SERVICE,Online")
	r.want(CPSIRpl)
	r.reply("+CPSI: LTE,Online,310-410,0x5A1E,12345,1,EUTRAN-BAND2", "at+cpsi=0", CPSI0Rpl)
	r.reply("OK", "ati", ATIRpl)
	r.feed("Manufacturer: SIMCOM INCORPORATED")
	r.feed("Model: SIMCOM_SIM5320A")
	r.reply("OK", "at+ciccid", CICCIDRpl)
	r.feed("+ICCID: 89423000000012345678")
	r.reply("OK", `at+cgsockcont=1,"IP","soracom.io"`, CGSockContRpl)
	r.reply("OK", "at+csocksetpn=1", CSockSetPNRpl)
	r.reply("OK", "at+cipmode=0", CIPModeRpl)
	r.reply("OK", "at+ciptimeout=120000,30000,120000", CIPTimeoutRpl)
	r.reply("OK", "at+netopen", NetOpenRpl)
	r.feed("OK")
	r.reply("+NETOPEN: 0", `at+cdnsgip="tt-udp.safecast.org"`, CDNSGIPRpl)
	r.feed(`+CDNSGIP: 1,"tt-udp.safecast.org","52.1.2.3"`)
	r.reply("OK", `at+cdnsgip="tt.safecast.org"`, CDNSGIPRpl2)
	r.feed(`+CDNSGIP: 1,"tt.safecast.org","52.9.9.9"`)
	r.reply("OK", "at+ciphead=1", CIPHeadRpl)
	r.reply("OK", "at+cipsrip=0", CIPSRIPRpl)
	r.reply("OK", "at+ciprxget=1", CIPRxGetRpl)
	r.reply("OK", `at+cipopen=0,"UDP",,,9000`, CIPOpenRpl)
	r.feed("OK")
	r.want(Idle)
}

func TestInitReachesOnline(t *testing.T) {
	r := newRig(t)
	r.online()

	s := r.tr.Session()
	if !s.InitCompleted || s.InitInProgress || !r.tr.CanSend() {
		t.Fatalf("session %+v", s)
	}
	if r.host.selected != 1 || r.host.updates != 1 {
		t.Fatalf("selected=%d updates=%d", r.host.selected, r.host.updates)
	}
	if s.UDPAddr != "52.1.2.3" || s.TCPAddr != "52.9.9.9" {
		t.Fatalf("resolved udp=%q tcp=%q", s.UDPAddr, s.TCPAddr)
	}
	if r.host.module != "SIMCOM_SIM5320A" || r.host.notes["iccid"] != "89423000000012345678" || r.host.notes["carrier"] != "Soracom" {
		t.Fatalf("module=%q notes=%v", r.host.module, r.host.notes)
	}
	if got := r.host.notes["cpsi"]; got != "LTE,310-410,0x5A1E,12345,1" {
		t.Fatalf("cpsi=%q", got)
	}
	want := []types.ConnectState{types.ConnectWirelessService, types.ConnectDataService, types.ConnectCellActive}
	if len(r.host.connect) != len(want) {
		t.Fatalf("connect=%v", r.host.connect)
	}
	for i := range want {
		if r.host.connect[i] != want[i] {
			t.Fatalf("connect=%v", r.host.connect)
		}
	}
	if r.host.counts[stats.Resets] != 0 {
		t.Fatal("first reset counted")
	}
}

func TestConfiguredAPNSkipsICCID(t *testing.T) {
	r := newRig(t)
	r.st.APN = "iot.example"
	r.tr.Init()
	r.feed("START")
	for _, l := range []string{"OK", "OK", "OK", "OK", "OK", "OK"} {
		r.feed(l)
	}
	r.feed("+CPSI: LTE,Online,310-410,0x5A1E,12345,1")
	r.want(CPSI0Rpl)
	r.reply("OK", `at+cgsockcont=1,"IP","iot.example"`, CGSockContRpl)
}

func TestUDPSendWaitsForPrompt(t *testing.T) {
	r := newRig(t)
	r.online()
	frame := []byte{0, 1, 2, 0xaa, 0xbb}

	if !r.tr.SendToService(frame, types.ReplyNone) {
		t.Fatal("send refused")
	}
	if r.host.last() != `at+cipsend=0,5,"52.1.2.3",8081` {
		t.Fatalf("sent %q", r.host.last())
	}
	if !r.tr.IsBusy() || r.tr.SendToService(frame, types.ReplyNone) {
		t.Fatal("second send accepted while the first is pending")
	}
	for _, b := range []byte("\r\n> ") {
		r.tr.Received(b)
	}
	if len(r.host.raw) != 1 || string(r.host.raw[0]) != string(frame) {
		t.Fatalf("raw=%x", r.host.raw)
	}
	if r.host.oneshots != 1 || r.host.tx != len(frame) {
		t.Fatalf("oneshots=%d tx=%d", r.host.oneshots, r.host.tx)
	}
	r.feed("OK")
	r.want(Idle)
	if r.tr.IsBusy() {
		t.Fatal("busy after the datagram went out")
	}
}

func TestTCPSendReadsReply(t *testing.T) {
	r := newRig(t)
	r.online()
	frame := []byte{0, 1, 1, 0x08}

	if !r.tr.SendToService(frame, types.ReplyTTServe) {
		t.Fatal("send refused")
	}
	if r.host.last() != `at+cipopen=1,"TCP","52.9.9.9",8082` {
		t.Fatalf("sent %q", r.host.last())
	}
	r.feed("OK")
	r.reply("+CIPOPEN: 1,0", "at+cipsend=1,4", CIPSendRpl)
	r.tr.Received('>')
	if len(r.host.raw) != 1 {
		t.Fatalf("payload not written")
	}
	r.feed("OK")

	f, err := wire.Frame(&wire.Telecast{HasDeviceType: true, DeviceType: wire.DeviceTTServe, DeviceID: self, Message: "burn 10"})
	if err != nil {
		t.Fatal(err)
	}
	hex := wire.Hex(f)
	r.reply("+IPD"+strconv.Itoa(len(hex)), "at+ciprxget=3,1,"+strconv.Itoa(len(hex)), CIPRxGetRpl2)
	r.feed("OK")
	r.feed("+CIPRXGET: 3,1," + strconv.Itoa(len(hex)) + ",0")
	r.feed(hex)
	r.want(Idle)
	if len(r.host.messages) != 1 || r.host.messages[0] != "burn 10" {
		t.Fatalf("messages=%v", r.host.messages)
	}
	if r.host.rx != len(hex) {
		t.Fatalf("rx=%d", r.host.rx)
	}
	if r.tr.Session().AwaitingServe {
		t.Fatal("still awaiting a reply")
	}
}

func TestOpenFailureRetriesThenGivesUp(t *testing.T) {
	r := newRig(t)
	r.online()
	r.tr.SendToService([]byte{1, 2, 3}, types.ReplyTTServe)
	for i := 0; i < openRetries; i++ {
		r.reply("+CIPOPEN: 1,4", `at+cipopen=1,"TCP","tt.safecast.org",8082`, CIPOpenRpl2)
	}
	r.feed("+CIPOPEN: 1,4")
	r.want(Idle)
	if !r.tr.IsBusy() {
		t.Fatal("payload dropped before the send timeout")
	}
	r.clk.Advance(sendTimeoutSeconds)
	if r.tr.IsBusy() {
		t.Fatal("still busy after the send timeout")
	}
}

func TestErrorForcesFullReset(t *testing.T) {
	r := newRig(t)
	r.tr.Init()
	r.feed("START")
	r.feed("OK")
	r.reply("ERROR", "at+cgfunc=11,0", CGFuncRpl1)
	if r.host.counts[stats.Resets] != 1 {
		t.Fatalf("resets=%d", r.host.counts[stats.Resets])
	}
	r.reply("OK", "at+creset", CResetRpl)
	r.feed("START")
	r.feed("+CPIN: READY")
	r.want(CResetRpl)
	r.reply("PB DONE", "ate0", EchoRpl)
	if !r.tr.Session().Recording {
		t.Fatal("not recording after a full reset")
	}
}

func TestSpontaneousRestartCounted(t *testing.T) {
	r := newRig(t)
	r.tr.Init()
	r.feed("START")
	r.feed("OK")
	r.tr.s.Recording = true
	r.feed("OK")
	r.feed("OK")
	r.want(NoLEDRpl1)
	r.reply("START", "ate0", EchoRpl)
	if r.host.counts[stats.PowerFails] != 1 || r.host.counts[stats.ErrorsCell] != 1 {
		t.Fatalf("counts=%v", r.host.counts)
	}
}

func TestNoServiceGivesUp(t *testing.T) {
	r := newRig(t)
	r.tr.Init()
	r.feed("START")
	for i := 0; i < 5; i++ {
		r.feed("OK")
	}
	r.want(CPSIRpl)
	r.clk.Advance(serviceWaitSeconds)
	r.feed("+CPSI: NO SERVICE,Online")
	r.want(Idle)
	if r.tr.CanSend() || len(r.host.deselects) != 1 || r.host.oneshots != 1 {
		t.Fatalf("cansend=%v deselects=%v oneshots=%d", r.tr.CanSend(), r.host.deselects, r.host.oneshots)
	}
}

func TestSilentModuleIsDeselected(t *testing.T) {
	r := newRig(t)
	r.tr.Init()
	if !r.tr.NeededToBeReset() {
		t.Fatal("boot init not started")
	}
	if r.host.last() != "at+cgfunc=11,0" {
		t.Fatalf("sent %q", r.host.last())
	}
	r.clk.Advance(bootDelaySeconds)
	if r.tr.NeededToBeReset() {
		t.Fatal("gave up before the modem had time to boot")
	}
	r.clk.Advance(1)
	if !r.tr.NeededToBeReset() {
		t.Fatal("silent module not noticed")
	}
	if len(r.host.deselects) != 1 || !r.tr.Session().NoNetwork {
		t.Fatalf("deselects=%v", r.host.deselects)
	}
}

func TestWatchdog(t *testing.T) {
	tests := []struct {
		name      string
		oneshot   bool
		reselects int
		resetSent bool
	}{
		{"continuous resets in place", false, 0, true},
		{"oneshot power cycles", true, 1, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t)
			r.ctl.oneshot = tc.oneshot
			r.tr.Init()
			r.feed("START")
			r.feed("OK")
			r.want(EchoRpl)
			sent := len(r.host.lines)
			r.clk.Advance(watchdogSeconds + 1)
			if !r.tr.NeededToBeReset() {
				t.Fatal("watchdog did not fire")
			}
			if r.host.reselects != tc.reselects {
				t.Fatalf("reselects=%d", r.host.reselects)
			}
			if got := len(r.host.lines) > sent; got != tc.resetSent {
				t.Fatalf("reset sent=%v lines=%v", got, r.host.lines[sent:])
			}
			if !tc.oneshot && r.host.last() != "at+cgfunc=11,0" {
				t.Fatalf("sent %q", r.host.last())
			}
		})
	}
}

func TestDeselectedIgnoresModem(t *testing.T) {
	r := newRig(t)
	r.online()
	r.ctl.deselected = true
	n := len(r.host.lines)
	r.feed("ERROR")
	if len(r.host.lines) != n {
		t.Fatalf("reacted while deselected: %v", r.host.lines[n:])
	}
	r.tr.Reset(true)
	r.want(Idle)
	if !r.tr.Session().InitCompleted {
		t.Fatal("deselected reset should look complete")
	}
}

func TestEndpoints(t *testing.T) {
	uh, up, th, tp := Endpoints("")
	if uh != DefaultUDPHost || up != DefaultUDPPort || th != DefaultTCPHost || tp != DefaultTCPPort {
		t.Fatalf("defaults %s:%d %s:%d", uh, up, th, tp)
	}
	uh, up, th, tp = Endpoints("svc.example:9000")
	if uh != "svc.example" || up != DefaultUDPPort || th != "svc.example" || tp != 9000 {
		t.Fatalf("override %s:%d %s:%d", uh, up, th, tp)
	}
	if _, _, th, _ = Endpoints("10.0.0.1"); th != "10.0.0.1" {
		t.Fatalf("bare host %q", th)
	}
}

func TestAppendHexRejectsText(t *testing.T) {
	m := machine{}
	m.appendHex("HTTP/1.1 500")
	if len(m.s.Rx) != 0 {
		t.Fatalf("rx=%q", m.s.Rx)
	}
	m.appendHex("00 01 02")
	if string(m.s.Rx) != "000102" {
		t.Fatalf("rx=%q", m.s.Rx)
	}
}
