package sensor

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"sensornode-go/errcode"
	"sensornode-go/services/hal"
	"sensornode-go/types"
)

func TestGroupPowersSettlesMeasuresAndPowersDown(t *testing.T) {
	p := &probe{finishAfter: 1}
	g := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1, Handler: p})
	g.Rails = []hal.Rail{hal.RailAir}
	g.SettleSeconds = 10
	r := newRig(t, nil, g)
	r.s.Init()

	r.s.Poll()
	if !g.Processing() || !r.power.on[hal.RailAir] || p.inits != 1 {
		t.Fatalf("not started: processing=%v power=%v inits=%d", g.Processing(), r.power.on, p.inits)
	}
	r.tick(9)
	if p.measures != 0 || p.groupSettled != 0 {
		t.Fatalf("measured while settling: %+v", p)
	}
	r.tick(1)
	if p.groupSettled != 1 || p.settled != 1 || p.measures != 1 || p.terms != 1 {
		t.Fatalf("cycle: %+v", p)
	}
	if g.Processing() || r.power.on[hal.RailAir] {
		t.Fatal("group left running")
	}
	if got := r.power.log; len(got) != 3 || got[1] != "+air" || got[2] != "-air" {
		t.Fatalf("power log %v", got)
	}
}

func TestSensorsMeasureInOrder(t *testing.T) {
	a := &probe{finishAfter: 3}
	b := &probe{finishAfter: 1}
	g := simpleGroup("g-a",
		&Sensor{Name: "s-a", Mask: 1, Handler: a},
		&Sensor{Name: "s-b", Mask: 1, SettleSeconds: 5, Handler: b})
	r := newRig(t, nil, g)
	r.s.Init()

	r.s.Poll()
	r.tick(1)
	if a.measures != 2 || b.measures != 0 {
		t.Fatalf("a=%d b=%d", a.measures, b.measures)
	}
	r.tick(1)
	// s-b starts settling once s-a completes.
	if b.measures != 0 || !g.Processing() {
		t.Fatalf("b measured before settling")
	}
	r.tick(5)
	if b.measures != 1 || g.Processing() {
		t.Fatalf("b=%d processing=%v", b.measures, g.Processing())
	}
}

func TestUnconfiguredSensorsAreSkipped(t *testing.T) {
	a := &probe{finishAfter: 1}
	b := &probe{finishAfter: 1}
	g := simpleGroup("g-a",
		&Sensor{Name: "s-a", Mask: 1, Handler: a},
		&Sensor{Name: "s-b", Mask: 2, Handler: b})
	r := newRig(t, nil, g)
	r.settings.st.Sensors = 1
	r.s.Init()
	r.s.Poll()
	if a.measures != 1 || b.inits != 0 || b.measures != 0 {
		t.Fatalf("a=%+v b=%+v", a, b)
	}

	other := simpleGroup("g-b", &Sensor{Name: "s-c", Mask: 4})
	r = newRig(t, nil, other)
	r.settings.st.Sensors = 1
	r.s.Init()
	if other.Configured() {
		t.Fatal("group with no configured sensors stayed configured")
	}

	wrong := simpleGroup("g-c", &Sensor{Name: "s-d", Mask: 1})
	wrong.Product = "nano"
	r = newRig(t, nil, wrong)
	r.s.Init()
	if wrong.Configured() {
		t.Fatal("group for another product configured")
	}
}

func TestSettlingRaisedForPollers(t *testing.T) {
	sn := &Sensor{Name: "s-a", Mask: 1, SettleSeconds: 2, Poller: Poller{Seconds: 10}}
	g := simpleGroup("g-a", sn)
	g.SettleSeconds = 3
	g.Poller = Poller{Seconds: 10}
	g.Poll = func(*Group) {}
	untouched := &Sensor{Name: "s-b", Mask: 1, SettleSeconds: 60, Poller: Poller{Seconds: 10}}
	g.Sensors = append(g.Sensors, untouched)
	r := newRig(t, nil, g)
	r.s.Init()
	if g.SettleSeconds != 15 || sn.SettleSeconds != 15 || untouched.SettleSeconds != 60 {
		t.Fatalf("settle group=%d sensor=%d untouched=%d", g.SettleSeconds, sn.SettleSeconds, untouched.SettleSeconds)
	}
}

func TestPollersDuringAndAfterSettling(t *testing.T) {
	during := &probe{}
	after := &probe{}
	g := simpleGroup("g-a",
		&Sensor{Name: "s-during", Mask: 1, Poller: Poller{Seconds: 5, DuringSettling: true}, Handler: during},
		&Sensor{Name: "s-after", Mask: 1, Poller: Poller{Seconds: 5}, Handler: after})
	g.SettleSeconds = 30
	r := newRig(t, nil, g)
	r.s.Init()

	r.s.Poll()
	r.tick(29)
	if during.polls != 5 || after.polls != 0 {
		t.Fatalf("while settling during=%d after=%d", during.polls, after.polls)
	}
	r.tick(11)
	if during.polls != 8 || after.polls != 2 {
		t.Fatalf("after settling during=%d after=%d", during.polls, after.polls)
	}
}

func TestContinuousPollerRunsWhileIdle(t *testing.T) {
	polls := 0
	g := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1, Handler: &probe{finishAfter: 1}})
	g.Poller = Poller{Seconds: 5, Continuously: true}
	g.Poll = func(*Group) { polls++ }
	r := newRig(t, nil, g)
	r.s.Init()
	r.s.Poll()
	r.tick(20)
	if g.Processing() || polls != 4 {
		t.Fatalf("processing=%v polls=%d", g.Processing(), polls)
	}
}

func TestRepeatIntervals(t *testing.T) {
	g := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1})
	g.Repeat = []Repeat{
		{types.BatTest, 600},
		{types.BatFull, 300},
		{types.BatAll, 900},
	}
	r := newRig(t, nil, g)
	r.s.Init()

	if got := r.s.repeatSeconds(g); got != 900 {
		t.Fatalf("normal %d", got)
	}
	r.s.SetSOC(100)
	if got := r.s.repeatSeconds(g); got != 300 {
		t.Fatalf("full %d", got)
	}
	_ = r.s.SetOpMode(types.OpTestFast)
	if got := r.s.repeatSeconds(g); got != 300 {
		t.Fatalf("test mode halves: %d", got)
	}

	r.settings.st.SensorParams = "g-a.r=2"
	r.s.Init()
	if got := r.s.repeatSeconds(g); got != 120 {
		t.Fatalf("override %d", got)
	}
}

func TestGroupRepeatsOnItsInterval(t *testing.T) {
	p := &probe{finishAfter: 1}
	g := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1, Handler: p})
	g.SenseAtBoot = false
	g.Repeat = []Repeat{{types.BatAll, 60}}
	r := newRig(t, nil, g)
	r.s.Init()

	r.tick(59)
	if p.measures != 0 {
		t.Fatal("ran before its interval")
	}
	r.tick(1)
	if p.measures != 1 {
		t.Fatalf("measures %d", p.measures)
	}
	r.tick(60)
	if p.measures != 2 {
		t.Fatalf("measures %d", p.measures)
	}
	if st := r.s.State(); len(st.Groups) != 1 || st.Groups[0].State != "idle" || st.Groups[0].Next != 60 {
		t.Fatalf("state %+v", st)
	}
}

func TestScheduleNowSparesGPS(t *testing.T) {
	a := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1})
	gps := simpleGroup(GroupGPS, &Sensor{Name: "s-ugps", Mask: 1})
	r := newRig(t, nil, a, gps)
	a.SenseAtBoot, gps.SenseAtBoot = false, false
	r.s.Init()
	if !r.s.ScheduleNow() {
		t.Fatal("not initialized")
	}
	if a.lastRepeat != 0 || gps.lastRepeat == 0 {
		t.Fatalf("a=%d gps=%d", a.lastRepeat, gps.lastRepeat)
	}
	if !r.s.ScheduleGroup(GroupGPS) || gps.lastRepeat != 0 || r.s.ScheduleGroup("g-none") {
		t.Fatal("ScheduleGroup")
	}
}

func TestExclusiveGroupWaitsForIdle(t *testing.T) {
	slow := simpleGroup("g-slow", &Sensor{Name: "s-slow", Mask: 1, Handler: &probe{finishAfter: 1}})
	slow.SettleSeconds = 20
	ex := simpleGroup("g-ex", &Sensor{Name: "s-ex", Mask: 1, Handler: &probe{finishAfter: 1}})
	ex.Exclusive = true
	late := simpleGroup("g-late", &Sensor{Name: "s-late", Mask: 1, Handler: &probe{}})
	r := newRig(t, nil, slow, ex, late)
	r.s.Init()

	r.s.Poll()
	if !slow.Processing() || ex.Processing() || !late.Processing() {
		t.Fatalf("slow=%v ex=%v late=%v", slow.Processing(), ex.Processing(), late.Processing())
	}
	if !r.s.Busy() || r.s.ExclusiveBusy() {
		t.Fatal("busy predicates")
	}
}

func TestExclusiveGroupBlocksOthers(t *testing.T) {
	ex := simpleGroup("g-ex", &Sensor{Name: "s-ex", Mask: 1, Handler: &probe{}})
	ex.Exclusive = true
	other := simpleGroup("g-other", &Sensor{Name: "s-other", Mask: 1, Handler: &probe{finishAfter: 1}})
	r := newRig(t, nil, ex, other)
	r.s.Init()
	r.tick(5)
	if !ex.Processing() || other.Processing() || !r.s.ExclusiveBusy() {
		t.Fatalf("ex=%v other=%v", ex.Processing(), other.Processing())
	}
}

func TestOneshotCountsAsBusy(t *testing.T) {
	r := newRig(t, nil, simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1}))
	r.settings.st.OneshotMinutes = 15
	c := &fakeComm{mode: types.CommLoRa}
	r.s.Attach(c)
	r.s.Init()
	if !r.s.Busy() {
		t.Fatal("radio up should count as busy")
	}
	c.deselected = true
	if r.s.Busy() {
		t.Fatal("deselected radio counted as busy")
	}
}

// Random group shapes never break the exclusivity rules.
func TestExclusivityHoldsUnderRandomLoad(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var groups []*Group
	for i := 0; i < 8; i++ {
		g := simpleGroup(string(rune('a'+i)), &Sensor{
			Name:          "s",
			Mask:          1,
			SettleSeconds: uint32(rng.Intn(10)),
			Handler:       &probe{finishAfter: 1 + rng.Intn(6)},
		})
		g.SettleSeconds = uint32(rng.Intn(20))
		g.Repeat = []Repeat{{types.BatAll, uint32(30 + rng.Intn(90))}}
		g.Exclusive = rng.Intn(4) == 0
		g.PowerExclusive = rng.Intn(2) == 0
		g.TWIExclusive = rng.Intn(2) == 0
		g.Rails = []hal.Rail{hal.Rail(rng.Intn(5))}
		groups = append(groups, g)
	}
	r := newRig(t, nil, groups...)
	r.s.Init()

	cycles := 0
	for tick := 0; tick < 3000; tick++ {
		before := r.s.active()
		r.tick(1)
		processing, exclusive, powered, twi := 0, 0, 0, 0
		for _, g := range groups {
			if g.processing {
				processing++
				if g.Exclusive {
					exclusive++
				}
				if g.TWIExclusive {
					twi++
				}
			}
			if g.PowerExclusive && g.poweredOn {
				powered++
			}
		}
		if exclusive > 0 && processing > 1 {
			t.Fatalf("tick %d: exclusive group ran alongside %d others", tick, processing-1)
		}
		if powered > 1 {
			t.Fatalf("tick %d: %d power-exclusive groups powered", tick, powered)
		}
		if twi > 1 {
			t.Fatalf("tick %d: %d twi-exclusive groups processing", tick, twi)
		}
		if processing < before {
			cycles += before - processing
		}
	}
	if cycles == 0 {
		t.Fatal("nothing ever completed")
	}
}

func TestUnconfigureDropsSensorAndGroup(t *testing.T) {
	p := &probe{unconfigure: true}
	g := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1, Handler: p})
	r := newRig(t, nil, g)
	r.s.Init()
	r.s.Poll()
	if g.Configured() || g.Sensor("s-a").Configured() {
		t.Fatal("still configured")
	}
}

func TestBurnInKeepsFailingSensors(t *testing.T) {
	p := &probe{unconfigure: true}
	g := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1, Handler: p})
	r := newRig(t, nil, g)
	r.s.Init()
	_ = r.s.SetOpMode(types.OpTestBurn)
	r.s.Poll()
	if !g.Configured() || !g.Sensor("s-a").Configured() || g.Processing() {
		t.Fatal("burn-in should keep the sensor")
	}
	g.Unconfigure()
	if g.deconfigure {
		t.Fatal("burn-in should keep the group")
	}
}

func TestSensorTestModeDrainsThenIsolates(t *testing.T) {
	a := &probe{finishAfter: 1}
	b := &probe{finishAfter: 1}
	ga := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1, Handler: a})
	ga.SettleSeconds = 20
	gb := simpleGroup("g-b", &Sensor{Name: "s-b", Mask: 1, Handler: b})
	gb.SenseAtBoot = false
	gb.Skip = func(*Group) bool { return true }
	r := newRig(t, nil, ga, gb)
	r.s.Init()
	r.s.Poll()

	if !r.s.TestSensor("s-b") || !r.s.TestMode() {
		t.Fatal("test not requested")
	}
	r.tick(19)
	if r.s.testMode || b.measures != 0 {
		t.Fatal("test mode entered before the running group drained")
	}
	r.tick(1)
	if !r.s.testMode || a.measures != 1 {
		t.Fatalf("testMode=%v a=%d", r.s.testMode, a.measures)
	}
	r.tick(1)
	if b.measures != 1 {
		t.Fatalf("tested sensor measures %d", b.measures)
	}
	r.tick(1)
	if b.measures != 2 || a.measures != 1 {
		t.Fatalf("a=%d b=%d", a.measures, b.measures)
	}
	if r.s.Busy() || r.s.UploadNeeded() {
		t.Fatal("predicates report activity in test mode")
	}

	if r.s.TestSensor("") || r.s.TestMode() {
		t.Fatal("test mode not left")
	}
	if r.s.TestSensor("s-none") {
		t.Fatal("unknown sensor accepted")
	}
}

func TestBusResetCompletesProcessingGroups(t *testing.T) {
	p := &probe{}
	g := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1, Handler: p})
	r := newRig(t, nil, g)
	r.s.Init()
	r.s.Poll()
	if !g.Processing() || len(r.bus.hooks) != 1 {
		t.Fatal("setup")
	}
	r.bus.hooks[0]("s-a")
	r.tick(1)
	if g.Processing() || p.terms != 1 {
		t.Fatalf("processing=%v terms=%d", g.Processing(), p.terms)
	}
}

func TestGatesHoldGroupsBack(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *rig, g *Group)
		want  bool
	}{
		{"open", func(*rig, *Group) {}, true},
		{"skip", func(_ *rig, g *Group) { g.Skip = func(*Group) bool { return true } }, false},
		{"upload pending", func(_ *rig, g *Group) { g.Sensors[0].Handler = &probe{upload: true} }, false},
		{"battery", func(r *rig, g *Group) { g.Battery = types.BatFull }, false},
		{"comm mode", func(r *rig, g *Group) { g.Comm = types.CommLoRa }, false},
		{"comm mode allowed", func(r *rig, g *Group) {
			g.Comm = types.CommLoRa
			r.s.Attach(&fakeComm{mode: types.CommLoRa})
		}, true},
		{"uart taken", func(r *rig, g *Group) {
			g.UARTRequired = types.UARTGPS
			r.uart.cur = types.UARTLoRa
		}, false},
		{"uart requested while switching", func(r *rig, g *Group) {
			g.UARTRequested = types.UARTPMS
			r.uart.cur = types.UARTLoRa
			r.s.Attach(&fakeComm{mode: types.CommLoRa, switching: true})
		}, false},
		{"uart requested without switching", func(r *rig, g *Group) {
			g.UARTRequested = types.UARTPMS
			r.uart.cur = types.UARTLoRa
			r.s.Attach(&fakeComm{mode: types.CommLoRa})
		}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1, Handler: &probe{}})
			r := newRig(t, nil, g)
			tc.setup(r, g)
			r.s.Init()
			r.s.Poll()
			if g.Processing() != tc.want {
				t.Fatalf("processing=%v want %v", g.Processing(), tc.want)
			}
		})
	}
}

func TestGroupClaimsAndReleasesUART(t *testing.T) {
	g := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1, Handler: &probe{finishAfter: 2}})
	g.UARTRequired = types.UARTGPS
	r := newRig(t, nil, g)
	r.s.Init()
	r.s.Poll()
	if r.uart.cur != types.UARTGPS {
		t.Fatalf("uart %v", r.uart.cur)
	}
	r.tick(1)
	if r.uart.cur != types.UARTNone || g.Processing() {
		t.Fatalf("uart %v processing %v", r.uart.cur, g.Processing())
	}
}

func TestUploadNeeded(t *testing.T) {
	p := &probe{}
	r := newRig(t, nil, simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1, Handler: p}))
	if r.s.UploadNeeded() {
		t.Fatal("before init")
	}
	r.s.Init()
	if r.s.UploadNeeded() {
		t.Fatal("nothing pending")
	}
	p.upload = true
	if !r.s.UploadNeeded() {
		t.Fatal("pending value not reported")
	}
}

func TestMeasurementsClearOnlyWhatWasSent(t *testing.T) {
	r := newRig(t, nil)
	r.s.pending.Merge(types.Readings{HasCPM: true, CPM: 40, HasBattery: true, BatterySOC: 80})
	sent := r.s.Measurements()
	r.s.pending.Merge(types.Readings{HasEnv: true, EnvTempC: 21})
	r.s.ClearMeasurements(sent)
	if m := r.s.Measurements(); m.HasCPM || m.HasBattery || !m.HasEnv {
		t.Fatalf("left %+v", m)
	}
}

func TestOpModes(t *testing.T) {
	loc := &fakeLocator{}
	r := newRig(t, loc)
	c := &fakeComm{mode: types.CommLoRa, mtu: 512}
	r.s.Attach(c)
	var hooked []types.OpMode
	r.s.onOpMode = func(m types.OpMode) { hooked = append(hooked, m) }
	r.s.Init()

	if err := r.s.SetOpMode(types.OpMobile); err != nil {
		t.Fatal(err)
	}
	if r.s.Session() == uuid.Nil || loc.updates != 1 || c.updates != 1 || len(hooked) != 1 {
		t.Fatalf("session=%v updates=%d/%d hooked=%v", r.s.Session(), loc.updates, c.updates, hooked)
	}
	if r.s.Battery() != types.BatMobile {
		t.Fatalf("battery %v", r.s.Battery())
	}

	r.s.SetTemporaryOpMode(types.OpTestFast, 60)
	if r.s.OpMode() != types.OpTestFast {
		t.Fatal("temporary mode not applied")
	}
	r.clk.Advance(59)
	if r.s.OpMode() != types.OpTestFast {
		t.Fatal("temporary mode expired early")
	}
	r.clk.Advance(1)
	if r.s.OpMode() != types.OpMobile {
		t.Fatalf("after expiry %v", r.s.OpMode())
	}

	r.s.SetSOC(5)
	if r.s.OpMode() != types.OpNormal || r.s.Battery() != types.BatDead {
		t.Fatalf("dead battery: %v %v", r.s.OpMode(), r.s.Battery())
	}
}

func TestMobileRefusedWithStaticLocation(t *testing.T) {
	r := newRig(t, nil)
	r.settings.st.GPSLat, r.settings.st.GPSLon = 35.6, 139.7
	r.s.Init()
	err := r.s.SetOpMode(types.OpMobile)
	if errcode.Of(err) != errcode.Unsupported {
		t.Fatalf("err %v", err)
	}
	if r.s.OpMode() == types.OpMobile {
		t.Fatal("mode changed")
	}
}

func TestGPSAggregation(t *testing.T) {
	tests := []struct {
		name    string
		static  bool
		lkg     bool
		loc     *fakeLocator
		aborted bool
		want    types.GPSStatus
		lat     float32
	}{
		{name: "static", static: true, loc: &fakeLocator{status: types.GPSNoLock}, want: types.GPSFull, lat: 1},
		{name: "no receiver", want: types.GPSNotConfigured},
		{name: "fix", loc: &fakeLocator{status: types.GPSPartial, loc: types.Location{Lat: 3, Lon: 4}}, want: types.GPSPartial, lat: 3},
		{name: "searching", loc: &fakeLocator{status: types.GPSNoLock}, want: types.GPSNoLock},
		{name: "aborted with lkg", lkg: true, aborted: true, loc: &fakeLocator{status: types.GPSNoLock}, want: types.GPSFull, lat: 5},
		{name: "aborted without lkg", aborted: true, loc: &fakeLocator{status: types.GPSNoData}, want: types.GPSAborted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var loc Locator
			if tc.loc != nil {
				loc = tc.loc
			}
			r := newRig(t, loc)
			if tc.static {
				r.settings.st.GPSLat, r.settings.st.GPSLon = 1, 2
			}
			if tc.lkg {
				r.settings.st.LKGLat, r.settings.st.LKGLon = 5, 6
			}
			r.s.Init()
			if tc.aborted {
				r.s.gpsAborted()
			}
			st, got := r.s.GPS()
			if st != tc.want || got.Lat != tc.lat {
				t.Fatalf("got %v %+v", st, got)
			}
		})
	}
}

func TestSaveLKGPersists(t *testing.T) {
	r := newRig(t, nil)
	r.s.saveLKG(types.Location{Lat: 1, Lon: 2, Alt: 3})
	if st := r.settings.st; st.LKGLat != 1 || st.LKGLon != 2 || st.LKGAlt != 3 || r.settings.saved != 1 {
		t.Fatalf("settings %+v saved=%d", st, r.settings.saved)
	}
}

func TestShowStateExplainsHolds(t *testing.T) {
	g := simpleGroup("g-a", &Sensor{Name: "s-a", Mask: 1, Handler: &probe{}})
	g.Comm = types.CommLoRa
	r := newRig(t, nil, g)
	if got := r.s.ShowState(); got != "sensor: not yet initialized\n" {
		t.Fatalf("before init %q", got)
	}
	r.s.Init()
	r.s.Poll()
	got := r.s.ShowState()
	want := "sensor: normal normal uart=none\n  g-a: idle, next up when comm mode allows\n    s-a\n"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}
