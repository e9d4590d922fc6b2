package sensor

import (
	"errors"
	"testing"
	"time"

	"sensornode-go/drivers/max17043"
	"sensornode-go/errcode"
	"sensornode-go/services/hal"
	"sensornode-go/services/stats"
	"sensornode-go/types"
)

func near(a, b float32) bool { return a-b < 0.001 && b-a < 0.001 }

func TestGaugeReadsVoltageThenSOC(t *testing.T) {
	q := &fakeQueue{}
	volt := NewGauge(q, max17043.RegVCell)
	soc := NewGauge(q, max17043.RegSOC)
	g := simpleGroup("g-basics",
		&Sensor{Name: "s-max43v", Mask: MaskBattery, Handler: volt},
		&Sensor{Name: "s-max43s", Mask: MaskBattery, Handler: soc})
	r := newRig(t, nil, g)
	r.s.Init()

	r.s.Poll()
	r.tick(1)
	if len(q.jobs) != 1 || q.users != 2 {
		t.Fatalf("jobs=%d users=%d", len(q.jobs), q.users)
	}
	if txn := q.run(t, []byte{0xC3, 0x50}, nil); txn.W[0] != max17043.RegVCell || txn.Addr != max17043.Address {
		t.Fatalf("txn %+v", txn)
	}
	r.tick(1)
	q.run(t, []byte{0x57, 0x80}, nil)
	r.tick(1)

	if g.Processing() || q.users != 0 {
		t.Fatalf("processing=%v users=%d", g.Processing(), q.users)
	}
	if v, ok := volt.Value(); !ok || !near(v, 3.906) {
		t.Fatalf("voltage %v %v", v, ok)
	}
	if r.s.SOC() != 87.5 || !r.s.pending.HasBattery || r.s.pending.BatterySOC != 87.5 {
		t.Fatalf("soc %v pending %+v", r.s.SOC(), r.s.pending)
	}
	if r.stats.Battery != "87.5% normal" {
		t.Fatalf("stats %q", r.stats.Battery)
	}
	if soc.Show() != "87.5%" || volt.Show() != "3.906V" {
		t.Fatalf("show %q %q", soc.Show(), volt.Show())
	}
	if !r.s.UploadNeeded() {
		t.Fatal("state of charge waiting for upload")
	}
}

func TestGaugeBusFailures(t *testing.T) {
	q := &fakeQueue{}
	soc := NewGauge(q, max17043.RegSOC)
	g := simpleGroup("g-basics", &Sensor{Name: "s-max43s", Mask: MaskBattery, Handler: soc})
	r := newRig(t, nil, g)
	r.s.Init()

	r.s.Poll()
	q.run(t, nil, errors.New("nack"))
	r.tick(1)
	if r.stats.Get(stats.ErrorsBattery) != 1 || g.Processing() || r.s.pending.HasBattery {
		t.Fatalf("errors=%d processing=%v", r.stats.Get(stats.ErrorsBattery), g.Processing())
	}

	q.err = &errcode.E{C: errcode.Busy, Op: "i2c.schedule"}
	r.s.ScheduleGroup("g-basics")
	r.tick(1)
	if g.Configured() {
		t.Fatal("sensor that can't be scheduled stayed configured")
	}
}

func TestAirAveragesSamplesWhileSettling(t *testing.T) {
	q := &fakeQueue{}
	air := NewAir(q)
	sn := &Sensor{Name: "s-air", Mask: MaskAir, SettleSeconds: 40, Poller: Poller{Seconds: 20}, Handler: air}
	g := simpleGroup("g-air", sn)
	r := newRig(t, nil, g)
	r.s.Init()

	r.s.Poll()
	if txn := q.run(t, nil, nil); txn.W[0] != 0xBE {
		t.Fatalf("init txn %x", txn.W)
	}
	r.tick(20)
	if len(q.jobs) != 1 {
		t.Fatalf("jobs %d", len(q.jobs))
	}
	q.run(t, nil, nil)

	r.tick(20)
	if len(q.jobs) != 2 || !g.Processing() {
		t.Fatalf("jobs=%d processing=%v", len(q.jobs), g.Processing())
	}
	q.run(t, []byte{0x1C, 0x80, 0x00, 0x08, 0x00, 0x00, 0x00}, nil)
	q.run(t, nil, nil)
	r.tick(1)

	if g.Processing() || q.users != 0 {
		t.Fatalf("processing=%v users=%d", g.Processing(), q.users)
	}
	p := r.s.pending
	if !p.HasEnv || p.EnvTempC != 50 || p.EnvHumidity != 50 {
		t.Fatalf("pending %+v", p)
	}
	if air.Show() != "50.0C 50.0%RH" {
		t.Fatalf("show %q", air.Show())
	}
}

func TestAirWithoutSamplesCountsAnError(t *testing.T) {
	q := &fakeQueue{}
	air := NewAir(q)
	sn := &Sensor{Name: "s-air", Mask: MaskAir, Handler: air}
	r := newRig(t, nil, simpleGroup("g-air", sn))
	r.s.Init()
	air.Measure(sn)
	if !sn.completed || r.stats.Get(stats.ErrorsAir) != 1 || r.s.pending.HasEnv {
		t.Fatal("empty measurement")
	}
}

func geigerRig(t *testing.T) (*rig, *Geiger, *Sensor, *hal.PulseCounter, *fakePower) {
	t.Helper()
	pc := hal.NewPulseCounter(0)
	power := &fakePower{}
	gg := NewGeiger(power, pc)
	sn := &Sensor{Name: "s-geiger", Mask: MaskGeiger, Poller: Poller{Seconds: GeigerBucketSeconds, DuringSettling: true}, Handler: gg}
	g := simpleGroup("g-geiger", sn)
	g.Skip = geigerSkip
	r := newRig(t, &fakeLocator{}, g)
	r.s.Init()
	return r, gg, sn, pc, power
}

func pulses(pc *hal.PulseCounter, n int) {
	base := time.Unix(1700000000, 0)
	for i := 0; i < n; i++ {
		pc.Pulse(base.Add(time.Duration(pc.Total()+1) * time.Millisecond))
	}
}

func TestGeigerIntegratesAfterSettling(t *testing.T) {
	r, gg, _, pc, power := geigerRig(t)
	r.s.Poll()
	if !power.on[hal.RailGeiger] {
		t.Fatal("tube not powered")
	}
	g := r.s.Group("g-geiger")
	for i := 1; i <= 68; i++ {
		pulses(pc, 10)
		r.tick(GeigerBucketSeconds)
	}
	if !g.Processing() || r.s.pending.HasCPM {
		t.Fatal("reported before the window filled")
	}
	pulses(pc, 10)
	r.tick(GeigerBucketSeconds)
	if g.Processing() || power.on[hal.RailGeiger] {
		t.Fatalf("processing=%v power=%v", g.Processing(), power.on)
	}
	if p := r.s.pending; !p.HasCPM || p.CPM != 120 {
		t.Fatalf("pending %+v", p)
	}
	if r.stats.Get(stats.ErrorsGeiger) != 0 || gg.Show() != "120cpm" {
		t.Fatalf("errors=%d show=%q", r.stats.Get(stats.ErrorsGeiger), gg.Show())
	}
}

func TestGeigerGivesUpWithoutTube(t *testing.T) {
	r, _, _, _, _ := geigerRig(t)
	r.s.Poll()
	r.tick(geigerGiveUp - 1)
	if !r.s.Group("g-geiger").Processing() {
		t.Fatal("gave up early")
	}
	r.tick(1)
	if r.s.Group("g-geiger").Processing() || r.stats.Get(stats.ErrorsGeiger) != 1 {
		t.Fatal("did not give up")
	}
}

func TestGeigerMobileKeepsTubeRunning(t *testing.T) {
	r, gg, sn, pc, power := geigerRig(t)
	if err := r.s.SetOpMode(types.OpMobile); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 9+12; i++ {
		pulses(pc, 10)
		gg.MobilePoll(sn)
	}
	gg.TermPower(sn)
	if !power.on[hal.RailGeiger] {
		t.Fatal("tube powered down in mobile mode")
	}
	gg.Measure(sn)
	if p := r.s.pending; !p.HasCPM || p.CPM != 120 || !sn.completed {
		t.Fatalf("pending %+v", p)
	}
}

func TestCompensatedCPM(t *testing.T) {
	tests := []struct{ sum, used, want uint32 }{
		{0, 0, 0},
		{10, 12, 10},
		{600, 60, 120},
		{60000, 12, 67643},
	}
	for _, tc := range tests {
		if got := compensatedCPM(tc.sum, tc.used); got != tc.want {
			t.Fatalf("compensatedCPM(%d,%d)=%d want %d", tc.sum, tc.used, got, tc.want)
		}
	}
}

func TestGeigerSkipInMobile(t *testing.T) {
	loc := &fakeLocator{}
	g := simpleGroup("g-geiger", &Sensor{Name: "s-geiger", Mask: MaskGeiger})
	r := newRig(t, loc, g)
	c := &fakeComm{mode: types.CommLoRa, mtu: 512}
	r.s.Attach(c)
	r.s.Init()
	if geigerSkip(g) {
		t.Fatal("skipped outside mobile")
	}
	_ = r.s.SetOpMode(types.OpMobile)
	if !geigerSkip(g) {
		t.Fatal("measured while the radio is up")
	}
	c.deselected = true
	if geigerSkip(g) {
		t.Fatal("skipped on lora")
	}
	c.mode = types.CommCell
	if !geigerSkip(g) {
		t.Fatal("measured with a quiet gps on cell")
	}
	loc.active = true
	if geigerSkip(g) {
		t.Fatal("skipped with an active gps")
	}
	if !mobileSkip(g) {
		t.Fatal("mobileSkip")
	}
}

func feed(u *UGPS, s string) {
	for i := 0; i < len(s); i++ {
		u.Received(s[i])
	}
}

func gpsRig(t *testing.T) (*rig, *UGPS, *Group) {
	t.Helper()
	u := NewUGPS(nil)
	g := &Group{
		Name:         GroupGPS,
		Battery:      types.BatAll,
		Comm:         types.CommAll,
		Skip:         u.Skip,
		SenseAtBoot:  true,
		UARTRequired: types.UARTGPS,
		Repeat:       []Repeat{{types.BatAll, 600}},
		Sensors: []*Sensor{{
			Name:    "s-ugps",
			Mask:    MaskGPS,
			Poller:  Poller{Seconds: GPSPollSeconds, DuringSettling: true},
			Handler: u,
		}},
	}
	r := newRig(t, u, g)
	u.UART = r.uart
	r.s.Init()
	return r, u, g
}

const (
	ggaFix = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n"
	rmcFix = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230324,003.1,W*6A\r\n"
)

func TestUGPSAcquiresFix(t *testing.T) {
	r, u, g := gpsRig(t)
	r.s.Poll()
	if r.uart.cur != types.UARTGPS || len(r.uart.lines) != 2 || r.uart.lines[0] != gpsCmdUpdateRate {
		t.Fatalf("uart %v lines %q", r.uart.cur, r.uart.lines)
	}
	feed(u, ggaFix)
	feed(u, rmcFix)
	if r.settings.saved != 1 || !near(r.settings.st.LKGLat, 48.1173) {
		t.Fatalf("lkg %+v saved=%d", r.settings.st, r.settings.saved)
	}

	r.tick(GPSPollSeconds)
	if g.Processing() || r.uart.cur != types.UARTNone {
		t.Fatalf("processing=%v uart=%v", g.Processing(), r.uart.cur)
	}
	st, loc := u.Value()
	if st != types.GPSFull || !near(loc.Lat, 48.1173) || !near(loc.Lon, 11.5167) || loc.Alt != 545.4 {
		t.Fatalf("value %v %+v", st, loc)
	}
	if ts, ok := u.Timestamp(); !ok || !ts.Equal(time.Date(2024, 3, 23, 12, 35, 19, 0, time.UTC)) {
		t.Fatalf("timestamp %v %v", ts, ok)
	}
	if st, _ := r.s.GPS(); st != types.GPSFull {
		t.Fatalf("aggregate %v", st)
	}
	if !u.Skip(g) {
		t.Fatal("gps group should rest once reported")
	}
}

func TestUGPSAbortsWithoutData(t *testing.T) {
	r, u, g := gpsRig(t)
	r.s.Poll()
	r.tick(GPSAbortFirst)
	if !g.Processing() {
		t.Fatal("aborted early")
	}
	r.tick(GPSPollSeconds)
	if g.Processing() || r.stats.Get(stats.ErrorsUGPS) != 1 {
		t.Fatalf("processing=%v errors=%d", g.Processing(), r.stats.Get(stats.ErrorsUGPS))
	}
	if st, _ := r.s.GPS(); st != types.GPSAborted {
		t.Fatalf("aggregate %v", st)
	}
	if u.Skip(g) {
		t.Fatal("aborted gps should retry")
	}
}

func TestUGPSRejectsImplausibleDates(t *testing.T) {
	r, u, _ := gpsRig(t)
	r.s.Poll()
	feed(u, "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230380,003.1,W*6A\r\n")
	if _, ok := u.Timestamp(); ok {
		t.Fatal("1980 accepted")
	}
	feed(u, "$GPRMC,123519,V,,,,,,,230324,,*6A\r\n")
	if _, ok := u.Timestamp(); ok {
		t.Fatal("invalid sentence accepted")
	}
}

func TestNMEADegrees(t *testing.T) {
	tests := []struct {
		v, hemi string
		want    float32
		ok      bool
	}{
		{"4807.038", "N", 48.1173, true},
		{"01131.000", "W", -11.5167, true},
		{"3351.000", "s", -33.85, true},
		{"", "N", 0, false},
		{"abc", "N", 0, false},
		{"4807.038", "", 0, false},
	}
	for _, tc := range tests {
		got, ok := nmeaDegrees(tc.v, tc.hemi)
		if ok != tc.ok || !near(got, tc.want) {
			t.Fatalf("nmeaDegrees(%q,%q)=%v,%v", tc.v, tc.hemi, got, ok)
		}
	}
}

func TestDefaultBoard(t *testing.T) {
	b := DefaultBoard(&fakeQueue{}, &fakePower{}, hal.NewPulseCounter(0), &fakeUART{})
	r := newRig(t, b.GPS, b.Groups...)
	b.GPS.UART = r.uart
	r.s.Init()
	if len(r.s.Groups()) != 4 {
		t.Fatalf("groups %d", len(r.s.Groups()))
	}
	for _, g := range r.s.Groups() {
		if !g.Configured() {
			t.Fatalf("%s not configured", g.Name)
		}
	}
	r.s.Poll()
	if !r.s.Group("g-basics").Processing() || r.s.Group(GroupGPS).Processing() {
		t.Fatal("basics is exclusive and due at boot")
	}
}
