package comm

import (
	"strconv"
	"strings"

	"sensornode-go/services/stats"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

// Update names the content of one uplink.
type Update uint8

const (
	UpdateNormal Update = iota
	UpdateVersion
	UpdateLabel
	UpdateDev
	UpdateGPS
	UpdateSvc
	UpdateTTN
	UpdateSen
	UpdateBattery
	UpdateModules
	UpdateErrors
	UpdateICCID
	UpdateCPSI
	UpdateStats
	UpdateMTUTest
	updateCount
)

var updateNames = [updateCount]string{
	"normal", "version", "label", "device", "gps", "service", "ttn", "sensor", "battery",
	"module", "errors", "iccid", "cell", "stats", "mtu",
}

func (u Update) String() string {
	if u < updateCount {
		return updateNames[u]
	}
	return "?"
}

// Version is reported in the first message of every stats sequence.
var Version = "sensornode-go dev"

const mtuTestMax = 200

// updateSequence tracks which stats messages of the current sequence are
// still owed. The version message opens a sequence and decides which of the
// others have anything to say.
type updateSequence struct {
	sentVersion bool
	onLoRa      bool
	onCell      bool
	owed        [updateCount]bool
}

func (s *updateSequence) restart() {
	s.sentVersion = false
	s.onLoRa = false
	s.onCell = false
}

func (s *updateSequence) next() (Update, bool) {
	for u := UpdateLabel; u < UpdateStats; u++ {
		if s.owed[u] {
			return u, true
		}
	}
	return UpdateStats, false
}

func (s *updateSequence) pending() bool {
	_, owed := s.next()
	return !s.sentVersion || owed
}

func (c *Controller) plan() {
	st := c.settings.Current()
	s := &c.seq
	s.owed = [updateCount]bool{}
	s.owed[UpdateLabel] = st.DeviceLabel != ""
	s.owed[UpdateDev] = true
	s.owed[UpdateGPS] = st.StaticGPS()
	s.owed[UpdateSvc] = st.Service != "" || st.APN != ""
	s.owed[UpdateTTN] = st.DevEUI != ""
	s.owed[UpdateSen] = st.SensorParams != ""
	s.owed[UpdateBattery] = c.stats.Battery != ""
	s.owed[UpdateModules] = true
	s.owed[UpdateErrors] = true
	cellular := c.mode == types.CommCell
	s.owed[UpdateICCID] = cellular
	s.owed[UpdateCPSI] = cellular
	switch c.mode {
	case types.CommLoRa:
		s.onLoRa = true
	case types.CommCell:
		s.onCell = true
	}
}

// UpdateService sends one thing to the service: the oldest offline frame,
// the next message of a due stats sequence, or the pending measurements. It
// reports whether anything was sent.
func (c *Controller) UpdateService() bool {
	if c.IsBusy() {
		return false
	}
	if !c.deselected && c.store.Len() != 0 {
		e, _ := c.store.Get()
		if len(e.Frame) <= c.MTU() {
			if c.transmit(e.Frame, e.Reply) {
				c.store.Release()
				return true
			}
			return false
		}
	}
	if c.WouldBeBuffered() || timex.ShouldSuppress(c.now(), &c.lastUpdate, c.serviceIntervalMinutes()*60) {
		return c.sendUpdate(UpdateNormal)
	}
	return c.serviceSequence()
}

func (c *Controller) serviceSequence() bool {
	s := &c.seq
	mobile := c.sensors.OpMode() == types.OpMobile
	if !s.sentVersion {
		c.plan()
	}
	var sent, sentStats bool
	if !s.sentVersion {
		s.sentVersion = mobile || c.sendUpdate(UpdateVersion)
		sent = s.sentVersion
	} else if u, owed := s.next(); owed {
		ok := mobile || c.sendUpdate(u)
		s.owed[u] = !ok
		sent = ok
	} else {
		sentStats = c.sendUpdate(UpdateStats)
		sent = sentStats
	}

	if s.pending() || !sentStats {
		c.lastUpdate = 0
		c.flush = true
	} else if c.sensors.OpMode() == types.OpTestBurn {
		c.burnToggle = true
		if !s.onLoRa || !s.onCell {
			s.sentVersion = false
		}
		s.owed[UpdateErrors] = true
	}
	c.log.V(1).Info("service update", "sent", sent, "pending", s.pending())
	return sent
}

// statsText renders the stats payload of an update. ok is false for kinds
// that carry no text.
func (c *Controller) statsText(u Update, limited, badlyLimited bool) (string, bool) {
	st := c.settings.Current()
	s := c.stats
	switch u {
	case UpdateVersion:
		return Version, true
	case UpdateLabel:
		return st.DeviceLabel, true
	case UpdateDev:
		var b strings.Builder
		b.WriteString(st.WAN.String())
		for _, v := range []uint32{st.OneshotMinutes, st.OneshotCellMinutes, st.StatsMinutes, uint32(st.Flags), uint32(st.RestartDays)} {
			b.WriteByte('/')
			b.WriteString(strconv.FormatUint(uint64(v), 10))
		}
		b.WriteString("/0x")
		b.WriteString(strconv.FormatUint(uint64(st.Sensors), 16))
		return b.String(), true
	case UpdateGPS:
		return formatFloat(st.GPSLat) + "/" + formatFloat(st.GPSLon) + "/" + formatFloat(st.GPSAlt), true
	case UpdateSvc:
		return st.Service + "/" + st.APN, true
	case UpdateTTN:
		return st.DevEUI, true
	case UpdateSen:
		return st.SensorParams, true
	case UpdateBattery:
		return s.Battery, !limited && s.Battery != ""
	case UpdateModules:
		return "lora=" + s.ModuleLoRa + ",cell=" + s.ModuleCell, true
	case UpdateICCID:
		return s.CellICCID, s.CellICCID != ""
	case UpdateCPSI:
		return s.CellCPSI, s.CellCPSI != ""
	case UpdateErrors:
		return c.errorsText(limited), true
	case UpdateStats:
		if badlyLimited {
			return "", false
		}
		return c.counterText(), true
	case UpdateMTUTest:
		if c.mtuTest == 0 {
			return "", false
		}
		if c.mtuTest >= mtuTestMax {
			c.mtuTest = 0
			return "", false
		}
		b := make([]byte, c.mtuTest)
		for i := range b {
			b[i] = '0' + byte(i%10)
		}
		c.mtuTest++
		return string(b), true
	}
	return "", false
}

var errorCounters = []stats.Counter{
	stats.ErrorsLoRa, stats.ErrorsCell, stats.ErrorsGeiger, stats.ErrorsUGPS, stats.ErrorsTWI,
	stats.ErrorsAir, stats.ErrorsBattery, stats.MTUFailures, stats.ConnectLoRa, stats.ConnectCell,
	stats.ConnectGateway, stats.ConnectWireless, stats.ConnectData, stats.ConnectService,
}

var statsCounters = []stats.Counter{
	stats.Resets, stats.PowerFails, stats.OvercurrentEvents, stats.AntFails, stats.Oneshots, stats.MotionEvents,
}

func appendCounters(b *strings.Builder, s *stats.Stats, list []stats.Counter) {
	for _, ctr := range list {
		if v := s.Get(ctr); v != 0 {
			appendField(b, ctr.String(), uint64(v))
		}
	}
}

func appendField(b *strings.Builder, key string, v uint64) {
	if b.Len() != 0 {
		b.WriteByte(',')
	}
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(strconv.FormatUint(v, 10))
}

func (c *Controller) errorsText(limited bool) string {
	var b strings.Builder
	appendCounters(&b, c.stats, errorCounters)
	if info := c.stats.TWIInfo; info != "" && (!limited || len(info) < 48) {
		if b.Len() != 0 {
			b.WriteByte(',')
		}
		b.WriteString("twi=")
		b.WriteString(info)
	}
	return b.String()
}

func (c *Controller) counterText() string {
	s := c.stats
	var b strings.Builder
	appendField(&b, "uptime_minutes", uint64(((s.UptimeDays*24)+s.UptimeHours)*60+s.UptimeMinutes))
	if d := c.settings.Current().UptimeDay; d != 0 {
		appendField(&b, "uptime_days", uint64(d))
	}
	appendField(&b, "transmitted", uint64(s.Transmitted))
	appendField(&b, "received", uint64(s.Received))
	appendCounters(&b, s, statsCounters)
	if s.OneshotSeconds != 0 {
		appendField(&b, "oneshot_seconds", uint64(s.OneshotSeconds))
	}
	return b.String()
}

func formatFloat(f float32) string { return strconv.FormatFloat(float64(f), 'f', -1, 32) }
