// Package stats is the node's counter aggregate. State machines report
// failures only by bumping counters here.
package stats

import (
	"sensornode-go/bus"
	"sensornode-go/x/timex"
)

// Counter names a monotonically increasing event count.
type Counter uint8

const (
	Resets Counter = iota
	PowerFails
	AntFails
	Oneshots
	OvercurrentEvents
	MotionEvents
	MTUFailures
	Joins
	Denies
	ErrorsLoRa
	ErrorsCell
	ErrorsGeiger
	ErrorsUGPS
	ErrorsTWI
	ErrorsAir
	ErrorsBattery
	ConnectLoRa
	ConnectCell
	ConnectGateway
	ConnectWireless
	ConnectData
	ConnectService
	counterCount
)

var counterNames = [counterCount]string{
	"resets", "power_fails", "ant_fails", "oneshots", "overcurrent", "motion", "mtu_failures",
	"joins", "denies", "errors_lora", "errors_cell", "errors_geiger", "errors_ugps", "errors_twi",
	"errors_air", "errors_battery", "connect_lora", "connect_cell", "connect_gateway",
	"connect_wireless", "connect_data", "connect_service",
}

func (c Counter) String() string {
	if c < counterCount {
		return counterNames[c]
	}
	return "?"
}

// Connect-time tracking keeps the worst N select durations.
const trackTimes = 10

var TopicStats = bus.T("stats")

// Daily is one day's traffic.
type Daily struct {
	Transmitted    uint32 `json:"transmitted"`
	MaxTransmitted uint32 `json:"max_transmitted"`
	Received       uint32 `json:"received"`
	Messages       uint32 `json:"messages"`
	Joins          uint32 `json:"joins"`
	Denies         uint32 `json:"denies"`
}

// Stats is owned by the node loop.
type Stats struct {
	Transmitted uint32
	Received    uint32
	Messages    uint32
	Today       Daily
	FullDay     Daily

	counts [counterCount]uint32

	lastMinute    uint32
	UptimeMinutes uint32
	UptimeHours   uint32
	UptimeDays    uint32

	OneshotSeconds uint32
	worst          [trackTimes]uint32
	absoluteWorst  uint32
	lastPurge      uint32

	ModuleLoRa string
	ModuleCell string
	CellICCID  string
	CellCPSI   string
	Battery    string
	TWIInfo    string
}

// Reset zeroes everything.
func (s *Stats) Reset() { *s = Stats{} }

// Inc bumps c. Joins and denies also count towards today.
func (s *Stats) Inc(c Counter) {
	if c >= counterCount {
		return
	}
	s.counts[c]++
	switch c {
	case Joins:
		s.Today.Joins++
	case Denies:
		s.Today.Denies++
	}
}

// Get returns the value of c.
func (s *Stats) Get(c Counter) uint32 {
	if c >= counterCount {
		return 0
	}
	return s.counts[c]
}

// IO records bytes sent and received on the wire.
func (s *Stats) IO(tx, rx int) {
	if tx > 0 {
		s.Messages++
		s.Today.Messages++
		s.Transmitted += uint32(tx)
		s.Today.Transmitted += uint32(tx)
		if uint32(tx) > s.Today.MaxTransmitted {
			s.Today.MaxTransmitted = uint32(tx)
		}
	}
	if rx > 0 {
		s.Received += uint32(rx)
		s.Today.Received += uint32(rx)
	}
}

// Update advances uptime once a minute and rolls the daily counters over at
// each day boundary. It reports whether restartDays of uptime have passed.
func (s *Stats) Update(now uint32, restartDays uint32) bool {
	if timex.ShouldSuppress(now, &s.lastMinute, 60) {
		return false
	}
	s.UptimeMinutes++
	if s.UptimeMinutes < 60 {
		return false
	}
	s.UptimeMinutes = 0
	s.UptimeHours++
	if s.UptimeHours < 24 {
		return false
	}
	s.UptimeHours = 0
	s.UptimeDays++
	if s.UptimeDays > 1 {
		s.FullDay = s.Today
	}
	s.Today = Daily{}
	return restartDays != 0 && s.UptimeDays >= restartDays
}

// LogSelectTime records how long a select took to complete. The table keeps
// the worst entries, throws away its worst half once a day, and its average
// becomes OneshotSeconds.
func (s *Stats) LogSelectTime(now, seconds uint32) {
	if seconds > s.absoluteWorst {
		s.absoluteWorst = seconds
	}
	if !timex.ShouldSuppress(now, &s.lastPurge, 24*60*60) {
		for i := 0; i < trackTimes/2; i++ {
			s.worst[s.worstIndex()] = 0
		}
	}
	if i := s.bestIndex(); seconds > s.worst[i] {
		s.worst[i] = seconds
	}
	var sum, count uint32
	for _, v := range s.worst {
		if v != 0 {
			sum += v
			count++
		}
	}
	if count != 0 {
		s.OneshotSeconds = sum / count
	}
}

// WorstSelectTime is the longest select ever logged.
func (s *Stats) WorstSelectTime() uint32 { return s.absoluteWorst }

func (s *Stats) bestIndex() int {
	best := 0
	for i, v := range s.worst {
		if v < s.worst[best] {
			best = i
		}
	}
	return best
}

func (s *Stats) worstIndex() int {
	worst := 0
	for i, v := range s.worst {
		if v > s.worst[worst] {
			worst = i
		}
	}
	return worst
}

// Snapshot is the published form.
type Snapshot struct {
	Transmitted    uint32            `json:"transmitted"`
	Received       uint32            `json:"received"`
	Messages       uint32            `json:"messages"`
	Today          Daily             `json:"today"`
	FullDay        Daily             `json:"fullday"`
	Uptime         [3]uint32         `json:"uptime_dhm"`
	OneshotSeconds uint32            `json:"oneshot_seconds"`
	Counters       map[string]uint32 `json:"counters,omitempty"`
	ModuleLoRa     string            `json:"module_lora,omitempty"`
	ModuleCell     string            `json:"module_cell,omitempty"`
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Transmitted:    s.Transmitted,
		Received:       s.Received,
		Messages:       s.Messages,
		Today:          s.Today,
		FullDay:        s.FullDay,
		Uptime:         [3]uint32{s.UptimeDays, s.UptimeHours, s.UptimeMinutes},
		OneshotSeconds: s.OneshotSeconds,
		ModuleLoRa:     s.ModuleLoRa,
		ModuleCell:     s.ModuleCell,
	}
	for c, v := range s.counts {
		if v != 0 {
			if snap.Counters == nil {
				snap.Counters = make(map[string]uint32)
			}
			snap.Counters[Counter(c).String()] = v
		}
	}
	return snap
}

// Publish retains the snapshot on the bus.
func (s *Stats) Publish(conn *bus.Connection) {
	conn.Publish(conn.NewMessage(TopicStats, s.Snapshot(), true))
}
