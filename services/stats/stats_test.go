package stats

import (
	"testing"

	"sensornode-go/bus"
)

func TestIOCounts(t *testing.T) {
	var s Stats
	s.IO(40, 0)
	s.IO(10, 0)
	s.IO(0, 25)
	if s.Messages != 2 || s.Transmitted != 50 || s.Today.MaxTransmitted != 40 || s.Received != 25 {
		t.Fatalf("%+v", s)
	}
}

func TestDailyRollover(t *testing.T) {
	var s Stats
	s.Inc(Joins)
	s.IO(10, 0)
	now := uint32(60)
	restarted := false
	for day := 0; day < 2; day++ {
		for m := 0; m < 24*60; m++ {
			if s.Update(now, 2) {
				restarted = true
			}
			now += 60
		}
		if day == 0 {
			if s.UptimeDays != 1 || s.Today.Joins != 0 || s.FullDay.Joins != 0 {
				t.Fatalf("day 1: %+v", s)
			}
			s.IO(7, 0)
		}
	}
	if s.UptimeDays != 2 || s.FullDay.Transmitted != 7 {
		t.Fatalf("day 2: days=%d fullday=%+v", s.UptimeDays, s.FullDay)
	}
	if !restarted {
		t.Fatal("restart after 2 days not requested")
	}
	if s.Get(Joins) != 1 {
		t.Fatal("lifetime joins lost")
	}
}

func TestUpdateOncePerMinute(t *testing.T) {
	var s Stats
	s.Update(100, 0)
	s.Update(130, 0)
	s.Update(159, 0)
	if s.UptimeMinutes != 1 {
		t.Fatalf("minutes=%d", s.UptimeMinutes)
	}
	s.Update(160, 0)
	if s.UptimeMinutes != 2 {
		t.Fatalf("minutes=%d", s.UptimeMinutes)
	}
}

func TestSelectTimeTable(t *testing.T) {
	var s Stats
	s.LogSelectTime(1000, 20)
	s.LogSelectTime(1000, 40)
	if s.OneshotSeconds != 30 || s.WorstSelectTime() != 40 {
		t.Fatalf("avg=%d worst=%d", s.OneshotSeconds, s.WorstSelectTime())
	}
	for i := 0; i < trackTimes; i++ {
		s.LogSelectTime(1000, 100)
	}
	if s.OneshotSeconds != 100 {
		t.Fatalf("table should be all worst entries, avg=%d", s.OneshotSeconds)
	}
	// a day later the worst half is purged before the new entry lands
	s.LogSelectTime(1000+24*60*60, 10)
	if s.OneshotSeconds != (5*100+10)/6 {
		t.Fatalf("after purge avg=%d", s.OneshotSeconds)
	}
}

func TestPublishSnapshot(t *testing.T) {
	b := bus.NewBus(4)
	conn := b.NewConnection("test")
	var s Stats
	s.Inc(ErrorsLoRa)
	s.Inc(ErrorsLoRa)
	s.Publish(conn)

	sub := conn.Subscribe(TopicStats)
	msg := <-sub.Channel()
	snap, ok := msg.Payload.(Snapshot)
	if !ok || snap.Counters["errors_lora"] != 2 {
		t.Fatalf("payload %#v", msg.Payload)
	}
}
