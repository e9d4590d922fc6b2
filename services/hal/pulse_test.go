package hal

import (
	"testing"
	"time"
)

func TestPulseCounterDebounces(t *testing.T) {
	p := NewPulseCounter(5 * time.Millisecond)
	t0 := time.Unix(1000, 0)
	p.Pulse(t0)
	p.Pulse(t0.Add(time.Millisecond))
	p.Pulse(t0.Add(10 * time.Millisecond))
	if n := p.Take(); n != 2 {
		t.Fatalf("took %d, want 2", n)
	}
	if b := p.Bounced.Load(); b != 1 {
		t.Fatalf("bounced %d", b)
	}
	if n := p.Take(); n != 0 {
		t.Fatalf("second take %d", n)
	}
	p.Pulse(t0.Add(time.Second))
	if n, total := p.Take(), p.Total(); n != 1 || total != 3 {
		t.Fatalf("take %d total %d", n, total)
	}
}
