package hal

import (
	"sync/atomic"
	"time"
)

// PulseCounter counts edges from an interrupt line. Pulse is safe to call
// from an ISR or another goroutine; Take runs on the node loop.
type PulseCounter struct {
	count    atomic.Uint32
	taken    uint32
	debounce time.Duration
	last     atomic.Int64
	Bounced  atomic.Uint32
}

// NewPulseCounter ignores edges closer together than debounce.
func NewPulseCounter(debounce time.Duration) *PulseCounter {
	return &PulseCounter{debounce: debounce}
}

// Pulse records one edge seen at t.
func (p *PulseCounter) Pulse(t time.Time) {
	ns := t.UnixNano()
	if prev := p.last.Load(); prev != 0 && time.Duration(ns-prev) < p.debounce {
		p.Bounced.Add(1)
		return
	}
	p.last.Store(ns)
	p.count.Add(1)
}

// Take returns the number of edges since the previous Take.
func (p *PulseCounter) Take() uint32 {
	now := p.count.Load()
	n := now - p.taken
	p.taken = now
	return n
}

// Total is every edge counted since boot.
func (p *PulseCounter) Total() uint32 { return p.count.Load() }
