// Package timex provides the node's monotonic seconds-since-boot clock and the
// "has N seconds elapsed" primitives every poll loop is built on.
package timex

import "time"

// Clock returns monotonic seconds since boot. Boot is second 1 so that a
// stored timestamp of zero always means "never".
type Clock interface {
	Seconds() uint32
}

// BootClock counts from the moment it was created.
type BootClock struct {
	start time.Time
}

func NewBootClock() *BootClock { return &BootClock{start: time.Now()} }

func (c *BootClock) Seconds() uint32 {
	return uint32(time.Since(c.start)/time.Second) + 1
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	Now uint32
}

func (m *Manual) Seconds() uint32 { return m.Now }

// Advance moves the clock forward by s seconds.
func (m *Manual) Advance(s uint32) { m.Now += s }

// WouldSuppress reports whether fewer than interval seconds have elapsed since
// last. A zero last never suppresses. Early in boot (now < interval) every
// non-zero last suppresses.
func WouldSuppress(now, last, interval uint32) bool {
	if last == 0 {
		return false
	}
	if now < interval {
		return true
	}
	if now >= last && now-interval < last {
		return true
	}
	return false
}

// ShouldSuppress is WouldSuppress that, when it does not suppress, moves last
// to now. Repeated calls drift by however long the caller's work took.
func ShouldSuppress(now uint32, last *uint32, interval uint32) bool {
	if WouldSuppress(now, *last, interval) {
		return true
	}
	*last = now
	return false
}

// ShouldSuppressConsistently is ShouldSuppress with a stored timestamp that
// only ever advances by whole intervals from its original phase, landing on
// the latest cadence point strictly before the interval that contains now.
func ShouldSuppressConsistently(now uint32, last *uint32, interval uint32) bool {
	prev := *last
	next := prev + interval
	if ShouldSuppress(now, last, interval) {
		return true
	}
	if interval != 0 && next < *last {
		for next+interval < *last {
			next += interval
		}
		*last = next
	}
	return false
}

// Elapsed returns now-since, or zero when since is unset or in the future.
func Elapsed(now, since uint32) uint32 {
	if since == 0 || since > now {
		return 0
	}
	return now - since
}
