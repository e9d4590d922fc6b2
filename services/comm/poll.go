package comm

import (
	"sensornode-go/services/stats"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

// AutoWAN is how far AUTO has progressed towards giving up on LoRa.
type AutoWAN uint8

const (
	AutoWANGPSWait AutoWAN = iota
	AutoWANNormal
	AutoWANFailover
)

func (c *Controller) gpsCompleted() bool {
	st, _ := c.sensors.GPS()
	return st.Completed()
}

func (c *Controller) AutoWAN() AutoWAN {
	switch {
	case !c.gpsCompleted():
		return AutoWANGPSWait
	case c.settings.Current().WAN != types.WANAuto, !c.forceCell:
		return AutoWANNormal
	}
	return AutoWANFailover
}

// OneshotEnabled reports whether the transport is powered only around
// uploads right now.
func (c *Controller) OneshotEnabled() bool {
	return c.gpsCompleted() && c.mtuTest == 0 && c.SwitchingAllowed()
}

// SwitchingAllowed reports whether the UART may be taken from the radio
// between uploads.
func (c *Controller) SwitchingAllowed() bool {
	if c.oneshotDisabled && c.AutoWAN() != AutoWANFailover {
		return false
	}
	return c.settings.Current().OneshotMinutes != 0
}

// OneshotInterval is the number of seconds between oneshots for the current
// battery status.
func (c *Controller) OneshotInterval() uint32 {
	if c.callNow {
		return 1
	}
	st := c.settings.Current()
	secs := st.OneshotMinutes * 60
	switch c.battery() {
	case types.BatDead:
		secs = 24 * 60 * 60
	case types.BatEmergency:
		secs = 6 * 60 * 60
	case types.BatWarning:
		secs = 30 * 60
	case types.BatFull:
		secs = min(secs, oneshotFastMinutes*60)
	case types.BatBurn, types.BatTest:
		secs = 5 * 60
	case types.BatMobile:
		secs = uint32(st.MobilePeriodSeconds)
		if secs == 0 {
			secs = 1
		}
	}
	return secs
}

func (c *Controller) cellInterval() uint32 {
	if c.callNow {
		return 1
	}
	switch c.sensors.OpMode() {
	case types.OpTestFast, types.OpTestBurn:
		return testCellSeconds
	}
	return c.settings.Current().OneshotCellMinutes * 60
}

func (c *Controller) serviceIntervalMinutes() uint32 {
	if c.callNow {
		return 1
	}
	if c.sensors.OpMode() == types.OpTestBurn {
		return burnServiceUpdateMinute
	}
	return c.settings.Current().StatsMinutes
}

// Poll advances the controller by one tick.
func (c *Controller) Poll() {
	if !c.initialized {
		return
	}
	if c.oneshotNextPoll {
		c.oneshotNextPoll = false
		c.oneshotCompleted = true
	}
	now := c.now()

	if c.waitingFirstSelect {
		c.firstSelect(now)
		return
	}

	if c.AutoWAN() == AutoWANFailover && c.mode != types.CommCell {
		c.failoverTime = now
		c.failedOver = true
		c.Select(types.CommCell, "failover")
		return
	}
	if c.failedOver && !timex.ShouldSuppress(now, &c.failoverTime, failoverRestartMinutes*60) {
		c.restart("failover persisted")
		return
	}

	if c.mtuTest != 0 {
		c.Reselect()
		c.sendUpdate(UpdateMTUTest)
	}

	if !c.deselected {
		t := c.transport()
		if t == nil {
			return
		}
		if t.NeededToBeReset() {
			c.log.V(1).Info("transport reset", "transport", t.Name())
			return
		}
	}

	if c.OneshotEnabled() && c.oneshot(now) {
		return
	}

	if c.settings.Current().Flags.Has(types.FlagPing) && !timex.ShouldSuppress(now, &c.lastPing, pingServiceSeconds) {
		c.SendPing(types.ReplyNone)
		return
	}
	if !c.WouldBeBuffered() {
		c.UpdateService()
	}
	if c.stats.Update(now, uint32(c.settings.Current().RestartDays)) {
		c.restart("uptime")
	}
}

func (c *Controller) firstSelect(now uint32) {
	if u := c.uart.Current(); u != types.UARTNone {
		c.log.V(2).Info("first select waiting for uart", "uart", u.String())
		return
	}
	if now < bootDelayUntilInit {
		return
	}
	gps := c.gpsCompleted()
	switch wan := c.settings.Current().WAN; wan {
	case types.WANNone:
		c.Select(types.CommNone, "no comms found")
	case types.WANLoRa, types.WANLoRaWAN, types.WANLoRaThenLoRaWAN, types.WANLoRaWANThenLoRa, types.WANAuto:
		if !gps {
			c.Select(types.CommNone, wan.String()+" desired, no GPS yet")
		} else {
			c.Select(types.CommLoRa, wan.String()+" desired")
		}
	case types.WANCell, types.WANCellPlusMobile:
		if !gps {
			c.Select(types.CommNone, "cell desired, no GPS yet")
		} else {
			c.Select(types.CommCell, "cell desired")
		}
	}
	if c.mode != types.CommNone {
		c.waitingFirstSelect = false
	}
}

// oneshot powers the transport down once its work is done and back up when
// an upload is due. It reports whether the rest of the tick should be
// skipped.
func (c *Controller) oneshot(now uint32) bool {
	if !c.deselected {
		if !c.CanSendToService() && c.poweredUp != 0 {
			if !timex.ShouldSuppress(now, &c.poweredUp, oneshotAbortSeconds) {
				c.Deselect("oneshot aborted")
			}
			return true
		}
		if c.oneshotCompleted && !c.IsBusy() {
			c.oneshotCompleted = false
			if !c.UpdateService() {
				c.Deselect("no work")
			}
			return true
		}
		if c.CanSendToService() && !c.IsBusy() && !timex.ShouldSuppress(now, &c.poweredUp, oneshotUpdateSeconds) {
			if !c.UpdateService() {
				c.Deselect("oneshot idle")
			}
			return true
		}
	}

	buffered := c.WouldBeBuffered()
	if !c.deselected ||
		!(c.uart.Current() == types.UARTNone || buffered) ||
		!(!c.CanSendToService() || buffered) ||
		c.sensors.ExclusivePoweredOn() ||
		c.sensors.ExclusiveBusy() ||
		!(c.sensors.UploadNeeded() || c.callNow) {
		return false
	}
	iv := c.OneshotInterval()
	if iv == 0 || timex.ShouldSuppressConsistently(now, &c.lastOneshot, iv) {
		return false
	}
	c.stats.Inc(stats.Oneshots)
	if buffered {
		n := 0
		for c.UpdateService() {
			n++
		}
		c.log.V(1).Info("oneshot buffered", "updates", n)
		return false
	}
	c.flush = false
	c.Reselect()
	return false
}
