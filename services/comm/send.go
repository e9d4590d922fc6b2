package comm

import (
	"sensornode-go/services/stats"
	"sensornode-go/services/wire"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

// WouldBeBuffered reports whether measurements taken now would be batched
// for a later cellular upload instead of going out immediately.
func (c *Controller) WouldBeBuffered() bool {
	st := c.settings.Current()
	switch {
	case c.callNow,
		st.Flags.Has(types.FlagConfirmAll),
		c.cellInterval() == 0,
		!c.deselected,
		c.mode != types.CommCell:
		return false
	}
	switch c.sensors.OpMode() {
	case types.OpTestFast, types.OpTestBurn:
		return false
	}
	if !c.store.Enabled() && c.batch.Full(nextMessageAllowance) {
		return false
	}
	if c.flush && !c.batch.Empty() {
		return false
	}
	now := c.now()
	if !timex.WouldSuppress(now, c.lastPoweredUp, c.cellInterval()) {
		return false
	}
	return timex.WouldSuppress(now, c.lastUpdate, c.serviceIntervalMinutes()*60)
}

// CanSendToService reports whether an uplink handed over now would be
// accepted, either by the transport or by the batch.
func (c *Controller) CanSendToService() bool {
	if c.deselected {
		return c.WouldBeBuffered()
	}
	t := c.transport()
	if t == nil {
		return true
	}
	if c.now() < fastDeviceUpdateBegin {
		return false
	}
	return t.CanSend()
}

func (c *Controller) IsBusy() bool {
	if t := c.transport(); t != nil {
		return t.IsBusy()
	}
	return false
}

// MTU is the largest frame the active transport carries.
func (c *Controller) MTU() int {
	if t := c.transport(); t != nil {
		return t.MTU()
	}
	return defaultMTU
}

func (c *Controller) dbActive() bool { return c.deselected && c.store.Enabled() }

// SendToService hands a frame to the transport, or to the offline store
// while it is the place uplinks go.
func (c *Controller) SendToService(frame []byte, reply types.ReplyType) bool {
	if !c.CanSendToService() && !c.dbActive() {
		return false
	}
	return c.transmit(frame, reply)
}

// transmit is not re-entrant: a transport calling back into the send path
// while a frame is being handed over is refused.
func (c *Controller) transmit(frame []byte, reply types.ReplyType) bool {
	if c.transmitting {
		return false
	}
	c.transmitting = true
	defer func() { c.transmitting = false }()

	if c.dbActive() && c.sensors.OpMode() == types.OpMobile {
		return c.store.Put(frame, reply)
	}
	t := c.transport()
	if t == nil {
		return false
	}
	return t.SendToService(frame, reply)
}

// SendPing sends the minimal message whose reply tells who is listening.
func (c *Controller) SendPing(reply types.ReplyType) bool {
	return c.transmit(wire.Ping(reply, c.settings.Current().DeviceID), reply)
}

// sendUpdate builds one uplink of kind u from the pending measurements or
// the stats and sends, batches or drops it. It reports whether the content
// was disposed of.
func (c *Controller) sendUpdate(u Update) bool {
	buffered := c.WouldBeBuffered()
	if !c.CanSendToService() {
		return false
	}
	mtu := c.MTU()
	limited, badlyLimited := mtu < 128, mtu < 64
	isStats := u != UpdateNormal
	if isStats && c.deselected {
		return false
	}
	st := c.settings.Current()
	op := c.sensors.OpMode()

	var r types.Readings
	if !isStats {
		r = c.sensors.Measurements()
		if badlyLimited {
			r = keepMostImportant(r)
		}
	}
	if !isStats && !r.HasBattery && !r.HasEnv && !r.HasCPM {
		c.OneshotCompleted()
		return false
	}
	taken := r

	t := wire.Telecast{DeviceID: st.DeviceID, Readings: r}
	if gps, loc := c.sensors.GPS(); gps == types.GPSFull || gps == types.GPSPartial {
		t.Readings.HasLocation = true
		t.Readings.Lat, t.Readings.Lon = loc.Lat, loc.Lon
		if gps == types.GPSFull && !limited && op != types.OpMobile {
			t.Readings.Alt = loc.Alt
		}
	}
	if isStats {
		t.StatsType = uint32(u)
		t.Stats, _ = c.statsText(u, limited, badlyLimited)
	}
	reply := types.ReplyNone
	if isStats || st.Flags.Has(types.FlagConfirmAll) {
		reply = types.ReplyTTServe
	}
	pb := t.Marshal()
	if len(pb) > 255 {
		c.log.Info("message too large", "update", u.String(), "bytes", len(pb))
		return false
	}

	sent, mtuFailure := true, false
	probing := c.mtuTest != 0
	switch {
	case buffered && !c.batch.Full(len(pb)):
		sent = c.batch.Append(pb, reply)
	case c.batch.Empty():
		frame, err := wire.Frame(&t)
		if err != nil {
			return false
		}
		if len(pb) > mtu && !probing {
			mtuFailure = true
		} else {
			sent = c.SendToService(frame, reply)
		}
	default:
		sent = c.batch.Append(pb, reply)
		frame, rt := c.batch.Frame()
		if rt == types.ReplyNone && !st.Flags.Has(types.FlagBufferedEfficient) {
			rt = types.ReplyTTServe
		}
		switch {
		case len(frame) > mtu && !probing:
			mtuFailure = true
			c.batch.Reset()
		case c.SendToService(frame, rt):
			c.batch.Reset()
		case sent:
			c.batch.Revert()
			sent = false
		}
	}

	if mtuFailure {
		c.stats.Inc(stats.MTUFailures)
		c.log.Info("mtu exceeded", "update", u.String(), "bytes", len(pb), "mtu", mtu)
		sent = true
	} else if sent {
		c.mtuCount++
		c.mtuMax = max(c.mtuMax, len(pb))
		c.log.V(1).Info("sent", "update", u.String(), "bytes", len(pb), "batched", c.batch.Len(), "stored", c.store.Len())
	}
	if !sent {
		return false
	}
	if !isStats {
		c.sensors.ClearMeasurements(taken)
	}
	return true
}

// keepMostImportant trims readings for a transport that can carry only one
// kind: radiation before air before battery.
func keepMostImportant(r types.Readings) types.Readings {
	switch {
	case r.HasCPM:
		return types.Readings{HasCPM: true, CPM: r.CPM}
	case r.HasEnv:
		return types.Readings{HasEnv: true, EnvTempC: r.EnvTempC, EnvHumidity: r.EnvHumidity}
	}
	return r
}
