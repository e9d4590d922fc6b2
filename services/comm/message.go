package comm

import (
	"fmt"
	"strconv"
	"strings"

	"sensornode-go/bus"
	"sensornode-go/services/config"
	"sensornode-go/services/stats"
	"sensornode-go/types"
)

// serviceMessage acts on a text command sent down by the service.
// Configuration commands are saved and followed by a restart.
func (c *Controller) serviceMessage(text string) {
	c.log.Info("service message", "text", text)
	st := c.settings.Current()
	switch {
	case strings.HasPrefix(text, "cfgsen "):
		st.SensorParams = strings.TrimPrefix(text, "cfgsen ")
	case strings.HasPrefix(text, "cfglab "):
		st.DeviceLabel = strings.TrimPrefix(text, "cfglab ")
	case strings.HasPrefix(text, "cfgttn "):
		st.SetTTNParams(strings.TrimPrefix(text, "cfgttn "))
	case strings.HasPrefix(text, "cfgsvc "), strings.HasPrefix(text, "cfgnet "):
		st.SetServiceParams(text[len("cfgsvc "):])
	case strings.HasPrefix(text, "cfgdev "):
		if err := st.SetDeviceParams(strings.TrimPrefix(text, "cfgdev ")); err != nil {
			c.log.Error(err, "ignoring service message", "text", text)
			return
		}
	case strings.HasPrefix(text, "cfggps "):
		if err := st.SetGPSParams(strings.TrimPrefix(text, "cfggps ")); err != nil {
			c.log.Error(err, "ignoring service message", "text", text)
			return
		}
	case strings.HasPrefix(text, "burn"):
		minutes := uint32(defaultBurnMinutes)
		if arg, ok := strings.CutPrefix(text, "burn "); ok {
			if n, err := strconv.ParseUint(strings.TrimSpace(arg), 10, 32); err == nil {
				minutes = uint32(n)
			}
		}
		c.sensors.SetTemporaryOpMode(types.OpTestBurn, minutes*60)
		return
	case text == "restart", text == "reboot":
		c.restart("service request")
		return
	case text == "hello":
		c.InitiateServiceUpdate(true)
		return
	case text == "down":
		c.ForceCell()
		return
	default:
		return
	}
	c.saveAndRestart(st)
}

func (c *Controller) saveAndRestart(st config.Settings) {
	c.settings.Update(st)
	if err := c.settings.Save(); err != nil {
		c.log.Error(err, "saving settings from service")
		return
	}
	c.restart("configuration changed")
}

// State is the published snapshot of the controller.
func (c *Controller) State() types.CommState {
	s := types.CommState{
		Mode:       c.mode.String(),
		Deselected: c.deselected,
		Connect:    c.connect.String(),
		Reason:     c.reason,
	}
	if t := c.transport(); t != nil {
		s.Transport = t.State()
	}
	return s
}

// Publish retains the current state on the bus.
func (c *Controller) Publish(conn *bus.Connection) {
	conn.Publish(conn.NewMessage(TopicState, c.State(), true))
}

// ShowState describes the controller for the console.
func (c *Controller) ShowState() string {
	var b strings.Builder
	now := c.now()
	switch {
	case !c.OneshotEnabled():
		fmt.Fprintf(&b, "comm: continuous %s (%s)\n", c.mode, c.reason)
	case !c.deselected:
		fmt.Fprintf(&b, "comm: oneshot %s in progress (%s)\n", c.mode, c.reason)
	default:
		fmt.Fprintf(&b, "comm: oneshot %s %s, cell %s",
			c.mode, dueIn(now, c.lastOneshot, c.OneshotInterval()), dueIn(now, c.lastPoweredUp, c.cellInterval()))
		if c.WouldBeBuffered() {
			b.WriteString(" (buffering)")
		}
		b.WriteByte('\n')
	}
	uart := "busy"
	if c.uart.Current() == types.UARTNone {
		uart = "avail"
	}
	fmt.Fprintf(&b, "comm: %s uart=%s send=%v busy=%v buffered=%v upload=%v\n",
		c.connect, uart, c.CanSendToService(), c.IsBusy(), c.WouldBeBuffered(), c.sensors.UploadNeeded())
	fmt.Fprintf(&b, "comm: service update %s, selects=%d failed=%d batched=%d/%dB stored=%d\n",
		dueIn(now, c.lastUpdate, c.serviceIntervalMinutes()*60), c.totalSelects, c.failedSelects,
		c.batch.Count(), c.batch.Len(), c.store.Len())
	if c.mtuCount != 0 {
		fmt.Fprintf(&b, "comm: sent=%d largest=%dB mtu=%d failures=%d\n",
			c.mtuCount, c.mtuMax, c.MTU(), c.stats.Get(stats.MTUFailures))
	}
	if t := c.transport(); t != nil {
		b.WriteString(t.State())
		b.WriteByte('\n')
	}
	return b.String()
}

func dueIn(now, last, interval uint32) string {
	due := int64(interval) - (int64(now) - int64(last))
	if due < 0 {
		return fmt.Sprintf("(%dm) overdue by %dm%ds", interval/60, -due/60, -due%60)
	}
	return fmt.Sprintf("(%dm) in %dm%ds", interval/60, due/60, due%60)
}
