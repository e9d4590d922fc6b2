package comm

import (
	"sensornode-go/services/comm/link"
	"sensornode-go/services/stats"
	"sensornode-go/types"
)

// host is the controller as the transports see it.
type host struct{ c *Controller }

var _ link.Host = (*host)(nil)

func (h *host) owner() types.UART {
	if t := h.c.transport(); t != nil {
		return t.UART()
	}
	return types.UARTNone
}

func (h *host) SendLine(line string) bool { return h.c.uart.SendLine(h.owner(), line) }
func (h *host) SendRaw(b []byte) bool     { return h.c.uart.Write(h.owner(), b) }
func (h *host) EnableTransmit(on bool)    { h.c.uart.EnableTransmit(on) }
func (h *host) Delay(ms uint32)           { h.c.delay(ms) }
func (h *host) Count(ctr stats.Counter)   { h.c.stats.Inc(ctr) }
func (h *host) IO(tx, rx int)             { h.c.stats.IO(tx, rx) }

func (h *host) SetModule(name string) {
	if h.c.mode == types.CommCell {
		h.c.stats.ModuleCell = name
		return
	}
	h.c.stats.ModuleLoRa = name
}

func (h *host) SetConnectState(s types.ConnectState) { h.c.SetConnectState(s) }
func (h *host) SelectCompleted()                     { h.c.SelectCompleted() }
func (h *host) UpdateService()                       { h.c.UpdateService() }
func (h *host) OneshotCompleted()                    { h.c.OneshotCompleted() }
func (h *host) Handoff(reason string)                { h.c.Select(types.CommCell, reason) }
func (h *host) ServiceMessage(text string)           { h.c.serviceMessage(text) }
func (h *host) Display(text string)                  { h.c.log.Info("message", "text", text) }
func (h *host) ReleaseUART()                         { h.c.uart.Select(types.UARTNone) }
func (h *host) Deselect(reason string)               { h.c.Deselect(reason) }
func (h *host) Reselect()                            { h.c.Reselect() }

func (h *host) SaveDevEUI(eui string) {
	st := h.c.settings.Current()
	if st.DevEUI == eui {
		return
	}
	st.DevEUI = eui
	h.c.settings.Update(st)
	if err := h.c.settings.Save(); err != nil {
		h.c.log.Error(err, "saving device eui")
	}
}

func (h *host) Note(key, value string) {
	switch key {
	case "iccid":
		h.c.stats.CellICCID = value
	case "cpsi":
		h.c.stats.CellCPSI = value
	default:
		h.c.log.V(1).Info("note", key, value)
	}
}
