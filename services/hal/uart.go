package hal

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"sensornode-go/types"
)

// Switch routes the single UART to one module at a given baud rate and
// carries its bytes. Read must return within a bounded time so the pump can
// notice cancellation.
type Switch interface {
	io.ReadWriter
	Route(u types.UART, baud uint32) error
}

func baudFor(u types.UART) uint32 {
	if u == types.UARTLoRa {
		return 57600
	}
	return 9600
}

// Mux is the UART selector. Selecting a module powers off the modules that
// hang off the other mux positions.
type Mux struct {
	sw    Switch
	power *Power
	log   logr.Logger

	cur    types.UART
	tx     bool
	Mobile bool // keep the GPS powered across selections

	errors uint32
}

func NewMux(sw Switch, p *Power, log logr.Logger) *Mux {
	return &Mux{sw: sw, power: p, log: log, tx: true}
}

// Select routes the UART to u.
func (m *Mux) Select(u types.UART) {
	prev := m.cur
	m.cur = u
	if u != types.UARTLoRa {
		m.power.Set(RailLoRa, false)
	}
	if u != types.UARTCell {
		m.power.Set(RailCell, false)
	}
	if u != types.UARTGPS && !m.Mobile {
		m.power.Set(RailGPS, false)
	}
	if err := m.sw.Route(u, baudFor(u)); err != nil {
		m.errors++
		m.log.Error(err, "route failed", "uart", u.String())
	}
	switch u {
	case types.UARTLoRa:
		m.power.Set(RailLoRa, true)
	case types.UARTCell:
		m.power.Set(RailCell, true)
	case types.UARTGPS:
		m.power.Set(RailGPS, true)
	}
	m.tx = true
	if prev != u {
		m.log.V(1).Info("select", "from", prev.String(), "to", u.String())
	}
}

// Current is the module the UART is routed to.
func (m *Mux) Current() types.UART { return m.cur }

// EnableTransmit gates writes, used while a modem must see no traffic.
func (m *Mux) EnableTransmit(on bool) { m.tx = on }

func (m *Mux) TransmitEnabled() bool { return m.tx }

// SendLine writes line and the owner's terminator when owner holds the UART
// and transmit is enabled. It reports whether the line went out. The LoRa
// module wants CRLF, the cellular modem a bare CR.
func (m *Mux) SendLine(owner types.UART, line string) bool {
	term := "\r\n"
	if owner == types.UARTCell {
		term = "\r"
	}
	m.log.V(2).Info(">", "line", line)
	return m.write(owner, append([]byte(line), term...))
}

// Write sends b untouched, for payloads that follow a modem prompt.
func (m *Mux) Write(owner types.UART, b []byte) bool { return m.write(owner, b) }

func (m *Mux) write(owner types.UART, b []byte) bool {
	if m.cur != owner || owner == types.UARTNone {
		return false
	}
	if !m.tx {
		m.log.V(1).Info("suppressed", "bytes", len(b))
		return false
	}
	if _, err := m.sw.Write(b); err != nil {
		m.errors++
		return false
	}
	return true
}

// Errors counts routing and write failures.
func (m *Mux) Errors() uint32 { return m.errors }

// Pump copies bytes from r into out until ctx is done. It never blocks on
// out; bytes that find it full are dropped and counted in dropped.
func Pump(ctx context.Context, r io.Reader, out chan<- byte, dropped *atomic.Uint32) {
	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := r.Read(buf)
		if err != nil && n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		for _, b := range buf[:n] {
			select {
			case out <- b:
			default:
				if dropped != nil {
					dropped.Add(1)
				}
			}
		}
	}
}
