//go:build !tinygo

package hal

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.bug.st/serial"

	"sensornode-go/errcode"
	"sensornode-go/types"
)

// SerialSwitch stands in for the UART mux on a host: each module is its own
// serial device and routing picks which one is read and written.
type SerialSwitch struct {
	Paths map[types.UART]string

	mu   sync.Mutex
	open map[string]serial.Port
	cur  serial.Port
}

func NewSerialSwitch(paths map[types.UART]string) *SerialSwitch {
	return &SerialSwitch{Paths: paths, open: make(map[string]serial.Port)}
}

func (s *SerialSwitch) Route(u types.UART, baud uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = nil
	path := s.Paths[u]
	if path == "" {
		return nil
	}
	mode := &serial.Mode{BaudRate: int(baud), DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	p, ok := s.open[path]
	if !ok {
		var err error
		p, err = serial.Open(path, mode)
		if err != nil {
			return fmt.Errorf("hal: open %s: %w", path, err)
		}
		if err := p.SetReadTimeout(250 * time.Millisecond); err != nil {
			p.Close()
			return fmt.Errorf("hal: %s read timeout: %w", path, err)
		}
		s.open[path] = p
	} else if err := p.SetMode(mode); err != nil {
		return fmt.Errorf("hal: %s mode: %w", path, err)
	}
	s.cur = p
	return nil
}

func (s *SerialSwitch) current() serial.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *SerialSwitch) Read(p []byte) (int, error) {
	c := s.current()
	if c == nil {
		time.Sleep(50 * time.Millisecond)
		return 0, nil
	}
	return c.Read(p)
}

// Write discards data when nothing is routed, as the mux would.
func (s *SerialSwitch) Write(p []byte) (int, error) {
	c := s.current()
	if c == nil {
		return len(p), nil
	}
	return c.Write(p)
}

// Close releases every opened device.
func (s *SerialSwitch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for path, p := range s.open {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.open, path)
	}
	s.cur = nil
	return first
}

// LogPins records rail changes in the log.
type LogPins struct{ Log logr.Logger }

func (p LogPins) Set(r Rail, on bool) { p.Log.V(1).Info("rail", "rail", r.String(), "on", on) }

// NoI2C is the bus of a host without one; every transaction fails.
type NoI2C struct{}

func (NoI2C) Tx(addr uint16, w, r []byte) error {
	return &errcode.E{C: errcode.Unsupported, Op: "i2c.tx", Msg: "no bus on host"}
}
