// Package node is the node loop: one goroutine that owns the sensor
// scheduler, the comm controller and the hardware queues, polls them on a
// tick and feeds them the bytes the UART pump hands over.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"sensornode-go/bus"
	"sensornode-go/errcode"
	"sensornode-go/services/buffer"
	"sensornode-go/services/comm"
	"sensornode-go/services/config"
	"sensornode-go/services/hal"
	"sensornode-go/services/sensor"
	"sensornode-go/services/stats"
	"sensornode-go/types"
	"sensornode-go/x/timex"
)

const (
	rxQueue        = 512
	publishSeconds = 60
	defaultPeriod  = time.Second
)

// TopicCommand carries console requests. The reply payload is a Reply.
var TopicCommand = bus.T("node", "cmd")

// ErrRestart is returned by Run when something asked for a restart.
var ErrRestart = errors.New("node: restart requested")

// Command is a console request.
type Command struct {
	Name string
	Args []string
}

// Reply answers a Command.
type Reply struct {
	Text string
	Err  error
}

type Config struct {
	Board    *hal.Board
	Port     io.Reader // UART bytes; nil when nothing is attached
	Pulses   *hal.PulseCounter
	Clock    timex.Clock
	Settings *config.Service
	Conn     *bus.Connection
	Log      logr.Logger

	BufferEntries int
	Period        time.Duration
}

type Node struct {
	log      logr.Logger
	clk      timex.Clock
	board    *hal.Board
	port     io.Reader
	settings *config.Service
	conn     *bus.Connection
	period   time.Duration

	stats   *stats.Stats
	devices *sensor.Board
	sensors *sensor.Scheduler
	comm    *comm.Controller

	cmds        *bus.Subscription
	rx          chan byte
	dropped     atomic.Uint32
	lastDropped uint32
	lastPublish uint32
	restart     string
}

func New(cfg Config) *Node {
	n := &Node{
		log:      cfg.Log.WithName("node"),
		clk:      cfg.Clock,
		board:    cfg.Board,
		port:     cfg.Port,
		settings: cfg.Settings,
		conn:     cfg.Conn,
		period:   cfg.Period,
		stats:    &stats.Stats{},
		rx:       make(chan byte, rxQueue),
	}
	if n.period <= 0 {
		n.period = defaultPeriod
	}
	pulses := cfg.Pulses
	if pulses == nil {
		pulses = hal.NewPulseCounter(0)
	}
	n.devices = sensor.DefaultBoard(cfg.Board.I2C, cfg.Board.Power, pulses, cfg.Board.UART)
	n.sensors = sensor.New(sensor.Deps{
		Clock:    cfg.Clock,
		Power:    cfg.Board.Power,
		UART:     cfg.Board.UART,
		Settings: cfg.Settings,
		Stats:    n.stats,
		Bus:      cfg.Board.I2C,
		GPS:      n.devices.GPS,
		OnOpMode: n.opModeChanged,
		Log:      cfg.Log,
		Groups:   n.devices.Groups,
	})
	n.comm = comm.New(comm.Deps{
		Clock:    cfg.Clock,
		UART:     cfg.Board.UART,
		Sensors:  n.sensors,
		Settings: cfg.Settings,
		Stats:    n.stats,
		Store:    buffer.NewStore(cfg.BufferEntries),
		Battery:  n.sensors.Battery,
		Restart:  n.requestRestart,
		Log:      cfg.Log,
	})
	n.sensors.Attach(n.comm)
	n.cmds = cfg.Conn.Subscribe(TopicCommand)
	return n
}

func (n *Node) Sensors() *sensor.Scheduler { return n.sensors }
func (n *Node) Comm() *comm.Controller     { return n.comm }
func (n *Node) Stats() *stats.Stats        { return n.stats }

// Init brings the scheduler and the controller up. Run calls it.
func (n *Node) Init() {
	n.sensors.Init()
	n.comm.Init()
	n.log.Info("initialized", "groups", len(n.sensors.Groups()), "device", n.settings.Current().DeviceID)
}

// Run is the node loop. Commands published since New are already queued.
// It returns ctx's error when cancelled, or an error wrapping ErrRestart
// when a restart was asked for. A Node runs once.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer n.conn.Unsubscribe(n.cmds)

	if n.port != nil {
		go hal.Pump(ctx, n.port, n.rx, &n.dropped)
	}

	tick := time.NewTicker(n.period)
	defer tick.Stop()

	n.Init()
	n.publish()
	for {
		select {
		case <-ctx.Done():
			n.log.Info("stopping")
			return ctx.Err()
		case b := <-n.rx:
			n.Received(b)
		case <-tick.C:
			n.Poll()
		case msg, ok := <-n.cmds.Channel():
			if !ok {
				return errors.New("node: command subscription closed")
			}
			cmd, ok := msg.Payload.(Command)
			if !ok {
				n.conn.Reply(msg, Reply{Err: &errcode.E{C: errcode.InvalidPayload, Op: "node.cmd"}}, false)
				continue
			}
			text, err := n.Exec(cmd)
			n.conn.Reply(msg, Reply{Text: text, Err: err}, false)
		}
		if n.restart != "" {
			return fmt.Errorf("%w: %s", ErrRestart, n.restart)
		}
	}
}

// Received routes a UART byte to whoever holds the UART.
func (n *Node) Received(b byte) {
	if n.board.UART.Current() == types.UARTGPS {
		n.devices.GPS.Received(b)
		return
	}
	n.comm.Received(b)
}

// Poll advances everything by one tick.
func (n *Node) Poll() {
	q := n.board.I2C
	q.Pump()
	q.Check()
	n.sensors.Poll()
	q.Pump()
	n.comm.Poll()

	if !timex.ShouldSuppress(n.clk.Seconds(), &n.lastPublish, publishSeconds) {
		n.publish()
	}
}

func (n *Node) publish() {
	if d := n.dropped.Load(); d != n.lastDropped {
		n.log.Info("uart bytes dropped", "count", d-n.lastDropped)
		n.lastDropped = d
	}
	n.settings.Publish(n.conn)
	n.stats.Publish(n.conn)
	n.sensors.Publish(n.conn)
	n.comm.Publish(n.conn)
}

func (n *Node) opModeChanged(m types.OpMode) {
	n.board.UART.Mobile = m == types.OpMobile
}

func (n *Node) requestRestart(reason string) {
	if n.restart == "" {
		n.log.Info("restart requested", "reason", reason)
		n.restart = reason
	}
}

func arg(c Command, i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

func invalid(c Command, msg string) error {
	return &errcode.E{C: errcode.InvalidParams, Op: "node." + c.Name, Msg: msg}
}

// Exec runs one console command and returns the text to show.
func (n *Node) Exec(c Command) (string, error) {
	switch c.Name {
	case "state":
		return n.comm.ShowState() + n.sensors.ShowState(), nil

	case "select", "request":
		m, ok := types.ParseCommMode(arg(c, 0))
		if !ok {
			return "", invalid(c, "mode is none, lora or cell")
		}
		if c.Name == "request" {
			n.comm.RequestModeOnReselect(m)
			return "comm " + m.String() + " on reselect", nil
		}
		n.comm.Select(m, "console")
		return "comm " + m.String(), nil

	case "now":
		if !n.sensors.ScheduleNow() {
			return "", &errcode.E{C: errcode.NotConfigured, Op: "node.now"}
		}
		n.comm.CallNow()
		return "scheduled", nil

	case "group":
		if !n.sensors.ScheduleGroup(arg(c, 0)) {
			return "", invalid(c, "no group "+strconv.Quote(arg(c, 0)))
		}
		return "scheduled " + arg(c, 0), nil

	case "test":
		if n.sensors.TestSensor(arg(c, 0)) {
			return "testing " + arg(c, 0), nil
		}
		return "sensor test off", nil

	case "mode":
		m, ok := types.ParseOpMode(arg(c, 0))
		if !ok {
			return "", invalid(c, "unknown mode")
		}
		if mins := arg(c, 1); mins != "" {
			v, err := strconv.ParseUint(mins, 10, 32)
			if err != nil {
				return "", invalid(c, "minutes")
			}
			n.sensors.SetTemporaryOpMode(m, uint32(v)*60)
			return fmt.Sprintf("%s for %dm", m, v), nil
		}
		if err := n.sensors.SetOpMode(m); err != nil {
			return "", err
		}
		return m.String(), nil

	case "update":
		n.comm.InitiateServiceUpdate(strings.EqualFold(arg(c, 0), "full"))
		return "service update queued", nil

	case "restart":
		n.requestRestart("console")
		return "restarting", nil
	}
	return "", &errcode.E{C: errcode.Unsupported, Op: "node.cmd", Msg: c.Name}
}
