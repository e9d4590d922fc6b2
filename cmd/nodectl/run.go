package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"sensornode-go/bus"
	"sensornode-go/services/config"
	"sensornode-go/services/hal"
	"sensornode-go/services/node"
	"sensornode-go/types"
	"sensornode-go/x/logx"
	"sensornode-go/x/timex"
)

const replyTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		h, err := newHost()
		if err != nil {
			return err
		}
		defer h.close()
		return h.run(ctx)
	},
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Run the node and read commands from stdin",
	Long: `Run the node and read commands from stdin, one per line:

  state                    show comm and sensor state
  select none|lora|cell    select a transport now
  request none|lora|cell   use a transport on the next reselect
  now                      make every sensor group and the upload due
  group <name>             make one sensor group due
  test [sensor]            single-sensor test mode; no name leaves it
  mode <mode> [minutes]    normal, test-fast, burn, test-dead or mobile
  update [full]            queue a service update
  restart                  restart the node
  quit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		h, err := newHost()
		if err != nil {
			return err
		}
		defer h.close()

		ctx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() { errc <- h.run(ctx) }()
		console(ctx, cancel, h.bus.NewConnection("console"), cmd.InOrStdin(), cmd.OutOrStdout())
		return <-errc
	},
}

// host is a node on serial ports. The node itself is rebuilt on restart;
// the ports and the bus outlive it.
type host struct {
	log      logr.Logger
	clk      timex.Clock
	sw       *hal.SerialSwitch
	bus      *bus.Bus
	settings *config.Service
}

func newLogger(level string) logr.Logger {
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	return logx.New(os.Stderr, level, !opts.jsonLogs)
}

func newHost() (*host, error) {
	// The log level is a setting, so the settings are read once quietly.
	settings := config.NewService(config.FileStore{Path: opts.configFile}, opts.profile, logr.Discard())
	st, err := settings.Load()
	if err != nil {
		return nil, err
	}
	log := newLogger(st.LogLevel)
	settings = config.NewService(config.FileStore{Path: opts.configFile}, opts.profile, log)
	if _, err := settings.Load(); err != nil {
		return nil, err
	}
	return &host{
		log: log,
		clk: timex.NewBootClock(),
		sw: hal.NewSerialSwitch(map[types.UART]string{
			types.UARTLoRa: opts.lora,
			types.UARTCell: opts.cell,
			types.UARTGPS:  opts.gps,
		}),
		bus:      bus.NewBus(16),
		settings: settings,
	}, nil
}

func (h *host) close() {
	if err := h.sw.Close(); err != nil {
		h.log.Error(err, "closing serial ports")
	}
}

func (h *host) run(ctx context.Context) error {
	board := hal.NewBoard(hal.LogPins{Log: h.log.WithName("rails")}, h.sw, hal.NoI2C{}, h.clk, h.log)
	for {
		n := node.New(node.Config{
			Board:         board,
			Port:          h.sw,
			Clock:         h.clk,
			Settings:      h.settings,
			Conn:          h.bus.NewConnection("node"),
			Log:           h.log,
			BufferEntries: opts.buffer,
		})
		err := n.Run(ctx)
		switch {
		case errors.Is(err, node.ErrRestart):
			h.log.Info("restarting", "reason", err.Error())
			if _, err := h.settings.Load(); err != nil {
				return err
			}
			board.UART.Select(types.UARTNone)
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return err
		}
	}
}

// console reads commands until EOF or quit and cancels the node.
func console(ctx context.Context, cancel context.CancelFunc, conn *bus.Connection, in io.Reader, out io.Writer) {
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}
		args, err := shlex.Split(line)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" {
			return
		}
		fmt.Fprint(out, request(ctx, conn, node.Command{Name: strings.ToLower(args[0]), Args: args[1:]}))
	}
}

func request(ctx context.Context, conn *bus.Connection, cmd node.Command) string {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	msg, err := conn.RequestWait(ctx, conn.NewMessage(node.TopicCommand, cmd, false))
	if err != nil {
		return fmt.Sprintf("error: %v\n", err)
	}
	r, ok := msg.Payload.(node.Reply)
	switch {
	case !ok:
		return fmt.Sprintf("error: unexpected reply %T\n", msg.Payload)
	case r.Err != nil:
		return fmt.Sprintf("error: %v\n", r.Err)
	case strings.HasSuffix(r.Text, "\n"):
		return r.Text
	}
	return r.Text + "\n"
}
