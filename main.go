//go:build rp2040

package main

import (
	"context"
	"errors"
	"machine"
	"os"
	"time"

	"sensornode-go/bus"
	"sensornode-go/services/config"
	"sensornode-go/services/hal"
	"sensornode-go/services/node"
	"sensornode-go/x/logx"
	"sensornode-go/x/timex"
)

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)

	store := &config.MemStore{}
	settings := config.NewService(store, "solarcast", logx.New(os.Stdout, "info", true))
	st, err := settings.Load()
	if err != nil {
		println("config:", err.Error())
	}
	log := logx.New(os.Stdout, st.LogLevel, true)
	log.Info("boot", "device", st.DeviceID, "profile", st.Profile)

	clk := timex.NewBootClock()
	board, port, pulses := hal.NewRP2Board(clk, log)
	b := bus.NewBus(4)

	n := node.New(node.Config{
		Board:         board,
		Port:          port,
		Pulses:        pulses,
		Clock:         clk,
		Settings:      settings,
		Conn:          b.NewConnection("node"),
		Log:           log,
		BufferEntries: 16,
	})
	err = n.Run(context.Background())
	if errors.Is(err, node.ErrRestart) {
		log.Info("resetting", "reason", err.Error())
	} else {
		log.Error(err, "node loop ended")
	}
	time.Sleep(500 * time.Millisecond)
	machine.CPUReset()
}
