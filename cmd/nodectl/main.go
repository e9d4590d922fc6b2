// nodectl runs the sensor node on a host, with each module on its own
// serial port, and talks to it from a console.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var opts struct {
	configFile string
	profile    string
	logLevel   string
	jsonLogs   bool
	lora       string
	cell       string
	gps        string
	buffer     int
}

var rootCmd = &cobra.Command{
	Use:           "nodectl",
	Short:         "Run and inspect a sensor node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "nodectl", version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "sensornode.yaml", "settings file")
	pf.StringVar(&opts.profile, "profile", "solarcast", "compiled-in defaults to start from")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (overrides the settings file)")
	pf.BoolVar(&opts.jsonLogs, "json", false, "log JSON lines instead of the console format")

	for _, c := range []*cobra.Command{runCmd, consoleCmd} {
		f := c.Flags()
		f.StringVar(&opts.lora, "lora", "", "serial device of the LoRa module")
		f.StringVar(&opts.cell, "cell", "", "serial device of the cellular modem")
		f.StringVar(&opts.gps, "gps", "", "serial device of the GPS receiver")
		f.IntVar(&opts.buffer, "buffer", 32, "offline buffer entries, 0 disables")
	}

	rootCmd.AddCommand(runCmd, consoleCmd, configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nodectl:", err)
		os.Exit(1)
	}
}
