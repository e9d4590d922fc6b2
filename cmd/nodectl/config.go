package main

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sensornode-go/services/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the settings file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings the node would start with",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := config.NewService(config.FileStore{Path: opts.configFile}, opts.profile, logr.Discard()).Load()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(&st)
		if err != nil {
			return fmt.Errorf("encode settings: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the profile defaults to the settings file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := config.FileStore{Path: opts.configFile}
		if _, err := store.Load(); !errors.Is(err, config.ErrNotFound) {
			if err == nil {
				return fmt.Errorf("%s exists", opts.configFile)
			}
			return err
		}
		st, err := config.Defaults(opts.profile)
		if err != nil {
			return err
		}
		if err := store.Save(st); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "wrote", opts.configFile)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd)
}
