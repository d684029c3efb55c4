// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/holomush/trinity/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the trinity CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trinity",
		Short: "trinity - a Matrix bot with hot-reloadable modules",
		Long: `trinity is a Matrix chat bot whose behaviour lives in sandboxed
WebAssembly and Lua modules. Modules are reloaded when their files change.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/trinity/config.yaml)")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewCheckCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("trinity %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// addModuleFlags registers the flags shared by commands that load modules.
func addModuleFlags(flags *pflag.FlagSet) {
	flags.StringSlice("modules", nil, "module directories, scanned in order")
	flags.Int("workers", 4, "dispatch worker goroutines")
	flags.Duration("call-timeout", 0, "time limit for one module entry point call")
	flags.String("store-url", "", "key/value store URL (leveldb://, postgres://, redis://, memory:)")
	flags.String("log-format", "json", "log format (json or text)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

// loadConfig reads the configuration for cmd, layering its flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	//nolint:wrapcheck // config errors carry their own oops context
	return config.Load(configFile, cmd.Flags())
}
