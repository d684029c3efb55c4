// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/holomush/trinity/internal/app"
	"github.com/holomush/trinity/internal/store"
)

// ModuleReport describes one module of a dry-run build.
type ModuleReport struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
	Help string `json:"help" yaml:"help"`
}

// CheckReport is the result of a dry-run build.
type CheckReport struct {
	Generation string         `json:"generation" yaml:"generation"`
	BuiltAt    time.Time      `json:"built_at" yaml:"built_at"`
	Modules    []ModuleReport `json:"modules" yaml:"modules"`
}

// checkConfig holds configuration for the check command.
type checkConfig struct {
	output string
}

// NewCheckCmd creates the check subcommand.
func NewCheckCmd() *cobra.Command {
	cfg := &checkConfig{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load every module once and report what was loaded",
		Long: `Build the module registry from the configured module directories
without connecting to the homeserver. Guest key/value access goes to an
in-memory store, so a check never changes persisted module state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.output, "output", "o", "text", "output format (text, json or yaml)")
	addModuleFlags(cmd.Flags())

	return cmd
}

func runCheck(cmd *cobra.Command, checkCfg *checkConfig) error {
	switch checkCfg.output {
	case "text", "json", "yaml":
	default:
		return oops.Code("CONFIG_INVALID").With("output", checkCfg.output).
			Errorf("output must be text, json or yaml, got %q", checkCfg.output)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateModules(); err != nil {
		return oops.Wrapf(err, "invalid configuration")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	kv, err := store.OpenMemory()
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	builder := newModuleBuilder(kv, cfg.Modules.CallTimeout, logger)

	reg, err := builder.Build(ctx, cfg.Modules.Paths, app.Config(cfg.Modules.Config))
	if err != nil {
		return oops.Code("CHECK_FAILED").Wrapf(err, "building module registry")
	}
	defer func() { _ = reg.Close(context.WithoutCancel(ctx)) }()

	report := CheckReport{
		Generation: reg.Generation().String(),
		BuiltAt:    reg.BuiltAt(),
		Modules:    []ModuleReport{},
	}
	for i, src := range reg.Sources() {
		help, err := reg.Modules()[i].Help(ctx, nil)
		if err != nil {
			help = fmt.Sprintf("<help failed: %v>", err)
		}
		report.Modules = append(report.Modules, ModuleReport{Name: src.Module, Path: src.Path, Help: help})
	}

	return writeReport(cmd.OutOrStdout(), checkCfg.output, report)
}

func writeReport(w io.Writer, format string, report CheckReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return oops.Wrap(enc.Encode(report))
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return oops.Wrap(err)
		}
		return oops.Wrap(enc.Close())
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "MODULE\tPATH\tHELP\n")
	for _, m := range report.Modules {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.Path, m.Help)
	}
	_, _ = fmt.Fprintf(tw, "\n%d module(s), generation %s\n", len(report.Modules), report.Generation)
	return oops.Wrap(tw.Flush())
}
