package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/unph4914/RTES-Final-Project/internal/config"
)

type rootOptions struct {
	configPath string
	debug      bool
	simulate   bool
	noRealtime bool
	cycles     uint64
}

func newRootCommand() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:           "parkingd",
		Short:         "Run the parking-assist real-time schedule",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (defaults apply when empty)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&opts.simulate, "simulate", false, "Drive the simulated vehicle instead of GPIO and V4L2")
	flags.BoolVar(&opts.noRealtime, "no-realtime", false, "Skip SCHED_FIFO and affinity binding")
	cmd.Flags().Uint64Var(&opts.cycles, "cycles", 0, "Stop after this many base periods (0 runs until signalled)")

	cmd.AddCommand(newCheckCommand(&opts))
	return cmd
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the resolved schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*opts)
			if err != nil {
				return err
			}
			return printResolved(cmd.OutOrStdout(), cfg)
		},
	}
}

// loadConfig reads the file, or the defaults when no path is given, with
// command-line overrides applied before validation.
func loadConfig(opts rootOptions) (*config.Config, error) {
	override := func(cfg *config.Config) {
		if opts.simulate {
			cfg.Hardware.Simulate = true
		}
		if opts.noRealtime {
			cfg.Realtime.Enabled = false
		}
		if opts.debug {
			cfg.Log.Level = "debug"
		}
	}

	if opts.configPath == "" {
		return config.Resolve(override)
	}
	return config.Load(opts.configPath, override)
}

func printResolved(w io.Writer, cfg *config.Config) error {
	fmt.Fprintf(w, "base period: %s (%d Hz)\n", cfg.BasePeriod(), cfg.Sequencer.BaseFrequencyHz)
	for _, s := range cfg.Services {
		fmt.Fprintf(w, "  %-8s %3d Hz  divisor %-3d priority max-%d\n", s.Name, s.FrequencyHz, s.Divisor, s.PriorityOffset)
	}
	fmt.Fprintln(w, "---")

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

var logOutput io.Writer = os.Stdout
