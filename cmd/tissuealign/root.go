package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tissuealign/internal/config"
	"tissuealign/internal/source"
	"tissuealign/internal/version"
)

type globalOptions struct {
	configPath string
	modality   string
	logLevel   string
	workers    int
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "tissuealign",
		Short:         "Tissue masking and image registration for spatial omics",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.String(),
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "configuration file (.yaml or .toml)")
	pf.StringVarP(&opts.modality, "modality", "m", "", "modality of the input ("+strings.Join(config.NewRegistry().Modalities(), ", ")+"); detected when empty")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.IntVarP(&opts.workers, "workers", "w", 0, "worker goroutines for the search (0 = GOMAXPROCS)")

	root.AddCommand(
		newMasksCmd(opts),
		newCirclesCmd(opts),
		newAlignCmd(opts),
		newConfigCmd(opts),
		newSessionCmd(),
		newFormatsCmd(),
		newVersionCmd(),
	)
	return root
}

func (o *globalOptions) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openSource opens path with the global modality override.
func (o *globalOptions) openSource(path string) (source.Source, error) {
	return source.Open(path, o.modality)
}

// configFor resolves the configuration for a modality: the --config file
// when given, otherwise the registered defaults.
func (o *globalOptions) configFor(modality string) (config.Config, error) {
	var cfg config.Config
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath, modality)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg, _ = config.NewRegistry().Lookup(modality)
	}
	if o.workers > 0 {
		cfg = cfg.WithWorkers(o.workers)
	}
	return cfg, cfg.Validate()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tissuealign %s\n", version.String())
		},
	}
}

func newFormatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List supported file extensions and modalities",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "extensions: %s\n", strings.Join(source.SupportedFormats(), " "))
			fmt.Fprintf(out, "modalities: %s\n", strings.Join(config.NewRegistry().Modalities(), " "))
		},
	}
}
