package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rjboer/GoDAB/internal/config"
	"github.com/rjboer/GoDAB/internal/logging"
)

type globalOptions struct {
	configPath string
	logLevel   string
	lookup     func(string) (string, bool)
}

func newRootCmd(lookup func(string) (string, bool)) *cobra.Command {
	g := &globalOptions{lookup: lookup}
	root := &cobra.Command{
		Use:          "dabsdr",
		Short:        "DAB front-end sample acquisition",
		Long:         `Acquire IQ samples from an ADALM-Pluto, RTL-SDR or recording and report acquisition statistics.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "settings file (default $"+config.EnvFile+" or "+config.DefaultFile+")")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newRunCmd(g),
		newDiscoverCmd(g),
		newProbeCmd(g),
		newChannelsCmd(),
	)
	return root
}

// load reads the settings file and applies environment overrides.
func (g *globalOptions) load() (config.Config, string, error) {
	path := config.Location(g.configPath, g.lookup)
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, "", err
	}
	if err := config.ApplyEnv(&cfg, g.lookup); err != nil {
		return config.Config{}, "", fmt.Errorf("environment: %w", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, path, nil
}

func (g *globalOptions) logger(cfg config.Config, out io.Writer) (logging.Logger, error) {
	logger, err := cfg.Logger(out)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)
	return logger, nil
}

func newChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List DAB Band III channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			for _, label := range config.Channels() {
				hz, err := config.ChannelFrequency(label)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-4s %10.3f MHz\n", label, float64(hz)/1e6)
			}
			return nil
		},
	}
}
