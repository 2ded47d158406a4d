package main

import (
	"fmt"
	"os"

	"codeberg.org/mutker/battester/internal/config"
	"codeberg.org/mutker/battester/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "battester",
		Short:         "Battery capacity tester",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default: search /etc/battester, ~/.config/battester, .)")
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")
	flags.String("log-level", config.DefaultLogLevel, "log level: debug|info|warning|error")
	flags.String("socket", "", "control socket of the running daemon")

	load := func(fs *pflag.FlagSet) (*config.Config, error) {
		var opts []config.Option
		if configPath != "" {
			opts = append(opts, config.WithConfigFile(configPath))
		}
		cfg, err := config.Load(fs, opts...)
		if err != nil {
			return nil, err
		}
		if err := initLogger(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load))
	root.AddCommand(newControlCmds(load)...)
	root.AddCommand(newRecordsCmd(load))
	return root
}

type loadFunc func(fs *pflag.FlagSet) (*config.Config, error)

func initLogger(cfg *config.Config) error {
	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	level, err := logger.ParseLevel(cfg.Level())
	if err != nil {
		return err
	}
	logger.SetLogLevel(level)
	return nil
}
